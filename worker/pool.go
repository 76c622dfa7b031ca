package worker

import (
	"context"
	"log"
	"runtime"
	"sync"

	"github.com/Warner231936/readingrabbit/ocr"
)

// Result carries one finished OCR job. Seq is the submitter's sequence
// number so out-of-order completions can be re-ordered downstream.
type Result struct {
	Seq  int
	Text string
	Err  error
}

// ResultCallback is invoked on OCR completion (from a worker goroutine).
type ResultCallback func(Result)

// Pool is a fixed-size OCR worker pool with a bounded queue.
type Pool struct {
	engine ocr.Engine
	jobs   chan job
	wg     sync.WaitGroup
}

type job struct {
	ctx context.Context
	seq int
	png []byte
	cb  ResultCallback
}

// New creates a worker pool. Size defaults to NumCPU when size<=0; the
// queue holds one job per worker.
func New(engine ocr.Engine, size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{engine: engine, jobs: make(chan job, size)}
	p.start(size)
	return p
}

func (p *Pool) start(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				if err := j.ctx.Err(); err != nil {
					j.cb(Result{Seq: j.seq, Err: err})
					continue
				}
				text, err := p.engine.Recognize(j.ctx, j.png)
				j.cb(Result{Seq: j.seq, Text: text, Err: err})
			}
		}()
	}
}

// Submit enqueues an OCR job, blocking until a queue slot frees or ctx is
// done. Returns false only on cancellation.
func (p *Pool) Submit(ctx context.Context, seq int, png []byte, cb ResultCallback) bool {
	select {
	case p.jobs <- job{ctx: ctx, seq: seq, png: png, cb: cb}:
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySubmit enqueues without blocking. Returns false if the queue is full.
func (p *Pool) TrySubmit(ctx context.Context, seq int, png []byte, cb ResultCallback) bool {
	select {
	case p.jobs <- job{ctx: ctx, seq: seq, png: png, cb: cb}:
		return true
	default:
		return false
	}
}

// Close stops the pool after draining queued work.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
	log.Printf("OCR worker pool closed")
}
