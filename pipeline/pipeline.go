package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Warner231936/readingrabbit/ocr"
	"github.com/Warner231936/readingrabbit/video"
	"github.com/Warner231936/readingrabbit/worker"
)

// Progress is a low-frequency snapshot for the status surface.
type Progress struct {
	FrameIndex  int     `json:"frame_index"`
	TotalFrames int     `json:"total_frames"`
	Percent     float64 `json:"percent"`
	ETASeconds  float64 `json:"eta_seconds"`
	FPS         float64 `json:"fps"`
	Lines       int     `json:"lines"`
}

// Result summarizes a finished (or cancelled) run.
type Result struct {
	Frames    int
	Lines     int
	CacheHits int
	Elapsed   time.Duration
	Cancelled bool
}

// Verifier refines recognized text. Failures fall back to the raw text;
// verification never loses data.
type Verifier interface {
	Verify(ctx context.Context, text string) (string, error)
}

// LineFunc observes each transcript line as it is written.
type LineFunc func(frameIndex int, ts time.Duration, raw, verified string)

type Options struct {
	Source     video.Source
	Engine     ocr.Engine
	Verifier   Verifier // optional
	Workers    int
	Step       int
	OutputPath string
	OnProgress func(Progress)
	OnLine     LineFunc
}

// Processor walks a video, OCRs sampled frames and writes the transcript.
// Repeated chat frames are fingerprinted and served from cache instead of
// hitting the OCR backend again.
type Processor struct {
	opts  Options
	cache *ristretto.Cache[uint64, string]
}

func New(opts Options) (*Processor, error) {
	if opts.Source == nil || opts.Engine == nil {
		return nil, fmt.Errorf("source and engine are required")
	}
	if opts.Step < 1 {
		opts.Step = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, string]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create frame cache: %w", err)
	}
	return &Processor{opts: opts, cache: cache}, nil
}

// entry is one frame's outcome flowing to the re-sequencer. dupOfPrev
// marks a frame whose pixels match the previous one; its text is resolved
// at emit time, when the previous frame's outcome is already known.
type entry struct {
	seq        int
	frameIndex int
	ts         time.Duration
	fp         uint64
	text       string
	err        error
	cached     bool
	dupOfPrev  bool
}

// Run processes the whole stream. It returns when the source is exhausted
// or ctx is cancelled.
func (p *Processor) Run(ctx context.Context) (Result, error) {
	defer p.cache.Close()
	start := time.Now()

	meta, err := p.opts.Source.Open(ctx)
	if err != nil {
		return Result{}, err
	}
	defer p.opts.Source.Close()
	expected := meta.SampledFrames(p.opts.Step)

	out, err := openOutput(p.opts.OutputPath)
	if err != nil {
		return Result{}, err
	}
	defer out.Close()
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	pool := worker.New(p.opts.Engine, p.opts.Workers)
	results := make(chan entry, p.opts.Workers*2+8)

	st := &runState{
		processor: p,
		writer:    writer,
		expected:  expected,
		start:     start,
	}
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		st.consume(ctx, results)
	}()

	submitted, cacheHits, readErr := p.readLoop(ctx, results, pool)

	pool.Close() // drains in-flight jobs; all callbacks have fired after this
	close(results)
	<-consumerDone

	cancelled := ctx.Err() != nil
	if readErr != nil && !cancelled {
		return Result{}, readErr
	}

	if !cancelled {
		// Short clips may never cross a progress boundary; always land on 100.
		st.report(Progress{
			FrameIndex:  st.lastFrameIndex,
			TotalFrames: expected,
			Percent:     100,
			ETASeconds:  0,
			FPS:         st.fps(),
			Lines:       st.lines,
		})
		log.Printf("Video processing completed: %s (%d frames, %d lines, %d cache hits)",
			p.opts.OutputPath, submitted, st.lines, cacheHits)
	} else {
		log.Printf("Video processing cancelled after %d frames", submitted)
	}

	return Result{
		Frames:    submitted,
		Lines:     st.lines,
		CacheHits: cacheHits,
		Elapsed:   time.Since(start),
		Cancelled: cancelled,
	}, nil
}

// readLoop walks the source and fans frames out to the pool. Consecutive
// identical frames short-circuit on the previous fingerprint; older
// repeats hit the ristretto cache.
func (p *Processor) readLoop(ctx context.Context, results chan<- entry, pool *worker.Pool) (submitted, cacheHits int, err error) {
	var prevFP uint64
	havePrev := false
	seq := 0

	for {
		if ctx.Err() != nil {
			return submitted, cacheHits, ctx.Err()
		}
		frame, err := p.opts.Source.Next()
		if err == io.EOF {
			return submitted, cacheHits, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return submitted, cacheHits, ctx.Err()
			}
			return submitted, cacheHits, fmt.Errorf("decode frame: %w", err)
		}

		fp := fingerprint(frame.Image)
		e := entry{seq: seq, frameIndex: frame.Index, ts: frame.Timestamp, fp: fp}

		if havePrev && fp == prevFP {
			e.cached, e.dupOfPrev = true, true
		} else if text, ok := p.cache.Get(fp); ok {
			e.text, e.cached = text, true
		}

		if e.cached {
			cacheHits++
			select {
			case results <- e:
			case <-ctx.Done():
				return submitted, cacheHits, ctx.Err()
			}
			submitted++
			seq++
			prevFP, havePrev = fp, true
			continue
		}

		png, err := ocr.EncodeFrame(frame.Image)
		if err != nil {
			return submitted, cacheHits, fmt.Errorf("encode frame %d: %w", frame.Index, err)
		}
		frameIndex, ts := frame.Index, frame.Timestamp
		if !pool.Submit(ctx, seq, png, func(r worker.Result) {
			results <- entry{seq: r.Seq, frameIndex: frameIndex, ts: ts, fp: fp, text: r.Text, err: r.Err}
		}) {
			return submitted, cacheHits, ctx.Err()
		}
		submitted++
		seq++
		prevFP, havePrev = fp, true
	}
}

// runState re-sequences worker completions and owns the transcript.
type runState struct {
	processor *Processor
	writer    *bufio.Writer
	expected  int
	start     time.Time

	lines          int
	emitted        int
	lastFrameIndex int
	lastRaw        string // raw text of the previous frame, empty included
	lastText       string // last transcript line actually written
}

func (st *runState) consume(ctx context.Context, results <-chan entry) {
	pending := make(map[int]entry)
	next := 0
	for e := range results {
		pending[e.seq] = e
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			st.emit(ctx, ready)
		}
	}
}

func (st *runState) emit(ctx context.Context, e entry) {
	st.emitted++
	st.lastFrameIndex = e.frameIndex

	text := e.text
	switch {
	case e.dupOfPrev:
		text = st.lastRaw
	case e.err != nil:
		if !errors.Is(e.err, ocr.ErrNoText) && !errors.Is(e.err, context.Canceled) &&
			!errors.Is(e.err, context.DeadlineExceeded) {
			log.Printf("OCR failure on frame %d: %v", e.frameIndex, e.err)
		}
		st.processor.cache.Set(e.fp, "", 1)
		text = ""
	case !e.cached:
		st.processor.cache.Set(e.fp, text, 1)
	}
	st.lastRaw = text

	if text != "" && text != st.lastText {
		verified := text
		if v := st.processor.opts.Verifier; v != nil {
			if out, err := v.Verify(ctx, text); err != nil {
				log.Printf("Verification failed on frame %d, keeping raw text: %v", e.frameIndex, err)
			} else if out != "" {
				verified = out
			}
		}
		fmt.Fprintln(st.writer, verified)
		st.writer.Flush()
		st.lines++
		st.lastText = text
		if st.processor.opts.OnLine != nil {
			st.processor.opts.OnLine(e.frameIndex, e.ts, text, verified)
		}
	}

	st.report(st.progress())
}

func (st *runState) progress() Progress {
	percent := 0.0
	if st.expected > 0 {
		percent = float64(st.emitted) / float64(st.expected) * 100
		if percent > 100 {
			percent = 100
		}
	}
	fps := st.fps()
	eta := 0.0
	if fps > 0 && st.expected > st.emitted {
		eta = float64(st.expected-st.emitted) / fps
	}
	return Progress{
		FrameIndex:  st.lastFrameIndex,
		TotalFrames: st.expected,
		Percent:     percent,
		ETASeconds:  eta,
		FPS:         fps,
		Lines:       st.lines,
	}
}

func (st *runState) fps() float64 {
	elapsed := time.Since(st.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(st.emitted) / elapsed
}

func (st *runState) report(p Progress) {
	if st.processor.opts.OnProgress != nil {
		st.processor.opts.OnProgress(p)
	}
}

// fingerprint hashes the raw pixels; identical chat frames collapse to
// one OCR call.
func fingerprint(img *image.RGBA) uint64 {
	h := fnv.New64a()
	h.Write(img.Pix)
	return h.Sum64()
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		path = "transcript.txt"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	return f, nil
}
