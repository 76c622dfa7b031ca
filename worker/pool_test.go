package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (e *fakeEngine) Recognize(ctx context.Context, png []byte) (string, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return "", e.err
	}
	return fmt.Sprintf("text-%d-%d", n, len(png)), nil
}

func TestPoolDeliversResults(t *testing.T) {
	engine := &fakeEngine{}
	p := New(engine, 2)
	defer p.Close()

	results := make(chan Result, 8)
	ctx := context.Background()
	for seq := 0; seq < 8; seq++ {
		if !p.Submit(ctx, seq, []byte{byte(seq)}, func(r Result) { results <- r }) {
			t.Fatalf("Submit %d failed", seq)
		}
	}

	seen := map[int]bool{}
	for i := 0; i < 8; i++ {
		select {
		case r := <-results:
			if r.Err != nil {
				t.Errorf("Unexpected error for seq %d: %v", r.Seq, r.Err)
			}
			if r.Text == "" {
				t.Errorf("Empty text for seq %d", r.Seq)
			}
			seen[r.Seq] = true
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for results")
		}
	}
	if len(seen) != 8 {
		t.Errorf("Expected 8 distinct seqs, got %d", len(seen))
	}
}

func TestPoolReportsEngineError(t *testing.T) {
	wantErr := errors.New("backend down")
	p := New(&fakeEngine{err: wantErr}, 1)
	defer p.Close()

	results := make(chan Result, 1)
	p.Submit(context.Background(), 1, []byte{1}, func(r Result) { results <- r })

	r := <-results
	if !errors.Is(r.Err, wantErr) {
		t.Errorf("Expected engine error, got %v", r.Err)
	}
}

func TestTrySubmitDropsWhenFull(t *testing.T) {
	p := New(&fakeEngine{delay: 200 * time.Millisecond}, 1)
	defer p.Close()

	ctx := context.Background()
	cb := func(Result) {}
	// Fill worker + queue slot, then expect a drop.
	dropped := false
	for i := 0; i < 4; i++ {
		if !p.TrySubmit(ctx, i, []byte{1}, cb) {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Error("Expected TrySubmit to drop once the queue filled")
	}
}

func TestSubmitHonoursCancellation(t *testing.T) {
	p := New(&fakeEngine{delay: 300 * time.Millisecond}, 1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cb := func(Result) {}
	// Occupy the worker and the queue.
	p.Submit(ctx, 0, []byte{1}, cb)
	p.Submit(ctx, 1, []byte{1}, cb)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	for i := 2; i < 10; i++ {
		if !p.Submit(ctx, i, []byte{1}, cb) {
			if time.Since(start) > time.Second {
				t.Error("Cancellation took too long to unblock Submit")
			}
			return
		}
	}
	t.Error("Expected a Submit to fail after cancellation")
}
