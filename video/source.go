package video

import (
	"context"
	"image"
	"time"
)

// Frame is one decoded video frame. Index is the position in the original
// stream (sampling gaps included), Timestamp its presentation time.
type Frame struct {
	Index     int
	Timestamp time.Duration
	Image     *image.RGBA
}

// Meta describes the opened stream.
type Meta struct {
	Width       int
	Height      int
	TotalFrames int
	FPS         float64
	Duration    time.Duration
}

// SampledFrames returns how many frames a walk with the given step emits.
func (m Meta) SampledFrames(step int) int {
	if step < 1 {
		step = 1
	}
	return (m.TotalFrames + step - 1) / step
}

// Source yields frames from a video stream in presentation order.
type Source interface {
	Open(ctx context.Context) (Meta, error)
	// Next returns io.EOF when the stream is exhausted.
	Next() (*Frame, error)
	Close() error
}
