package ocr

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"

	"github.com/Warner231936/readingrabbit/llm"
)

// ErrNoText reports a frame that decoded fine but carried no readable text.
// Callers treat it as a skip, not a failure.
var ErrNoText = errors.New("no text detected in frame")

// Engine is the OCR contract: an image in, recognized text out. The
// engine itself (vision model, tesseract, anything) stays external.
type Engine interface {
	Recognize(ctx context.Context, pngData []byte) (string, error)
}

// VisionEngine performs OCR through the configured vision model.
type VisionEngine struct {
	languages []string
}

func NewVisionEngine(languages []string) *VisionEngine {
	return &VisionEngine{languages: languages}
}

func (e *VisionEngine) Recognize(ctx context.Context, pngData []byte) (string, error) {
	text, err := llm.QueryVision(ctx, pngData, e.languages)
	if err != nil {
		if strings.Contains(err.Error(), "no text detected") {
			return "", ErrNoText
		}
		return "", err
	}
	text = CleanText(text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

// EncodeFrame converts a decoded frame to PNG for the engine.
func EncodeFrame(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CleanText collapses whitespace runs and drops blank lines so transcript
// lines stay one-per-hit.
func CleanText(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
