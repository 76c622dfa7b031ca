package ocr

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestCleanText(t *testing.T) {
	cases := map[string]string{
		"  gg   wp  ":            "gg wp",
		"line one\n\n\nline two": "line one\nline two",
		"\n \n":                  "",
		"already clean":          "already clean",
		"tab\tseparated words":   "tab separated words",
	}
	for in, want := range cases {
		if got := CleanText(in); got != want {
			t.Errorf("CleanText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEncodeFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	data, err := EncodeFrame(img)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Encoded frame is not valid PNG: %v", err)
	}
	if decoded.Bounds() != img.Bounds() {
		t.Errorf("Bounds mismatch: %v vs %v", decoded.Bounds(), img.Bounds())
	}
}
