package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFmpegSource decodes a video file by streaming raw RGBA frames from an
// ffmpeg child process. Step > 1 keeps every Nth frame (framestep filter),
// which is how long recordings stay affordable to OCR.
type FFmpegSource struct {
	Path string
	Step int

	meta   Meta
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	read   int
}

func NewFFmpegSource(path string, step int) *FFmpegSource {
	if step < 1 {
		step = 1
	}
	return &FFmpegSource{Path: path, Step: step}
}

func (s *FFmpegSource) Open(ctx context.Context) (Meta, error) {
	meta, err := Probe(ctx, s.Path)
	if err != nil {
		return Meta{}, err
	}
	s.meta = meta

	cmd := exec.CommandContext(ctx, "ffmpeg", decodeArgs(s.Path, s.Step)...)
	cmd.Stderr = &s.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Meta{}, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Meta{}, fmt.Errorf("start ffmpeg: %w", err)
	}
	s.cmd = cmd
	s.stdout = stdout
	log.Printf("Decoder started: %s (%dx%d, %d frames, step %d)",
		s.Path, meta.Width, meta.Height, meta.TotalFrames, s.Step)
	return meta, nil
}

func (s *FFmpegSource) Next() (*Frame, error) {
	if s.stdout == nil {
		return nil, fmt.Errorf("source not opened")
	}
	frameLen := s.meta.Width * s.meta.Height * 4
	buf := make([]byte, frameLen)
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}

	index := s.read * s.Step
	s.read++
	img := &image.RGBA{
		Pix:    buf,
		Stride: s.meta.Width * 4,
		Rect:   image.Rect(0, 0, s.meta.Width, s.meta.Height),
	}
	return &Frame{
		Index:     index,
		Timestamp: frameTimestamp(index, s.meta.FPS),
		Image:     img,
	}, nil
}

func (s *FFmpegSource) Close() error {
	if s.cmd == nil {
		return nil
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	// Drain or kill; ffmpeg exits with an error when its pipe closes early.
	if err := s.cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
			log.Printf("ffmpeg exited: %v (%s)", err, msg)
		}
	}
	s.cmd = nil
	s.stdout = nil
	return nil
}

func decodeArgs(path string, step int) []string {
	args := []string{"-v", "error", "-i", path}
	if step > 1 {
		args = append(args, "-vf", fmt.Sprintf("framestep=%d", step))
	}
	return append(args, "-f", "rawvideo", "-pix_fmt", "rgba", "pipe:1")
}

func frameTimestamp(index int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(index) / fps * float64(time.Second))
}

// Probe runs ffprobe and extracts stream geometry and timing. Containers
// that omit nb_frames (common for fragmented MP4) fall back to
// duration * fps.
func Probe(ctx context.Context, path string) (Meta, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,nb_frames,avg_frame_rate,duration",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return Meta{}, fmt.Errorf("cannot open video %s: %w", path, err)
	}
	return parseProbeOutput(out, path)
}

type probeResult struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		NBFrames     string `json:"nb_frames"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

func parseProbeOutput(out []byte, path string) (Meta, error) {
	var probed probeResult
	if err := json.Unmarshal(out, &probed); err != nil {
		return Meta{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(probed.Streams) == 0 {
		return Meta{}, fmt.Errorf("no video stream in %s", path)
	}
	st := probed.Streams[0]
	if st.Width <= 0 || st.Height <= 0 {
		return Meta{}, fmt.Errorf("invalid stream geometry %dx%d in %s", st.Width, st.Height, path)
	}

	meta := Meta{Width: st.Width, Height: st.Height}
	meta.FPS = parseRate(st.AvgFrameRate)
	if d, err := strconv.ParseFloat(st.Duration, 64); err == nil && d > 0 {
		meta.Duration = time.Duration(d * float64(time.Second))
	}
	if n, err := strconv.Atoi(st.NBFrames); err == nil && n > 0 {
		meta.TotalFrames = n
	} else if meta.FPS > 0 && meta.Duration > 0 {
		meta.TotalFrames = int(math.Round(meta.Duration.Seconds() * meta.FPS))
	}
	if meta.TotalFrames < 1 {
		meta.TotalFrames = 1
	}
	return meta, nil
}

// parseRate handles ffprobe rational rates like "30000/1001" or "25/1".
func parseRate(rate string) float64 {
	if rate == "" || rate == "0/0" {
		return 0
	}
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
