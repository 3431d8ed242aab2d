package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Lanaanvar/PolyVox/files"
	"github.com/Lanaanvar/PolyVox/job"
)

// Kind classifies an input file by its extension.
type Kind int

const (
	KindUnsupported Kind = iota
	KindAudio
	KindVideo
)

var videoExts = map[string]bool{
	".mp4": true, ".avi": true, ".mkv": true, ".mov": true,
	".webm": true, ".m4v": true, ".3gp": true,
}

var audioExts = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".aac": true,
	".flac": true, ".ogg": true,
}

// Classify determines whether a filename names audio, video, or neither.
func Classify(filename string) Kind {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case audioExts[ext]:
		return KindAudio
	case videoExts[ext]:
		return KindVideo
	default:
		return KindUnsupported
	}
}

// runner abstracts process execution for testability.
type runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// execRunner executes a command and captures combined stdout/stderr.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// Extractor produces a mono wav at the model's sample rate from any
// supported input, demuxing video via ffmpeg.
type Extractor struct {
	ffmpegBin  string
	ffprobeBin string
	sampleRate int
	channels   int
	files      *files.Store
	runner     runner

	checkOnce sync.Once
	checkErr  error
}

func NewExtractor(ffmpegBin, ffprobeBin string, sampleRate, channels int, fs *files.Store) *Extractor {
	return &Extractor{
		ffmpegBin:  ffmpegBin,
		ffprobeBin: ffprobeBin,
		sampleRate: sampleRate,
		channels:   channels,
		files:      fs,
		runner:     execRunner{},
	}
}

func (e *Extractor) available() error {
	e.checkOnce.Do(func() {
		if _, err := exec.LookPath(e.ffmpegBin); err != nil {
			e.checkErr = fmt.Errorf("%w: ffmpeg binary not found: %s", job.ErrUnavailable, e.ffmpegBin)
		}
	})
	return e.checkErr
}

// Ready reports whether the external tool can be invoked.
func (e *Extractor) Ready() bool { return e.available() == nil }

// Extract normalizes path into a temp wav (mono, configured sample rate).
// Audio inputs are resampled in place of demuxing; video inputs lose their
// video stream. Unsupported extensions and missing files are errors.
func (e *Extractor) Extract(ctx context.Context, path string) (*job.ExtractionResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input file not found: %s", path)
	}
	if Classify(path) == KindUnsupported {
		return nil, fmt.Errorf("unsupported format: %s", filepath.Ext(path))
	}
	if err := e.available(); err != nil {
		return nil, err
	}

	out, err := e.files.NewTemp("audio", ".wav")
	if err != nil {
		return nil, err
	}

	args := []string{
		"-y", "-i", path,
		"-vn",
		"-ac", strconv.Itoa(e.channels),
		"-ar", strconv.Itoa(e.sampleRate),
		"-f", "wav",
		out,
	}
	log.Debug().Str("file", path).Msg("extracting audio")
	output, err := e.runner.Run(ctx, e.ffmpegBin, args...)
	if err != nil {
		e.files.Remove(out)
		return nil, fmt.Errorf("ffmpeg extraction failed: %v: %s", err, tail(output, 400))
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		e.files.Remove(out)
		return nil, fmt.Errorf("ffmpeg produced no audio for %s", path)
	}

	dur, err := e.ProbeDuration(ctx, out)
	if err != nil {
		log.Warn().Err(err).Str("file", out).Msg("could not probe duration")
	}
	return &job.ExtractionResult{
		AudioPath:  out,
		Duration:   dur,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	}, nil
}

// ProbeDuration asks ffprobe for a media file's duration in seconds.
func (e *Extractor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	out, err := e.runner.Run(ctx, e.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %v", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected ffprobe output %q", strings.TrimSpace(out))
	}
	return dur, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
