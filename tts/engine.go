package tts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Lanaanvar/PolyVox/files"
	"github.com/Lanaanvar/PolyVox/job"
)

// Voices offered by the default engine model.
var voices = []string{
	"en-US-Wavenet-A", "en-US-Wavenet-B", "en-US-Wavenet-C",
	"en-US-Wavenet-D", "en-US-Wavenet-E", "en-US-Wavenet-F",
}

// SupportedVoices lists the selectable voice names.
func SupportedVoices() []string {
	return append([]string(nil), voices...)
}

type runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// Engine wraps a coqui-style TTS CLI. The same binary handles both plain
// synthesis and voice cloning from a reference sample.
type Engine struct {
	bin        string
	model      string
	sampleRate int
	files      *files.Store
	runner     runner
	probe      func(ctx context.Context, path string) (float64, error)

	loadOnce sync.Once
	loadErr  error
}

// NewEngine creates the engine. probe, if not nil, measures the duration of
// generated audio (typically media.Extractor.ProbeDuration).
func NewEngine(bin, model string, sampleRate int, fs *files.Store,
	probe func(ctx context.Context, path string) (float64, error)) *Engine {
	return &Engine{
		bin:        bin,
		model:      model,
		sampleRate: sampleRate,
		files:      fs,
		runner:     execRunner{},
		probe:      probe,
	}
}

// The synthesis model is process-wide; its availability is checked once.
func (e *Engine) ensureLoaded() error {
	e.loadOnce.Do(func() {
		if _, err := exec.LookPath(e.bin); err != nil {
			e.loadErr = fmt.Errorf("%w: tts binary not found: %s", job.ErrUnavailable, e.bin)
		}
	})
	return e.loadErr
}

// Ready reports whether the synthesis backend can be invoked.
func (e *Engine) Ready() bool { return e.ensureLoaded() == nil }

// Synthesize renders text with the selected voice into a temp wav.
func (e *Engine) Synthesize(ctx context.Context, text string, p job.VoiceParams) (*job.SynthesisResult, error) {
	return e.run(ctx, text, p, "")
}

// Clone renders text in the voice of the reference audio sample.
func (e *Engine) Clone(ctx context.Context, text, referencePath, language string) (*job.SynthesisResult, error) {
	if referencePath == "" {
		return nil, fmt.Errorf("reference audio missing")
	}
	if _, err := os.Stat(referencePath); err != nil {
		return nil, fmt.Errorf("reference audio missing: %s", referencePath)
	}
	return e.run(ctx, text, job.VoiceParams{Language: language, SpeakingRate: 1.0}, referencePath)
}

func (e *Engine) run(ctx context.Context, text string, p job.VoiceParams, referencePath string) (*job.SynthesisResult, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	out, err := e.files.NewTemp("tts", ".wav")
	if err != nil {
		return nil, err
	}

	args := []string{
		"--text", text,
		"--model_name", e.model,
		"--out_path", out,
	}
	if p.Language != "" {
		args = append(args, "--language_idx", p.Language)
	}
	if referencePath != "" {
		args = append(args, "--speaker_wav", referencePath)
	} else if p.Voice != "" {
		args = append(args, "--speaker_idx", p.Voice)
	}
	if p.SpeakingRate > 0 && p.SpeakingRate != 1.0 {
		args = append(args, "--speed", strconv.FormatFloat(p.SpeakingRate, 'f', 2, 64))
	}
	if p.Pitch != 0 {
		args = append(args, "--pitch", strconv.FormatFloat(p.Pitch, 'f', 2, 64))
	}
	if p.VolumeGainDB != 0 {
		args = append(args, "--volume_gain_db", strconv.FormatFloat(p.VolumeGainDB, 'f', 2, 64))
	}

	log.Debug().Bool("clone", referencePath != "").Msg("synthesizing speech")
	output, err := e.runner.Run(ctx, e.bin, args...)
	if err != nil {
		e.files.Remove(out)
		return nil, fmt.Errorf("speech synthesis failed: %v: %s", err, strings.TrimSpace(output))
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		e.files.Remove(out)
		return nil, fmt.Errorf("synthesis produced no audio")
	}

	res := &job.SynthesisResult{AudioPath: out, SampleRate: e.sampleRate}
	if e.probe != nil {
		if dur, err := e.probe(ctx, out); err == nil {
			res.Duration = dur
		} else {
			log.Warn().Err(err).Msg("could not probe synthesized audio duration")
		}
	}
	return res, nil
}
