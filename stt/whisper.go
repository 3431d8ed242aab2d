package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Lanaanvar/PolyVox/files"
	"github.com/Lanaanvar/PolyVox/job"
)

// Languages whisper accepts as hints. Anything else falls back to
// auto-detection.
var supportedLanguages = []string{
	"en", "es", "fr", "de", "it", "pt", "ru", "zh", "ja", "ko", "ar", "hi",
}

// SupportedLanguages lists the accepted hint codes.
func SupportedLanguages() []string {
	return append([]string(nil), supportedLanguages...)
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

// Whisper transcribes audio through a whisper.cpp style CLI that writes its
// result as JSON next to a requested output base path.
type Whisper struct {
	bin       string
	modelPath string
	files     *files.Store
	runner    runner

	loadOnce sync.Once
	loadErr  error
}

func NewWhisper(bin, modelPath string, fs *files.Store) *Whisper {
	return &Whisper{bin: bin, modelPath: modelPath, files: fs, runner: execRunner{}}
}

// The model is a process-wide resource, validated once on first use.
func (w *Whisper) ensureLoaded() error {
	w.loadOnce.Do(func() {
		if _, err := exec.LookPath(w.bin); err != nil {
			w.loadErr = fmt.Errorf("%w: whisper binary not found: %s", job.ErrUnavailable, w.bin)
			return
		}
		if _, err := os.Stat(w.modelPath); err != nil {
			w.loadErr = fmt.Errorf("%w: whisper model not loaded: %s", job.ErrUnavailable, w.modelPath)
		}
	})
	return w.loadErr
}

// Ready reports whether the binary and model are usable.
func (w *Whisper) Ready() bool { return w.ensureLoaded() == nil }

// Transcribe runs the model on audioPath. language is a hint; "auto" or ""
// lets the model detect the language.
func (w *Whisper) Transcribe(ctx context.Context, audioPath, language string) (*job.Transcription, error) {
	if err := w.ensureLoaded(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("audio file not readable: %s", audioPath)
	}
	if language != "" && language != "auto" && !isSupported(language) {
		log.Warn().Str("language", language).Msg("language not supported, using auto-detection")
		language = ""
	}

	base, err := w.files.NewTemp("whisper", "")
	if err != nil {
		return nil, err
	}
	jsonPath := base + ".json"
	defer func() {
		w.files.Remove(base)
		w.files.Remove(jsonPath)
	}()

	args := []string{"-m", w.modelPath, "-f", audioPath, "-oj", "-of", base}
	if language != "" && language != "auto" {
		args = append(args, "-l", language)
	}
	log.Debug().Str("file", audioPath).Msg("transcribing")
	output, err := w.runner.Run(ctx, w.bin, args...)
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %v: %s", err, strings.TrimSpace(output))
	}

	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("whisper produced no output: %w", err)
	}
	return parseOutput(raw)
}

func isSupported(code string) bool {
	for _, l := range supportedLanguages {
		if l == code {
			return true
		}
	}
	return false
}

type whisperToken struct {
	P float64 `json:"p"`
}

type whisperSegment struct {
	Offsets struct {
		From int64 `json:"from"`
		To   int64 `json:"to"`
	} `json:"offsets"`
	Text       string         `json:"text"`
	AvgLogprob *float64       `json:"avg_logprob,omitempty"`
	Tokens     []whisperToken `json:"tokens,omitempty"`
}

type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []whisperSegment `json:"transcription"`
}

// parseOutput converts whisper JSON to the domain transcription. Offsets
// are milliseconds. Segments without any text are dropped.
func parseOutput(raw []byte) (*job.Transcription, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("can't parse whisper output: %w", err)
	}

	res := &job.Transcription{DetectedLanguage: out.Result.Language}
	var texts []string
	for _, s := range out.Transcription {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		seg := job.TranscriptionSegment{
			ID:         len(res.Segments),
			StartTime:  float64(s.Offsets.From) / 1000.0,
			EndTime:    float64(s.Offsets.To) / 1000.0,
			Text:       text,
			Confidence: segmentConfidence(s.Tokens, s.AvgLogprob),
			Language:   out.Result.Language,
		}
		res.Segments = append(res.Segments, seg)
		texts = append(texts, text)
	}
	if n := len(res.Segments); n > 0 {
		res.TotalDuration = res.Segments[n-1].EndTime
	}
	res.ConfidenceScore = job.MeanConfidence(res.Segments)
	res.Text = strings.Join(texts, " ")
	return res, nil
}

// segmentConfidence prefers mean token probability and falls back to a
// shifted average log probability, clamped to [0,1].
func segmentConfidence(tokens []whisperToken, avgLogprob *float64) float64 {
	if len(tokens) > 0 {
		sum := 0.0
		for _, t := range tokens {
			sum += t.P
		}
		return clamp01(sum / float64(len(tokens)))
	}
	if avgLogprob != nil {
		return clamp01(*avgLogprob + 1.0)
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
