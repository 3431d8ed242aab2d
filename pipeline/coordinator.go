package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Lanaanvar/PolyVox/files"
	"github.com/Lanaanvar/PolyVox/job"
)

// Extractor produces normalized audio from an uploaded media file.
type Extractor interface {
	Extract(ctx context.Context, path string) (*job.ExtractionResult, error)
}

// Transcriber converts audio into an ordered segment list.
type Transcriber interface {
	Transcribe(ctx context.Context, path, language string) (*job.Transcription, error)
}

// Translator converts one text between languages.
type Translator interface {
	Translate(ctx context.Context, text, src, dst string) (*job.TranslationResult, error)
}

// Synthesizer renders text as speech with a selected voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, p job.VoiceParams) (*job.SynthesisResult, error)
}

// VoiceCloner renders text in the voice of a reference sample.
type VoiceCloner interface {
	Clone(ctx context.Context, text, referencePath, language string) (*job.SynthesisResult, error)
}

// Notifier receives a snapshot after every job mutation.
type Notifier interface {
	Publish(j job.Job)
}

// Request carries one job's inputs. InputPath and ReferencePath are temp
// files owned by the job; the coordinator removes them when the run ends.
type Request struct {
	InputPath       string
	ReferencePath   string
	SourceLanguage  string
	TargetLanguage  string
	Voice           job.VoiceParams
	UseVoiceCloning bool
}

// Params wires the coordinator.
type Params struct {
	Store       *job.Store
	Files       *files.Store
	Extractor   Extractor
	Transcriber Transcriber
	Translator  Translator
	Synthesizer Synthesizer
	Cloner      VoiceCloner
	Notifier    Notifier // optional

	StageTimeout   time.Duration
	MaxConcurrency int
}

// Coordinator runs the four-stage dubbing pipeline for one job at a time
// per job id, decoupled from the request that created the job.
type Coordinator struct {
	store       *job.Store
	files       *files.Store
	extractor   Extractor
	transcriber Transcriber
	translator  Translator
	synthesizer Synthesizer
	cloner      VoiceCloner
	notifier    Notifier

	stageTimeout time.Duration
	slots        chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New validates the wiring and creates a coordinator.
func New(p Params) (*Coordinator, error) {
	if p.Store == nil {
		return nil, pkgerrors.New("no job store")
	}
	if p.Files == nil {
		return nil, pkgerrors.New("no file store")
	}
	if p.Extractor == nil {
		return nil, pkgerrors.New("no extractor")
	}
	if p.Transcriber == nil {
		return nil, pkgerrors.New("no transcriber")
	}
	if p.Translator == nil {
		return nil, pkgerrors.New("no translator")
	}
	if p.Synthesizer == nil {
		return nil, pkgerrors.New("no synthesizer")
	}
	if p.Cloner == nil {
		return nil, pkgerrors.New("no voice cloner")
	}
	c := &Coordinator{
		store:        p.Store,
		files:        p.Files,
		extractor:    p.Extractor,
		transcriber:  p.Transcriber,
		translator:   p.Translator,
		synthesizer:  p.Synthesizer,
		cloner:       p.Cloner,
		notifier:     p.Notifier,
		stageTimeout: p.StageTimeout,
		cancels:      map[string]context.CancelFunc{},
	}
	if p.MaxConcurrency > 0 {
		c.slots = make(chan struct{}, p.MaxConcurrency)
	}
	return c, nil
}

// Start launches the pipeline for jobID in the background and returns
// immediately. The caller must have created the job in the store.
func (c *Coordinator) Start(jobID string, req Request) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[jobID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.cancels, jobID)
			c.mu.Unlock()
		}()
		if c.slots != nil {
			select {
			case c.slots <- struct{}{}:
				defer func() { <-c.slots }()
			case <-ctx.Done():
				c.markCanceled(jobID)
				c.files.Remove(req.InputPath)
				c.files.Remove(req.ReferencePath)
				return
			}
		}
		c.run(ctx, jobID, req)
	}()
}

// Cancel requests cooperative cancellation of a running or queued job.
// Returns false when the job has no active pipeline.
func (c *Coordinator) Cancel(jobID string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[jobID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// run executes all stages. No error or panic may escape: every outcome
// lands in the job store, and all temp files of this run are removed on
// success, failure, cancellation, and panic alike.
func (c *Coordinator) run(ctx context.Context, jobID string, req Request) {
	start := time.Now()

	temps := []string{req.InputPath, req.ReferencePath}
	defer func() {
		for _, p := range temps {
			c.files.Remove(p)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("ID", jobID).Interface("panic", r).Msg("pipeline panicked")
			c.fail(jobID, fmt.Sprintf("unexpected error: %v", r))
		}
	}()

	log.Info().Str("ID", jobID).Str("input", req.InputPath).Msg("starting pipeline")
	c.update(jobID, func(j *job.Job) {
		j.Status = job.StatusProcessing
		j.Progress = 0
		j.CurrentStep = "Starting processing"
	})

	// Stage 1: extraction. Failure is fatal: nothing downstream can run
	// without audio.
	c.checkpoint(jobID, 10, "Extracting audio")
	ext, err := withStageCtx(ctx, c.stageTimeout, func(sctx context.Context) (*job.ExtractionResult, error) {
		return c.extractor.Extract(sctx, req.InputPath)
	})
	if err != nil {
		c.failOrCancel(ctx, jobID, fmt.Sprintf("audio extraction failed: %v", err))
		return
	}
	temps = append(temps, ext.AudioPath)
	if c.canceled(ctx, jobID) {
		return
	}

	// Stage 2: transcription. Also fatal: the transcript feeds everything
	// that follows.
	c.checkpoint(jobID, 30, "Transcribing audio")
	tr, err := withStageCtx(ctx, c.stageTimeout, func(sctx context.Context) (*job.Transcription, error) {
		return c.transcriber.Transcribe(sctx, ext.AudioPath, req.SourceLanguage)
	})
	if err != nil {
		c.failOrCancel(ctx, jobID, fmt.Sprintf("transcription failed: %v", err))
		return
	}
	c.update(jobID, func(j *job.Job) { j.Transcription = tr })
	if c.canceled(ctx, jobID) {
		return
	}

	// Stage 3: translation. Per-segment failures degrade to the original
	// text instead of killing the job.
	c.checkpoint(jobID, 50, "Translating text")
	sourceLang := req.SourceLanguage
	if sourceLang == "auto" && tr.DetectedLanguage != "" {
		sourceLang = tr.DetectedLanguage
	}
	translations := c.translateSegments(ctx, tr.Segments, sourceLang, req.TargetLanguage)
	c.update(jobID, func(j *job.Job) { j.Translations = translations })
	if c.canceled(ctx, jobID) {
		return
	}

	// Stage 4: synthesis. Per-segment failures are recorded; only a
	// missing backend fails the job.
	c.checkpoint(jobID, 70, "Generating speech")
	useClone := req.UseVoiceCloning && req.ReferencePath != ""
	if req.UseVoiceCloning && req.ReferencePath == "" {
		log.Warn().Str("ID", jobID).Msg("voice cloning requested without reference audio, using plain synthesis")
	}

	synthesis := make([]job.SegmentSynthesis, len(translations))
	segPaths := make([]string, len(translations))
	for i, t := range translations {
		synthesis[i] = job.SegmentSynthesis{Index: i}
		text := strings.TrimSpace(t.TranslatedText)
		if text == "" {
			continue
		}
		res, err := withStageCtx(ctx, c.stageTimeout, func(sctx context.Context) (*job.SynthesisResult, error) {
			if useClone {
				return c.cloner.Clone(sctx, text, req.ReferencePath, req.TargetLanguage)
			}
			return c.synthesizer.Synthesize(sctx, text, req.Voice)
		})
		if err != nil {
			if errors.Is(err, job.ErrUnavailable) {
				c.update(jobID, func(j *job.Job) { j.Synthesis = cloneSynthesis(synthesis) })
				c.failOrCancel(ctx, jobID, fmt.Sprintf("speech synthesis failed: %v", err))
				return
			}
			if ctx.Err() != nil {
				c.markCanceled(jobID)
				return
			}
			log.Warn().Err(err).Str("ID", jobID).Int("segment", i).Msg("segment synthesis failed")
			synthesis[i].Error = err.Error()
			continue
		}
		temps = append(temps, res.AudioPath)
		synthesis[i].Duration = res.Duration
		segPaths[i] = res.AudioPath
	}
	c.update(jobID, func(j *job.Job) { j.Synthesis = cloneSynthesis(synthesis) })
	if c.canceled(ctx, jobID) {
		return
	}

	// Stage 5: store outputs, index-for-index with the transcript order.
	c.checkpoint(jobID, 90, "Finalizing")
	var outputs []string
	for i, p := range segPaths {
		if p == "" {
			continue
		}
		name := fmt.Sprintf("%s_seg%03d.wav", jobID, i)
		if _, err := c.files.Promote(p, name); err != nil {
			log.Warn().Err(err).Str("ID", jobID).Int("segment", i).Msg("could not store segment output")
			synthesis[i].Error = "could not store output: " + err.Error()
			continue
		}
		synthesis[i].File = name
		outputs = append(outputs, name)
	}
	transcriptName := jobID + ".txt"
	if err := os.WriteFile(c.files.OutputPath(transcriptName), []byte(translatedText(translations)), 0o644); err != nil {
		log.Warn().Err(err).Str("ID", jobID).Msg("could not write transcript output")
	} else {
		outputs = append(outputs, transcriptName)
	}

	c.update(jobID, func(j *job.Job) {
		j.Status = job.StatusCompleted
		j.Progress = 100
		j.CurrentStep = "Completed"
		j.Synthesis = cloneSynthesis(synthesis)
		j.OutputFiles = outputs
		j.ProcessingTime = time.Since(start).Seconds()
	})
	log.Info().Str("ID", jobID).Dur("took", time.Since(start)).Msg("pipeline completed")
}

// translateSegments maps segments to translation results one-to-one,
// preserving order. Empty segments pass through without an adapter call;
// failed segments fall back to their original text with zero confidence.
func (c *Coordinator) translateSegments(ctx context.Context, segments []job.TranscriptionSegment, src, dst string) []job.TranslationResult {
	results := make([]job.TranslationResult, len(segments))
	for i, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			results[i] = job.TranslationResult{
				OriginalText:    "",
				TranslatedText:  "",
				SourceLanguage:  src,
				TargetLanguage:  dst,
				ConfidenceScore: 1.0,
			}
			continue
		}
		res, err := withStageCtx(ctx, c.stageTimeout, func(sctx context.Context) (*job.TranslationResult, error) {
			return c.translator.Translate(sctx, text, src, dst)
		})
		if err != nil {
			log.Warn().Err(err).Int("segment", i).Msg("segment translation failed, keeping original text")
			results[i] = job.TranslationResult{
				OriginalText:    text,
				TranslatedText:  text,
				SourceLanguage:  src,
				TargetLanguage:  dst,
				ConfidenceScore: 0.0,
			}
			continue
		}
		results[i] = *res
	}
	return results
}

// cloneSynthesis snapshots the per-segment results. The store must never
// share a backing array with the slice the running pipeline still mutates.
func cloneSynthesis(s []job.SegmentSynthesis) []job.SegmentSynthesis {
	return append([]job.SegmentSynthesis(nil), s...)
}

func translatedText(translations []job.TranslationResult) string {
	var parts []string
	for _, t := range translations {
		if s := strings.TrimSpace(t.TranslatedText); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// withStageCtx bounds one adapter call with the configured stage timeout.
func withStageCtx[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (c *Coordinator) checkpoint(jobID string, progress int, step string) {
	log.Info().Str("ID", jobID).Int("progress", progress).Msg(step)
	c.update(jobID, func(j *job.Job) {
		j.Progress = progress
		j.CurrentStep = step
	})
}

func (c *Coordinator) update(jobID string, fn func(*job.Job)) {
	if !c.store.Update(jobID, fn) {
		return
	}
	if c.notifier != nil {
		if j, ok := c.store.Get(jobID); ok {
			c.notifier.Publish(j)
		}
	}
}

// canceled checks for cooperative cancellation between stages.
func (c *Coordinator) canceled(ctx context.Context, jobID string) bool {
	if ctx.Err() == nil {
		return false
	}
	c.markCanceled(jobID)
	return true
}

func (c *Coordinator) failOrCancel(ctx context.Context, jobID, msg string) {
	if ctx.Err() != nil {
		c.markCanceled(jobID)
		return
	}
	c.fail(jobID, msg)
}

func (c *Coordinator) fail(jobID, msg string) {
	if strings.TrimSpace(msg) == "" {
		msg = "processing failed"
	}
	log.Error().Str("ID", jobID).Str("error", msg).Msg("pipeline failed")
	c.update(jobID, func(j *job.Job) {
		j.Status = job.StatusFailed
		j.CurrentStep = "Failed"
		j.ErrorMessage = msg
	})
}

func (c *Coordinator) markCanceled(jobID string) {
	log.Info().Str("ID", jobID).Msg("pipeline canceled")
	c.update(jobID, func(j *job.Job) {
		j.Status = job.StatusCanceled
		j.CurrentStep = "Canceled"
		j.ErrorMessage = "job canceled"
	})
}
