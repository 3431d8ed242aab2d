package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lanaanvar/PolyVox/files"
	"github.com/Lanaanvar/PolyVox/job"
)

type fakeExtractor struct {
	err   error
	panic bool
	block bool
	calls int32
	files *files.Store
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (*job.ExtractionResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("extractor exploded")
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	p, err := f.files.NewTemp("extract", ".wav")
	if err != nil {
		return nil, err
	}
	return &job.ExtractionResult{AudioPath: p, Duration: 4.2, SampleRate: 22050, Channels: 1}, nil
}

type fakeTranscriber struct {
	segments []job.TranscriptionSegment
	detected string
	err      error
	calls    int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path, language string) (*job.Transcription, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &job.Transcription{
		Text:             "hello world",
		Segments:         f.segments,
		DetectedLanguage: f.detected,
		ConfidenceScore:  0.9,
	}, nil
}

type fakeTranslator struct {
	failTexts map[string]bool
	calls     int32
	lastSrc   string
}

func (f *fakeTranslator) Translate(ctx context.Context, text, src, dst string) (*job.TranslationResult, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastSrc = src
	if f.failTexts[text] {
		return nil, errors.New("translation backend down")
	}
	return &job.TranslationResult{
		OriginalText:    text,
		TranslatedText:  "[" + dst + "] " + text,
		SourceLanguage:  src,
		TargetLanguage:  dst,
		ConfidenceScore: 0.8,
	}, nil
}

type fakeSynth struct {
	err   error
	calls int32
	files *files.Store
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, p job.VoiceParams) (*job.SynthesisResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	out, err := f.files.NewTemp("tts", ".wav")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, []byte("RIFF"), 0o644); err != nil {
		return nil, err
	}
	return &job.SynthesisResult{AudioPath: out, Duration: 1.5}, nil
}

type fakeCloner struct {
	calls int32
	files *files.Store
}

func (f *fakeCloner) Clone(ctx context.Context, text, referencePath, language string) (*job.SynthesisResult, error) {
	atomic.AddInt32(&f.calls, 1)
	out, err := f.files.NewTemp("clone", ".wav")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, []byte("RIFF"), 0o644); err != nil {
		return nil, err
	}
	return &job.SynthesisResult{AudioPath: out, Duration: 1.5}, nil
}

type env struct {
	coord *Coordinator
	store *job.Store
	files *files.Store
	ext   *fakeExtractor
	stt   *fakeTranscriber
	mt    *fakeTranslator
	tts   *fakeSynth
	clone *fakeCloner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fs, err := files.NewStore(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	e := &env{
		store: job.NewStore(time.Hour, nil),
		files: fs,
		ext:   &fakeExtractor{files: fs},
		stt: &fakeTranscriber{
			detected: "en",
			segments: []job.TranscriptionSegment{
				{StartTime: 0, EndTime: 2, Text: "hello", Confidence: 0.9},
				{StartTime: 2, EndTime: 4, Text: "world", Confidence: 0.9},
			},
		},
		mt:    &fakeTranslator{},
		tts:   &fakeSynth{files: fs},
		clone: &fakeCloner{files: fs},
	}
	e.coord, err = New(Params{
		Store:       e.store,
		Files:       fs,
		Extractor:   e.ext,
		Transcriber: e.stt,
		Translator:  e.mt,
		Synthesizer: e.tts,
		Cloner:      e.clone,
	})
	require.NoError(t, err)
	return e
}

func (e *env) newInput(t *testing.T) string {
	t.Helper()
	p, err := e.files.NewTemp("upload", ".mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("media"), 0o644))
	return p
}

func waitTerminal(t *testing.T, s *job.Store, id string) job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := s.Get(id); ok && j.Status.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status", id)
	return job.Job{}
}

func TestRun_Success(t *testing.T) {
	e := newEnv(t)
	input := e.newInput(t)
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{InputPath: input, SourceLanguage: "auto", TargetLanguage: "es"})
	j := waitTerminal(t, e.store, id)

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Empty(t, j.ErrorMessage)
	assert.Greater(t, j.ProcessingTime, 0.0)

	require.NotNil(t, j.Transcription)
	require.Len(t, j.Translations, 2)
	assert.Equal(t, "[es] hello", j.Translations[0].TranslatedText)
	assert.Equal(t, "en", e.mt.lastSrc, "auto source resolves to the detected language")

	require.Len(t, j.Synthesis, 2)
	assert.Equal(t, fmt.Sprintf("%s_seg000.wav", id), j.Synthesis[0].File)
	assert.Contains(t, j.OutputFiles, id+".txt")
	assert.Len(t, j.OutputFiles, 3)
	for _, name := range j.OutputFiles {
		_, err := os.Stat(e.files.OutputPath(name))
		assert.NoError(t, err, name)
	}
	assert.NoFileExists(t, input, "input temp is removed when the run ends")
}

func TestRun_ExtractionFailureIsFatal(t *testing.T) {
	e := newEnv(t)
	e.ext.err = errors.New("ffmpeg exit status 1")
	input := e.newInput(t)
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{InputPath: input, SourceLanguage: "en", TargetLanguage: "es"})
	j := waitTerminal(t, e.store, id)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "audio extraction failed")
	assert.Zero(t, atomic.LoadInt32(&e.stt.calls), "no downstream stage runs without audio")
	assert.NoFileExists(t, input)
}

func TestRun_TranscriptionFailureIsFatal(t *testing.T) {
	e := newEnv(t)
	e.stt.err = errors.New("model not found")
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{InputPath: e.newInput(t), SourceLanguage: "en", TargetLanguage: "es"})
	j := waitTerminal(t, e.store, id)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "transcription failed")
	assert.Zero(t, atomic.LoadInt32(&e.mt.calls))
}

func TestRun_TranslationFallsBackPerSegment(t *testing.T) {
	e := newEnv(t)
	e.stt.segments = []job.TranscriptionSegment{
		{Text: "hello", EndTime: 1},
		{Text: "   ", EndTime: 2},
		{Text: "broken", EndTime: 3},
	}
	e.mt.failTexts = map[string]bool{"broken": true}
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{InputPath: e.newInput(t), SourceLanguage: "en", TargetLanguage: "es"})
	j := waitTerminal(t, e.store, id)

	assert.Equal(t, job.StatusCompleted, j.Status, "segment-level failures never fail the job")
	require.Len(t, j.Translations, 3)

	assert.Equal(t, "[es] hello", j.Translations[0].TranslatedText)
	assert.InDelta(t, 0.8, j.Translations[0].ConfidenceScore, 1e-9)

	assert.Empty(t, j.Translations[1].TranslatedText)
	assert.InDelta(t, 1.0, j.Translations[1].ConfidenceScore, 1e-9)

	assert.Equal(t, "broken", j.Translations[2].TranslatedText, "failed segment keeps its original text")
	assert.InDelta(t, 0.0, j.Translations[2].ConfidenceScore, 1e-9)

	assert.Equal(t, int32(2), atomic.LoadInt32(&e.mt.calls), "blank segments skip the translator")
}

func TestRun_SynthesisErrorIsPerSegment(t *testing.T) {
	e := newEnv(t)
	e.tts.err = errors.New("render failed")
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{InputPath: e.newInput(t), SourceLanguage: "en", TargetLanguage: "es"})
	j := waitTerminal(t, e.store, id)

	assert.Equal(t, job.StatusCompleted, j.Status)
	require.Len(t, j.Synthesis, 2)
	for _, s := range j.Synthesis {
		assert.Contains(t, s.Error, "render failed")
		assert.Empty(t, s.File)
	}
	assert.Equal(t, []string{id + ".txt"}, j.OutputFiles, "only the transcript remains")
}

func TestRun_SynthesisUnavailableIsFatal(t *testing.T) {
	e := newEnv(t)
	e.tts.err = errors.Wrap(job.ErrUnavailable, "tts binary not found")
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{InputPath: e.newInput(t), SourceLanguage: "en", TargetLanguage: "es"})
	j := waitTerminal(t, e.store, id)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "speech synthesis failed")
}

func TestRun_CloneUsedWithReference(t *testing.T) {
	e := newEnv(t)
	ref := e.newInput(t)
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{
		InputPath:       e.newInput(t),
		ReferencePath:   ref,
		SourceLanguage:  "en",
		TargetLanguage:  "es",
		UseVoiceCloning: true,
	})
	j := waitTerminal(t, e.store, id)

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&e.clone.calls))
	assert.Zero(t, atomic.LoadInt32(&e.tts.calls))
	assert.NoFileExists(t, ref, "reference temp is removed with the run")
}

func TestRun_CloneWithoutReferenceFallsBack(t *testing.T) {
	e := newEnv(t)
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{
		InputPath:       e.newInput(t),
		SourceLanguage:  "en",
		TargetLanguage:  "es",
		UseVoiceCloning: true,
	})
	j := waitTerminal(t, e.store, id)

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Zero(t, atomic.LoadInt32(&e.clone.calls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&e.tts.calls))
}

func TestCancel_MidPipeline(t *testing.T) {
	e := newEnv(t)
	e.ext.block = true
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{InputPath: e.newInput(t), SourceLanguage: "en", TargetLanguage: "es"})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&e.ext.calls) > 0
	}, time.Second, 5*time.Millisecond)
	require.True(t, e.coord.Cancel(id))

	j := waitTerminal(t, e.store, id)
	assert.Equal(t, job.StatusCanceled, j.Status)
	assert.Zero(t, atomic.LoadInt32(&e.stt.calls))
}

func TestCancel_UnknownJob(t *testing.T) {
	e := newEnv(t)
	assert.False(t, e.coord.Cancel("no-such-job"))
}

func TestRun_PanicRecovers(t *testing.T) {
	e := newEnv(t)
	e.ext.panic = true
	input := e.newInput(t)
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{InputPath: input, SourceLanguage: "en", TargetLanguage: "es"})
	j := waitTerminal(t, e.store, id)

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.ErrorMessage, "unexpected error")
	assert.NoFileExists(t, input)
}

func TestNew_RejectsMissingDeps(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)
}

func TestRun_PollingSeesMonotonicProgress(t *testing.T) {
	e := newEnv(t)
	segs := make([]job.TranscriptionSegment, 120)
	for i := range segs {
		segs[i] = job.TranscriptionSegment{
			ID:        i,
			StartTime: float64(i),
			EndTime:   float64(i + 1),
			Text:      fmt.Sprintf("segment %d", i),
		}
	}
	e.stt.segments = segs
	id := e.store.Create("dubbing")

	// Poll as fast as possible while the pipeline runs so snapshot reads
	// overlap every mutation, finalization included.
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := -1
		for {
			j, ok := e.store.Get(id)
			if !ok {
				continue
			}
			if j.Progress < last {
				t.Errorf("progress went backwards: %d after %d", j.Progress, last)
			}
			last = j.Progress
			for _, s := range j.Synthesis {
				_ = s.File
				_ = s.Error
			}
			if j.Status.Terminal() {
				return
			}
		}
	}()

	e.coord.Start(id, Request{InputPath: e.newInput(t), SourceLanguage: "en", TargetLanguage: "es"})
	j := waitTerminal(t, e.store, id)
	<-done

	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Len(t, j.Synthesis, len(segs))
}

func TestRun_TempCleanupKeepsOutputs(t *testing.T) {
	e := newEnv(t)
	id := e.store.Create("dubbing")

	e.coord.Start(id, Request{InputPath: e.newInput(t), SourceLanguage: "en", TargetLanguage: "es"})
	j := waitTerminal(t, e.store, id)
	require.Equal(t, job.StatusCompleted, j.Status)

	left, err := filepath.Glob(filepath.Join(e.files.TempDir(), "*"))
	require.NoError(t, err)
	assert.Empty(t, left, "no temp files survive a finished run")
}
