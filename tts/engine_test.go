package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lanaanvar/PolyVox/files"
	"github.com/Lanaanvar/PolyVox/job"
)

type fakeRunner struct {
	err   error
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return "engine error", f.err
	}
	// locate --out_path and fake the produced wav
	for i, a := range args {
		if a == "--out_path" && i+1 < len(args) {
			_ = os.WriteFile(args[i+1], []byte("RIFF"), 0o644)
		}
	}
	return "", nil
}

func newTestEngine(t *testing.T, r *fakeRunner) *Engine {
	t.Helper()
	fs, err := files.NewStore(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	e := NewEngine("tts", "tts_models/multilingual/multi-dataset/xtts_v2", 22050, fs,
		func(ctx context.Context, path string) (float64, error) { return 1.5, nil })
	e.runner = r
	e.loadOnce.Do(func() {}) // skip the LookPath probe in tests
	return e
}

func TestSynthesize(t *testing.T) {
	r := &fakeRunner{}
	e := newTestEngine(t, r)

	res, err := e.Synthesize(context.Background(), "hello world", job.VoiceParams{
		Voice: "en-US-Wavenet-D", Language: "en", SpeakingRate: 1.5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AudioPath)
	assert.Equal(t, 22050, res.SampleRate)
	assert.InDelta(t, 1.5, res.Duration, 1e-9)

	require.Len(t, r.calls, 1)
	call := r.calls[0]
	assert.Contains(t, call, "--speaker_idx")
	assert.Contains(t, call, "en-US-Wavenet-D")
	assert.Contains(t, call, "--speed")
	assert.NotContains(t, call, "--speaker_wav")
}

func TestSynthesize_EmptyText(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{})
	_, err := e.Synthesize(context.Background(), "  ", job.VoiceParams{})
	assert.ErrorContains(t, err, "empty")
}

func TestSynthesize_EngineFailure(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{err: assert.AnError})
	_, err := e.Synthesize(context.Background(), "hello", job.VoiceParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "speech synthesis failed")
}

func TestClone(t *testing.T) {
	r := &fakeRunner{}
	e := newTestEngine(t, r)

	ref := filepath.Join(t.TempDir(), "reference.wav")
	require.NoError(t, os.WriteFile(ref, []byte("RIFF"), 0o644))

	res, err := e.Clone(context.Background(), "hola", ref, "es")
	require.NoError(t, err)
	assert.NotEmpty(t, res.AudioPath)

	call := r.calls[0]
	assert.Contains(t, call, "--speaker_wav")
	assert.Contains(t, call, ref)
	assert.Contains(t, call, "--language_idx")
	assert.Contains(t, call, "es")
}

func TestClone_MissingReference(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{})

	_, err := e.Clone(context.Background(), "hola", "", "es")
	assert.ErrorContains(t, err, "reference audio missing")

	_, err = e.Clone(context.Background(), "hola", "/no/such/ref.wav", "es")
	assert.ErrorContains(t, err, "reference audio missing")
}
