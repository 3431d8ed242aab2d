package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Lanaanvar/PolyVox/config"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		// Ensure no env vars are lingering from other tests
		t.Setenv("POLYVOX_PORT", "")
		t.Setenv("POLYVOX_PIPELINE_WORKERS", "")
		t.Setenv("POLYVOX_AUTH_ENABLE", "")
		t.Setenv("POLYVOX_STAGE_TIMEOUT", "")
		t.Setenv("POLYVOX_MAX_UPLOAD_SIZE", "")

		cfg, err := config.Load()
		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "8000", cfg.Port)
		assert.Equal(t, 2, cfg.PipelineWorkers)
		assert.Equal(t, false, cfg.AuthEnable)
		assert.Equal(t, "ffmpeg", cfg.FFmpegBin)
		assert.Equal(t, "whisper-cli", cfg.WhisperBin)
		assert.Equal(t, 22050, cfg.SampleRate)
		assert.Equal(t, 10*time.Minute, cfg.StageTimeout)
		assert.Equal(t, time.Hour, cfg.JobRetention)
		assert.Equal(t, int64(500*1024*1024), cfg.MaxUploadSize)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("POLYVOX_PORT", "9999")
		t.Setenv("POLYVOX_PIPELINE_WORKERS", "10")
		t.Setenv("POLYVOX_AUTH_ENABLE", "true")
		t.Setenv("POLYVOX_AUTH_KEY", "newsecret")
		t.Setenv("POLYVOX_MAX_UPLOAD_SIZE", "50MB")
		t.Setenv("POLYVOX_STAGE_TIMEOUT", "90s")
		t.Setenv("POLYVOX_TRANSLATE_URL", "http://translate:5000")

		cfg, err := config.Load()
		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 10, cfg.PipelineWorkers)
		assert.Equal(t, true, cfg.AuthEnable)
		assert.Equal(t, "newsecret", cfg.AuthKey)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxUploadSize)
		assert.Equal(t, 90*time.Second, cfg.StageTimeout)
		assert.Equal(t, "http://translate:5000", cfg.TranslateURL)
	})
}
