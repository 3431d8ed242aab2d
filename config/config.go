package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	BaseURL string `mapstructure:"BASE_URL"`
	Debug   bool   `mapstructure:"DEBUG"`

	TempDir   string `mapstructure:"TEMP_DIR"`
	OutputDir string `mapstructure:"OUTPUT_DIR"`

	MaxUploadSize int64 `mapstructure:"MAX_UPLOAD_SIZE"`

	FFmpegBin    string `mapstructure:"FFMPEG_BIN"`
	FFprobeBin   string `mapstructure:"FFPROBE_BIN"`
	WhisperBin   string `mapstructure:"WHISPER_BIN"`
	WhisperModel string `mapstructure:"WHISPER_MODEL"`
	TTSBin       string `mapstructure:"TTS_BIN"`
	TTSModel     string `mapstructure:"TTS_MODEL"`
	TranslateURL string `mapstructure:"TRANSLATE_URL"`

	SampleRate int `mapstructure:"SAMPLE_RATE"`
	Channels   int `mapstructure:"CHANNELS"`

	StageTimeout    time.Duration `mapstructure:"STAGE_TIMEOUT"`
	JobRetention    time.Duration `mapstructure:"JOB_RETENTION"`
	PipelineWorkers int           `mapstructure:"PIPELINE_WORKERS"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
}

// stringToDurationHookFunc parses Go duration strings during Unmarshal.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable size strings like "200MB".
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Defaults stay strings where a decode hook handles them.
	vp.SetDefault("PORT", "8000")
	vp.SetDefault("BASE_URL", "")
	vp.SetDefault("DEBUG", false)
	vp.SetDefault("TEMP_DIR", "")
	vp.SetDefault("OUTPUT_DIR", "output")
	vp.SetDefault("MAX_UPLOAD_SIZE", "500MB")
	vp.SetDefault("FFMPEG_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("WHISPER_BIN", "whisper-cli")
	vp.SetDefault("WHISPER_MODEL", "models/ggml-base.bin")
	vp.SetDefault("TTS_BIN", "tts")
	vp.SetDefault("TTS_MODEL", "tts_models/multilingual/multi-dataset/xtts_v2")
	vp.SetDefault("TRANSLATE_URL", "http://localhost:5000")
	vp.SetDefault("SAMPLE_RATE", 22050)
	vp.SetDefault("CHANNELS", 1)
	vp.SetDefault("STAGE_TIMEOUT", "10m")
	vp.SetDefault("JOB_RETENTION", "1h")
	vp.SetDefault("PIPELINE_WORKERS", 2)
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")

	vp.SetConfigName("polyvox_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/polyvox/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("POLYVOX")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
