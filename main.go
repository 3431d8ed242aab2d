package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Lanaanvar/PolyVox/api"
	"github.com/Lanaanvar/PolyVox/config"
	"github.com/Lanaanvar/PolyVox/files"
	"github.com/Lanaanvar/PolyVox/job"
	"github.com/Lanaanvar/PolyVox/media"
	"github.com/Lanaanvar/PolyVox/notify"
	"github.com/Lanaanvar/PolyVox/pipeline"
	"github.com/Lanaanvar/PolyVox/stt"
	"github.com/Lanaanvar/PolyVox/translate"
	"github.com/Lanaanvar/PolyVox/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	fileStore, err := files.NewStore(cfg.TempDir, cfg.OutputDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize file storage")
	}

	extractor := media.NewExtractor(cfg.FFmpegBin, cfg.FFprobeBin, cfg.SampleRate, cfg.Channels, fileStore)
	transcriber := stt.NewWhisper(cfg.WhisperBin, cfg.WhisperModel, fileStore)
	translator, err := translate.NewClient(cfg.TranslateURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize translation client")
	}
	engine := tts.NewEngine(cfg.TTSBin, cfg.TTSModel, cfg.SampleRate, fileStore, extractor.ProbeDuration)

	// Evicted jobs take their stored outputs with them.
	jobStore := job.NewStore(cfg.JobRetention, func(j job.Job) {
		for _, name := range j.OutputFiles {
			fileStore.Remove(fileStore.OutputPath(name))
		}
	})

	hub := notify.NewHub()
	coordinator, err := pipeline.New(pipeline.Params{
		Store:          jobStore,
		Files:          fileStore,
		Extractor:      extractor,
		Transcriber:    transcriber,
		Translator:     translator,
		Synthesizer:    engine,
		Cloner:         engine,
		Notifier:       hub,
		StageTimeout:   cfg.StageTimeout,
		MaxConcurrency: cfg.PipelineWorkers,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
	}

	router := api.SetupRouter(api.Params{
		Cfg:         cfg,
		Store:       jobStore,
		Files:       fileStore,
		Pipeline:    coordinator,
		Hub:         hub,
		Extractor:   extractor,
		Transcriber: transcriber,
		Translator:  translator,
		Synthesizer: engine,
		Cloner:      engine,
		Ready: map[string]func() bool{
			"extraction":    extractor.Ready,
			"transcription": transcriber.Ready,
			"translation":   translator.Ready,
			"synthesis":     engine.Ready,
		},
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobStore.StartJanitor(ctx)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Info().Msg("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}
