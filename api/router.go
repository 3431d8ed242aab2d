package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Lanaanvar/PolyVox/config"
	"github.com/Lanaanvar/PolyVox/files"
	"github.com/Lanaanvar/PolyVox/job"
	"github.com/Lanaanvar/PolyVox/notify"
	"github.com/Lanaanvar/PolyVox/pipeline"
)

// Pipeline is the part of the coordinator the handlers need.
type Pipeline interface {
	Start(jobID string, req pipeline.Request)
	Cancel(jobID string) bool
}

// Params wires the HTTP layer.
type Params struct {
	Cfg      *config.Config
	Store    *job.Store
	Files    *files.Store
	Pipeline Pipeline
	Hub      *notify.Hub

	Extractor   pipeline.Extractor
	Transcriber pipeline.Transcriber
	Translator  pipeline.Translator
	Synthesizer pipeline.Synthesizer
	Cloner      pipeline.VoiceCloner

	// Ready maps a service name to its readiness probe for /health.
	Ready map[string]func() bool
}

func SetupRouter(p Params) *gin.Engine {
	r := gin.Default()
	h := NewHandler(p)

	r.GET("/health", h.handleHealth)
	r.GET("/ws/jobs/:jobId", AuthMiddleware(p.Cfg), h.handleJobSocket)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(p.Cfg))
	{
		// Async dubbing jobs
		v1.POST("/jobs", h.handleCreateJob)
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:jobId", h.handleGetJobStatus)
		v1.GET("/jobs/:jobId/result", h.handleGetJobResult)
		v1.POST("/jobs/:jobId/cancel", h.handleCancelJob)
		v1.DELETE("/jobs/:jobId", h.handleDeleteJob)

		// Single-stage sync endpoints
		v1.POST("/transcribe", h.handleTranscribe)
		v1.POST("/translate", h.handleTranslate)
		v1.POST("/synthesize", h.handleSynthesize)
		v1.POST("/voice-clone", h.handleVoiceClone)

		// Capability listings
		v1.GET("/languages", h.handleLanguages)
		v1.GET("/voices", h.handleVoices)

		// File download endpoint (does not need auth if URLs are unguessable)
		// but we put it here for consistency.
		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
