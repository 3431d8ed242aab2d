package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Lanaanvar/PolyVox/config"
	"github.com/Lanaanvar/PolyVox/files"
	"github.com/Lanaanvar/PolyVox/job"
	"github.com/Lanaanvar/PolyVox/media"
	"github.com/Lanaanvar/PolyVox/notify"
	"github.com/Lanaanvar/PolyVox/pipeline"
	"github.com/Lanaanvar/PolyVox/stt"
	"github.com/Lanaanvar/PolyVox/sysinfo"
	"github.com/Lanaanvar/PolyVox/translate"
	"github.com/Lanaanvar/PolyVox/tts"
)

type Handler struct {
	cfg   *config.Config
	store *job.Store
	files *files.Store
	pipe  Pipeline
	hub   *notify.Hub

	extractor   pipeline.Extractor
	transcriber pipeline.Transcriber
	translator  pipeline.Translator
	synthesizer pipeline.Synthesizer
	cloner      pipeline.VoiceCloner

	ready map[string]func() bool
}

func NewHandler(p Params) *Handler {
	return &Handler{
		cfg:         p.Cfg,
		store:       p.Store,
		files:       p.Files,
		pipe:        p.Pipeline,
		hub:         p.Hub,
		extractor:   p.Extractor,
		transcriber: p.Transcriber,
		translator:  p.Translator,
		synthesizer: p.Synthesizer,
		cloner:      p.Cloner,
		ready:       p.Ready,
	}
}

// saveUpload copies one multipart file field into the temp dir, keeping the
// original extension so format classification still works.
func (h *Handler) saveUpload(c *gin.Context, field string) (string, string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return "", "", err
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	dst, err := h.files.NewTemp("upload", ext)
	if err != nil {
		return "", "", err
	}
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		h.files.Remove(dst)
		return "", "", err
	}
	return dst, fh.Filename, nil
}

func (h *Handler) throttled(c *gin.Context) bool {
	err := sysinfo.Check(sysinfo.Thresholds{
		IdleCPU:  h.cfg.ThrottleCPU,
		FreeMem:  uint64(h.cfg.ThrottleFreeMem),
		FreeDisk: uint64(h.cfg.ThrottleFreeDisk),
		DiskPath: h.files.TempDir(),
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is busy, try again later", "details": err.Error()})
		return true
	}
	return false
}

// checkUploadSize rejects oversized requests before reading the body and
// caps the body for clients that do not send Content-Length.
func (h *Handler) checkUploadSize(c *gin.Context) bool {
	if h.cfg.MaxUploadSize <= 0 {
		return true
	}
	if c.Request.ContentLength > h.cfg.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadSize)
	return true
}

func floatField(c *gin.Context, name string, def float64) float64 {
	v := c.PostForm(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// handleCreateJob accepts a media upload and starts the dubbing pipeline.
func (h *Handler) handleCreateJob(c *gin.Context) {
	if !h.checkUploadSize(c) {
		return
	}
	if h.throttled(c) {
		return
	}

	targetLang := c.PostForm("target_language")
	if targetLang == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_language is required"})
		return
	}
	if !translate.IsSupported(targetLang) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported target language: %s", targetLang)})
		return
	}
	sourceLang := c.PostForm("source_language")
	if sourceLang == "" {
		sourceLang = "auto"
	}
	if sourceLang != "auto" && !translate.IsSupported(sourceLang) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported source language: %s", sourceLang)})
		return
	}

	inputPath, name, err := h.saveUpload(c, "file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A media file is required", "details": err.Error()})
		return
	}
	if media.Classify(name) == media.KindUnsupported {
		h.files.Remove(inputPath)
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported format: %s", filepath.Ext(name))})
		return
	}

	useCloning := c.PostForm("use_voice_cloning") == "true"
	referencePath := ""
	if useCloning {
		if p, _, err := h.saveUpload(c, "reference_audio"); err == nil {
			referencePath = p
		}
	}

	id := h.store.Create("dubbing")
	h.pipe.Start(id, pipeline.Request{
		InputPath:      inputPath,
		ReferencePath:  referencePath,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		Voice: job.VoiceParams{
			Voice:        c.PostForm("tts_voice"),
			Language:     targetLang,
			SpeakingRate: floatField(c, "speaking_rate", 1.0),
			Pitch:        floatField(c, "pitch", 0.0),
			VolumeGainDB: floatField(c, "volume_gain_db", 0.0),
		},
		UseVoiceCloning: useCloning,
	})

	log.Info().Str("ID", id).Str("file", name).Str("target", targetLang).Msg("job accepted")
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": job.StatusPending})
}

func (h *Handler) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.List())
}

func (h *Handler) handleGetJobStatus(c *gin.Context) {
	j, found := h.store.Get(c.Param("jobId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":        j.ID,
		"status":        j.Status,
		"progress":      j.Progress,
		"current_step":  j.CurrentStep,
		"created_at":    j.CreatedAt,
		"updated_at":    j.UpdatedAt,
		"error_message": j.ErrorMessage,
	})
}

// buildDownloadURLs maps output file names to absolute download URLs.
func (h *Handler) buildDownloadURLs(c *gin.Context, j job.Job) []string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	urls := make([]string, 0, len(j.OutputFiles))
	for _, name := range j.OutputFiles {
		urls = append(urls, fmt.Sprintf("%s/api/v1/files/%s", baseURL, name))
	}
	return urls
}

func (h *Handler) handleGetJobResult(c *gin.Context) {
	j, found := h.store.Get(c.Param("jobId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if !j.Status.Terminal() {
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":       j.ID,
			"status":       j.Status,
			"progress":     j.Progress,
			"current_step": j.CurrentStep,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job":           j,
		"download_urls": h.buildDownloadURLs(c, j),
	})
}

func (h *Handler) handleCancelJob(c *gin.Context) {
	id := c.Param("jobId")
	j, found := h.store.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if j.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Job already %s", j.Status)})
		return
	}
	h.pipe.Cancel(id)
	c.JSON(http.StatusOK, gin.H{"message": "Job cancellation requested"})
}

func (h *Handler) handleDeleteJob(c *gin.Context) {
	id := c.Param("jobId")
	j, found := h.store.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	h.pipe.Cancel(id)
	for _, name := range j.OutputFiles {
		h.files.Remove(h.files.OutputPath(name))
	}
	h.store.Delete(id)
	c.JSON(http.StatusOK, gin.H{"message": "Job deleted"})
}

// handleTranscribe runs extraction plus transcription synchronously.
func (h *Handler) handleTranscribe(c *gin.Context) {
	if !h.checkUploadSize(c) {
		return
	}
	inputPath, name, err := h.saveUpload(c, "file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A media file is required", "details": err.Error()})
		return
	}
	defer h.files.Remove(inputPath)

	if media.Classify(name) == media.KindUnsupported {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unsupported format: %s", filepath.Ext(name))})
		return
	}

	ext, err := h.extractor.Extract(c.Request.Context(), inputPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Audio extraction failed: %v", err)})
		return
	}
	defer h.files.Remove(ext.AudioPath)

	tr, err := h.transcriber.Transcribe(c.Request.Context(), ext.AudioPath, c.PostForm("language"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Transcription failed: %v", err)})
		return
	}
	c.JSON(http.StatusOK, tr)
}

type translateRequest struct {
	Text           string `json:"text" binding:"required"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language" binding:"required"`
}

func (h *Handler) handleTranslate(c *gin.Context) {
	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SourceLanguage == "" {
		req.SourceLanguage = "auto"
	}
	res, err := h.translator.Translate(c.Request.Context(), req.Text, req.SourceLanguage, req.TargetLanguage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Translation failed: %v", err)})
		return
	}
	c.JSON(http.StatusOK, res)
}

type synthesizeRequest struct {
	Text         string  `json:"text" binding:"required"`
	Voice        string  `json:"voice"`
	Language     string  `json:"language"`
	SpeakingRate float64 `json:"speaking_rate"`
	Pitch        float64 `json:"pitch"`
	VolumeGainDB float64 `json:"volume_gain_db"`
}

func (h *Handler) handleSynthesize(c *gin.Context) {
	var req synthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SpeakingRate == 0 {
		req.SpeakingRate = 1.0
	}
	res, err := h.synthesizer.Synthesize(c.Request.Context(), req.Text, job.VoiceParams{
		Voice:        req.Voice,
		Language:     req.Language,
		SpeakingRate: req.SpeakingRate,
		Pitch:        req.Pitch,
		VolumeGainDB: req.VolumeGainDB,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Synthesis failed: %v", err)})
		return
	}
	defer h.files.Remove(res.AudioPath)
	c.FileAttachment(res.AudioPath, "synthesized.wav")
}

func (h *Handler) handleVoiceClone(c *gin.Context) {
	if !h.checkUploadSize(c) {
		return
	}
	text := c.PostForm("text")
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	refPath, _, err := h.saveUpload(c, "reference_audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A reference_audio file is required", "details": err.Error()})
		return
	}
	defer h.files.Remove(refPath)

	res, err := h.cloner.Clone(c.Request.Context(), text, refPath, c.PostForm("language"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Voice cloning failed: %v", err)})
		return
	}
	defer h.files.Remove(res.AudioPath)
	c.FileAttachment(res.AudioPath, "cloned.wav")
}

func (h *Handler) handleLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"transcription": stt.SupportedLanguages(),
		"translation":   translate.Supported(),
	})
}

func (h *Handler) handleVoices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"voices": tts.SupportedVoices()})
}

// handleGetFile serves a stored output file.
func (h *Handler) handleGetFile(c *gin.Context) {
	filePath, err := h.files.Resolve(c.Param("filename"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.File(filePath)
}

func (h *Handler) handleHealth(c *gin.Context) {
	services := gin.H{}
	degraded := false
	for name, probe := range h.ready {
		ok := probe()
		services[name] = ok
		if !ok {
			degraded = true
		}
	}
	status := "ok"
	if degraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"services":  services,
		"resources": sysinfo.Snapshot(h.files.TempDir()),
	})
}
