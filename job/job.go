package job

import (
	"errors"
	"time"
)

// ErrUnavailable marks failures caused by a backing tool or model that could
// not be loaded at all, as opposed to a failure on one particular input.
// The pipeline treats it as fatal for the whole job.
var ErrUnavailable = errors.New("service unavailable")

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
	StatusCanceled   ProcessingStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// TranscriptionSegment is one time-bounded span of recognized speech.
type TranscriptionSegment struct {
	ID         int     `json:"id"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// Transcription is the ordered segment list plus aggregates.
type Transcription struct {
	Segments         []TranscriptionSegment `json:"segments"`
	DetectedLanguage string                 `json:"detected_language,omitempty"`
	TotalDuration    float64                `json:"total_duration"`
	ConfidenceScore  float64                `json:"confidence_score"`
	Text             string                 `json:"text,omitempty"`
}

// MeanConfidence is the arithmetic mean of segment confidences, 0 for an
// empty segment list.
func MeanConfidence(segments []TranscriptionSegment) float64 {
	if len(segments) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range segments {
		sum += s.Confidence
	}
	return sum / float64(len(segments))
}

type TranslationResult struct {
	OriginalText    string  `json:"original_text"`
	TranslatedText  string  `json:"translated_text"`
	SourceLanguage  string  `json:"source_language"`
	TargetLanguage  string  `json:"target_language"`
	ConfidenceScore float64 `json:"confidence_score"`
}

type ExtractionResult struct {
	AudioPath  string  `json:"audio_path"`
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type SynthesisResult struct {
	AudioPath  string  `json:"audio_path"`
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sample_rate"`
}

// SegmentSynthesis records the synthesis outcome for one translated segment.
// Error is set when that segment failed without failing the whole job.
type SegmentSynthesis struct {
	Index    int     `json:"index"`
	File     string  `json:"file,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// VoiceParams selects the synthesis voice and prosody.
type VoiceParams struct {
	Voice        string  `json:"voice"`
	Language     string  `json:"language"`
	SpeakingRate float64 `json:"speaking_rate"`
	Pitch        float64 `json:"pitch"`
	VolumeGainDB float64 `json:"volume_gain_db"`
}

// Job is one tracked run of the dubbing pipeline.
type Job struct {
	ID             string              `json:"job_id"`
	Kind           string              `json:"kind"`
	Status         ProcessingStatus    `json:"status"`
	Progress       int                 `json:"progress"`
	CurrentStep    string              `json:"current_step"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	Transcription  *Transcription      `json:"transcription,omitempty"`
	Translations   []TranslationResult `json:"translations,omitempty"`
	Synthesis      []SegmentSynthesis  `json:"synthesis,omitempty"`
	OutputFiles    []string            `json:"output_files,omitempty"`
	ProcessingTime float64             `json:"processing_time,omitempty"`
}

// Clone returns a deep copy so callers can read a snapshot without holding
// the store lock.
func (j *Job) Clone() Job {
	c := *j
	if j.Transcription != nil {
		t := *j.Transcription
		t.Segments = append([]TranscriptionSegment(nil), j.Transcription.Segments...)
		c.Transcription = &t
	}
	c.Translations = append([]TranslationResult(nil), j.Translations...)
	c.Synthesis = append([]SegmentSynthesis(nil), j.Synthesis...)
	c.OutputFiles = append([]string(nil), j.OutputFiles...)
	return c
}
