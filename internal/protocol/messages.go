package protocol

import "time"

// AudioFrame represents PCM audio data streamed from a capture layer.
type AudioFrame struct {
	SessionID  string  `json:"session_id"`
	Sequence   int     `json:"sequence"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	PCM        []byte  `json:"pcm"`
	DurationMS int     `json:"duration_ms"`
	Final      bool    `json:"final"`
	HasVAD     bool    `json:"has_vad"`
	IsVoice    bool    `json:"is_voice,omitempty"`
	Energy     float64 `json:"energy,omitempty"`
	VADScore   float64 `json:"vad_score,omitempty"`
}

// Transcript is published for interim, merged, and final results.
type Transcript struct {
	SessionID    string    `json:"session_id"`
	Text         string    `json:"text"`
	Kind         string    `json:"kind"` // interim, merged, final
	Source       string    `json:"source,omitempty"`
	IsRealTime   bool      `json:"is_real_time,omitempty"`
	ProcessingMS int64     `json:"processing_ms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Confidence   float64   `json:"confidence,omitempty"`
}

// PipelineError is published when a component reports a fault.
type PipelineError struct {
	SessionID string    `json:"session_id,omitempty"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordingStarted signals that a session began accepting audio.
type RecordingStarted struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamingFallback signals that a session abandoned the streaming path and
// will resolve through the batch pass.
type StreamingFallback struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RecoveryNotification reports progress of a recovery strategy run.
type RecoveryNotification struct {
	Strategy  string    `json:"strategy"`
	Phase     string    `json:"phase"` // started, succeeded, failed
	Component string    `json:"component"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PoolStatus is periodic health telemetry about the engine worker pool.
type PoolStatus struct {
	TotalWorkers     int       `json:"total_workers"`
	AvailableWorkers int       `json:"available_workers"`
	BusyWorkers      int       `json:"busy_workers"`
	WarmWorkers      int       `json:"warm_workers"`
	QueueLength      int       `json:"queue_length"`
	Utilization      float64   `json:"utilization_pct"`
	WarmupProgress   float64   `json:"warmup_pct"`
	AverageLatencyMS float64   `json:"average_latency_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	TranscriptKindInterim = "interim"
	TranscriptKindMerged  = "merged"
	TranscriptKindFinal   = "final"
)

const (
	SubjectAudioFramePrefix     = "audio.frame"
	SubjectRecordingStarted     = "transcription.recording.started"
	SubjectTranscriptInterim    = "transcription.interim"
	SubjectTranscriptMerged     = "transcription.merged"
	SubjectTranscriptFinal      = "transcription.completed"
	SubjectStreamingError       = "transcription.streaming.error"
	SubjectStreamingFallback    = "transcription.streaming.fallback"
	SubjectPoolStatus           = "transcription.pool.status"
	SubjectRecoveryNotification = "transcription.recovery"
	SubjectCaptureRestart       = "audio.capture.restart"
)
