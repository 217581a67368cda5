package engine

import (
	"errors"
	"time"
)

// State tracks a worker's position in its lifecycle.
type State int32

const (
	StateCold State = iota
	StateWarming
	StateWarm
	StateProcessing
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarming:
		return "warming"
	case StateWarm:
		return "warm"
	case StateProcessing:
		return "processing"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	ErrNotReady          = errors.New("engine pool is not ready")
	ErrWorkerUnavailable = errors.New("worker is not available")
	ErrPoolShutdown      = errors.New("engine pool is shut down")
	ErrQueueFull         = errors.New("engine request queue is full")
	ErrNoWorkersWarmed   = errors.New("no workers completed warm-up")
)

// Segment is one timed slice of a transcription result.
type Segment struct {
	Text          string  `json:"text"`
	StartMS       int64   `json:"start_ms"`
	EndMS         int64   `json:"end_ms"`
	Confidence    float64 `json:"confidence,omitempty"`
	HasConfidence bool    `json:"-"`
}

// Result is the outcome of one engine invocation. A nil *Result ("no result")
// is how timeouts resolve; it is not an error.
type Result struct {
	Text           string
	Segments       []Segment
	DurationMS     int64
	ProcessingTime time.Duration
}

// MeanConfidence averages per-segment confidence. ok is false when the result
// carries no confidence information at all.
func (r *Result) MeanConfidence() (float64, bool) {
	if r == nil {
		return 0, false
	}
	var sum float64
	var n int
	for _, seg := range r.Segments {
		if seg.HasConfidence {
			sum += seg.Confidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Stats carries rolling per-worker counters.
type Stats struct {
	RequestsProcessed   int64
	TotalProcessingTime time.Duration
	AverageLatency      time.Duration
	FailureCount        int64
	LastActivity        time.Time
}

// Request identifies one transcription unit handed to the pool.
type Request struct {
	ID         string
	AudioPath  string
	Batch      bool
	EnqueuedAt time.Time
}
