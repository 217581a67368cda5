package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/streamscribe/streamscribe/internal/protocol"
)

// Emitter is the observer surface of the pipeline. Components call it from
// their own goroutines; implementations must be safe for concurrent use and
// must not block the caller on slow consumers.
type Emitter interface {
	RecordingStarted(sessionID string)
	Transcript(t protocol.Transcript)
	StreamingError(e protocol.PipelineError)
	StreamingFallback(sessionID, reason string)
	PoolStatus(s protocol.PoolStatus)
	Recovery(n protocol.RecoveryNotification)
}

// Publisher is the subset of the bus connection emitters need.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BusEmitter publishes pipeline events as JSON messages on the bus. Publish
// failures are logged and dropped; event fan-out never fails the pipeline.
type BusEmitter struct {
	pub Publisher
	log *slog.Logger
}

func NewBusEmitter(pub Publisher, log *slog.Logger) *BusEmitter {
	return &BusEmitter{pub: pub, log: log.With(slog.String("component", "events"))}
}

func (e *BusEmitter) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Warn("failed to marshal event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := e.pub.Publish(subject, data); err != nil {
		e.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (e *BusEmitter) RecordingStarted(sessionID string) {
	e.publish(protocol.SubjectRecordingStarted, protocol.RecordingStarted{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
}

func (e *BusEmitter) Transcript(t protocol.Transcript) {
	subject := protocol.SubjectTranscriptInterim
	switch t.Kind {
	case protocol.TranscriptKindMerged:
		subject = protocol.SubjectTranscriptMerged
	case protocol.TranscriptKindFinal:
		subject = protocol.SubjectTranscriptFinal
	}
	e.publish(subject, t)
}

func (e *BusEmitter) StreamingError(pe protocol.PipelineError) {
	e.publish(protocol.SubjectStreamingError, pe)
}

func (e *BusEmitter) StreamingFallback(sessionID, reason string) {
	e.publish(protocol.SubjectStreamingFallback, protocol.StreamingFallback{
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (e *BusEmitter) PoolStatus(s protocol.PoolStatus) {
	e.publish(protocol.SubjectPoolStatus, s)
}

func (e *BusEmitter) Recovery(n protocol.RecoveryNotification) {
	e.publish(protocol.SubjectRecoveryNotification, n)
}

// Nop discards every event.
type Nop struct{}

func (Nop) RecordingStarted(string) {}

func (Nop) Transcript(protocol.Transcript) {}

func (Nop) StreamingError(protocol.PipelineError) {}

func (Nop) StreamingFallback(string, string) {}

func (Nop) PoolStatus(protocol.PoolStatus) {}

func (Nop) Recovery(protocol.RecoveryNotification) {}
