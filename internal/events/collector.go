package events

import (
	"sync"

	"github.com/streamscribe/streamscribe/internal/protocol"
)

// Collector records every emitted event in memory. It exists for tests and
// for local debugging; the production path uses BusEmitter.
type Collector struct {
	mu          sync.Mutex
	started     []string
	transcripts []protocol.Transcript
	errors      []protocol.PipelineError
	fallbacks   []protocol.StreamingFallback
	statuses    []protocol.PoolStatus
	recoveries  []protocol.RecoveryNotification
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) RecordingStarted(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, sessionID)
}

func (c *Collector) Transcript(t protocol.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcripts = append(c.transcripts, t)
}

func (c *Collector) StreamingError(e protocol.PipelineError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, e)
}

func (c *Collector) StreamingFallback(sessionID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbacks = append(c.fallbacks, protocol.StreamingFallback{SessionID: sessionID, Reason: reason})
}

func (c *Collector) PoolStatus(s protocol.PoolStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, s)
}

func (c *Collector) Recovery(n protocol.RecoveryNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoveries = append(c.recoveries, n)
}

func (c *Collector) Started() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.started...)
}

func (c *Collector) Transcripts() []protocol.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Transcript(nil), c.transcripts...)
}

// TranscriptsOfKind filters recorded transcripts by kind.
func (c *Collector) TranscriptsOfKind(kind string) []protocol.Transcript {
	var out []protocol.Transcript
	for _, t := range c.Transcripts() {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (c *Collector) Errors() []protocol.PipelineError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.PipelineError(nil), c.errors...)
}

func (c *Collector) Fallbacks() []protocol.StreamingFallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.StreamingFallback(nil), c.fallbacks...)
}

func (c *Collector) Statuses() []protocol.PoolStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.PoolStatus(nil), c.statuses...)
}

func (c *Collector) Recoveries() []protocol.RecoveryNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.RecoveryNotification(nil), c.recoveries...)
}
