package recovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/streamscribe/streamscribe/internal/events"
	"github.com/streamscribe/streamscribe/internal/protocol"
)

// Severity ranks how badly a fault hurts the pipeline.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Component names used for strategy selection.
const (
	ComponentStreamingProcessor = "streaming-processor"
	ComponentAudioCapture       = "audio-capture"
	ComponentEnginePool         = "engine-pool"
	ComponentAudioBuffer        = "audio-buffer"
)

// Strategy names. Selection precedence is fixed; see selectStrategy.
const (
	StrategyRestartProcessor = "restart-streaming-processor"
	StrategyModelReload      = "model-reload"
	StrategyFallbackBatch    = "fallback-to-batch"
	StrategyRestartCapture   = "restart-audio-capture"
)

// ErrorContext describes one fault for classification and recovery.
type ErrorContext struct {
	SessionID   string
	Component   string
	Operation   string
	Severity    Severity
	Recoverable bool
	Timestamp   time.Time
	Metadata    map[string]string
}

// Strategy is one registered recovery action. Execute is retried up to
// MaxAttempts with a fixed delay between tries.
type Strategy struct {
	Name        string
	MaxAttempts int
	RetryDelay  time.Duration
	Execute     func(ctx context.Context) error
}

const historyCapacity = 100

// Coordinator classifies faults, keeps a bounded error history, and drives
// bounded-retry recovery. At most one recovery per strategy key runs at a
// time; duplicate triggers while one is in flight are dropped.
type Coordinator struct {
	emitter events.Emitter
	log     *slog.Logger
	clock   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	history     []ErrorContext
	byComponent map[string]int
	bySeverity  map[Severity]int
	strategies  map[string]Strategy
	inFlight    map[string]bool
}

func NewCoordinator(parent context.Context, emitter events.Emitter, log *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		emitter:     emitter,
		log:         log.With(slog.String("component", "error_coordinator")),
		clock:       time.Now,
		ctx:         ctx,
		cancel:      cancel,
		byComponent: make(map[string]int),
		bySeverity:  make(map[Severity]int),
		strategies:  make(map[string]Strategy),
		inFlight:    make(map[string]bool),
	}
}

// Register installs or replaces the action behind a strategy name.
func (c *Coordinator) Register(s Strategy) {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[s.Name] = s
}

// HandleError records the fault, emits an error event, and kicks off recovery
// when the fault is marked recoverable. It never blocks on the recovery run.
func (c *Coordinator) HandleError(err error, ec ErrorContext) {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = c.clock()
	}

	c.mu.Lock()
	c.history = append(c.history, ec)
	if len(c.history) > historyCapacity {
		c.history = c.history[len(c.history)-historyCapacity:]
	}
	c.byComponent[ec.Component]++
	c.bySeverity[ec.Severity]++
	c.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.log.Warn("pipeline fault",
		slog.String("fault_component", ec.Component),
		slog.String("operation", ec.Operation),
		slog.String("severity", ec.Severity.String()),
		slog.Bool("recoverable", ec.Recoverable),
		slog.String("error", msg))
	c.emitter.StreamingError(protocol.PipelineError{
		SessionID: ec.SessionID,
		Component: ec.Component,
		Operation: ec.Operation,
		Severity:  ec.Severity.String(),
		Message:   msg,
		Timestamp: ec.Timestamp,
	})

	if !ec.Recoverable {
		return
	}
	c.attemptRecovery(selectStrategy(ec), ec)
}

// selectStrategy maps a fault to a strategy name. Precedence is deterministic:
// critical severity always short-circuits to the batch fallback, then the
// component/operation rules apply in order.
func selectStrategy(ec ErrorContext) string {
	if ec.Severity == SeverityCritical {
		return StrategyFallbackBatch
	}
	op := strings.ToLower(ec.Operation)
	switch {
	case ec.Component == ComponentStreamingProcessor && containsAny(op, "spawn", "process", "worker", "transcribe"):
		return StrategyRestartProcessor
	case containsAny(op, "model", "init", "load"):
		return StrategyModelReload
	case containsAny(op, "audio", "chunk", "buffer", "window"):
		return StrategyFallbackBatch
	case ec.Component == ComponentAudioCapture:
		return StrategyRestartCapture
	default:
		return StrategyFallbackBatch
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (c *Coordinator) attemptRecovery(name string, ec ErrorContext) {
	c.mu.Lock()
	strategy, ok := c.strategies[name]
	if !ok {
		c.mu.Unlock()
		c.log.Warn("no action registered for strategy", slog.String("strategy", name))
		return
	}
	if c.inFlight[name] {
		c.mu.Unlock()
		c.log.Debug("recovery already in flight, dropping trigger", slog.String("strategy", name))
		return
	}
	c.inFlight[name] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, name)
			c.mu.Unlock()
		}()
		c.runStrategy(strategy, ec)
	}()
}

func (c *Coordinator) runStrategy(s Strategy, ec ErrorContext) {
	c.emitter.Recovery(protocol.RecoveryNotification{
		Strategy:  s.Name,
		Phase:     "started",
		Component: ec.Component,
		Timestamp: c.clock(),
	})

	attempts := 0
	_, err := backoff.Retry(c.ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, s.Execute(c.ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.RetryDelay)),
		backoff.WithMaxTries(uint(s.MaxAttempts)),
	)

	if err != nil {
		c.log.Error("recovery failed",
			slog.String("strategy", s.Name),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		c.emitter.Recovery(protocol.RecoveryNotification{
			Strategy:  s.Name,
			Phase:     "failed",
			Component: ec.Component,
			Attempts:  attempts,
			Error:     err.Error(),
			Timestamp: c.clock(),
		})
		return
	}

	c.log.Info("recovery succeeded",
		slog.String("strategy", s.Name),
		slog.Int("attempts", attempts))
	c.emitter.Recovery(protocol.RecoveryNotification{
		Strategy:  s.Name,
		Phase:     "succeeded",
		Component: ec.Component,
		Attempts:  attempts,
		Timestamp: c.clock(),
	})
}

// IsHealthy inspects the five most recent faults: any critical one, or three
// or more high-severity ones, mark the pipeline unhealthy.
func (c *Coordinator) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	recent := c.history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	high := 0
	for _, ec := range recent {
		switch ec.Severity {
		case SeverityCritical:
			return false
		case SeverityHigh:
			high++
		}
	}
	return high < 3
}

// History returns a snapshot of the bounded error history, oldest first.
func (c *Coordinator) History() []ErrorContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ErrorContext(nil), c.history...)
}

// Counts returns per-component and per-severity fault counters.
func (c *Coordinator) Counts() (map[string]int, map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byComponent := make(map[string]int, len(c.byComponent))
	for k, v := range c.byComponent {
		byComponent[k] = v
	}
	bySeverity := make(map[string]int, len(c.bySeverity))
	for k, v := range c.bySeverity {
		bySeverity[k.String()] = v
	}
	return byComponent, bySeverity
}

// Close cancels in-flight recoveries and waits for them to return.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
