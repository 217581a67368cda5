package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/protocol"
)

// PersistentEngine wraps a worker pool behind a single transcribe call, gated
// on pool readiness. Readiness is a one-way latch per pool generation: it is
// set only after initialization completed and the warmed signal fired, and
// cleared only by Restart or Shutdown.
type PersistentEngine struct {
	cfg    config.Config
	runner Runner
	log    *slog.Logger

	mu         sync.Mutex
	pool       *Pool
	healthStop chan struct{}

	ready    atomic.Bool
	metrics  *poolMetrics
	onStatus func(protocol.PoolStatus)
}

// NewPersistentEngine validates the engine command and prepares the facade.
// Initialize must be called before Transcribe.
func NewPersistentEngine(cfg config.Config, runner Runner, log *slog.Logger) (*PersistentEngine, error) {
	if _, err := NewCommand(cfg.Engine); err != nil {
		return nil, err
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	e := &PersistentEngine{
		cfg:    cfg,
		runner: runner,
		log:    log.With(slog.String("component", "persistent_engine")),
	}
	metrics, err := newPoolMetrics(e.Status)
	if err != nil {
		e.log.Warn("engine metrics disabled", slog.String("error", err.Error()))
	} else {
		e.metrics = metrics
	}
	return e, nil
}

// OnStatus registers a hook invoked with each periodic health-check snapshot.
func (e *PersistentEngine) OnStatus(fn func(protocol.PoolStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatus = fn
}

func (e *PersistentEngine) newPool() (*Pool, error) {
	cmd, err := NewCommand(e.cfg.Engine)
	if err != nil {
		return nil, err
	}
	return NewPool(PoolOptions{
		Command:        cmd,
		Runner:         e.runner,
		Size:           e.cfg.Pool.Size,
		WarmupTimeout:  time.Duration(e.cfg.Pool.WarmupTimeoutMS) * time.Millisecond,
		RequestTimeout: time.Duration(e.cfg.Pool.RequestTimeoutMS) * time.Millisecond,
		QueueCapacity:  e.cfg.Pool.QueueCapacity,
		SampleRate:     e.cfg.Stream.SampleRate,
		Channels:       e.cfg.Stream.Channels,
		Logger:         e.log,
	}), nil
}

// Initialize builds the pool, warms it, and fires the readiness latch once at
// least one worker is warm.
func (e *PersistentEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.pool != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine already initialized")
	}
	pool, err := e.newPool()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.pool = pool
	e.mu.Unlock()

	if err := pool.Initialize(ctx); err != nil {
		return fmt.Errorf("pool warm-up: %w", err)
	}
	e.ready.Store(true)
	e.startHealthLoop()
	return nil
}

// Ready reports whether the readiness latch has fired.
func (e *PersistentEngine) Ready() bool {
	return e.ready.Load()
}

// Transcribe runs one streaming-mode request. It fails fast while the pool is
// not ready; timeouts resolve to a nil result, never an error.
func (e *PersistentEngine) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	return e.transcribe(ctx, audioPath, false)
}

// TranscribeBatch runs one request with the higher-accuracy batch decode
// parameters.
func (e *PersistentEngine) TranscribeBatch(ctx context.Context, audioPath string) (*Result, error) {
	return e.transcribe(ctx, audioPath, true)
}

func (e *PersistentEngine) transcribe(ctx context.Context, audioPath string, batch bool) (*Result, error) {
	if !e.ready.Load() {
		return nil, ErrNotReady
	}
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()
	if pool == nil {
		return nil, ErrNotReady
	}

	result, err := pool.Process(ctx, Request{AudioPath: audioPath, Batch: batch})
	switch {
	case err != nil:
		e.metrics.record(ctx, "error", batch, 0)
	case result == nil:
		e.metrics.record(ctx, "timeout", batch, 0)
	default:
		e.metrics.record(ctx, "ok", batch, float64(result.ProcessingTime.Milliseconds()))
	}
	return result, err
}

// AvailableWorkers returns the current number of warm idle workers.
func (e *PersistentEngine) AvailableWorkers() int {
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()
	if pool == nil {
		return 0
	}
	return pool.AvailableWorkers()
}

// AverageLatency returns the pool-wide request-weighted mean latency.
func (e *PersistentEngine) AverageLatency() time.Duration {
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()
	if pool == nil {
		return 0
	}
	return pool.AverageLatency()
}

// Status returns the current pool health snapshot.
func (e *PersistentEngine) Status() protocol.PoolStatus {
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()
	if pool == nil {
		return protocol.PoolStatus{Timestamp: time.Now()}
	}
	return pool.Status()
}

// Restart tears the pool down and fully reinitializes it. The readiness
// latch is cleared for the duration and re-fired on success.
func (e *PersistentEngine) Restart(ctx context.Context) error {
	e.mu.Lock()
	e.ready.Store(false)
	old := e.pool
	e.stopHealthLoopLocked()
	e.pool = nil
	e.mu.Unlock()

	if old != nil {
		old.Shutdown()
	}

	pool, err := e.newPool()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pool = pool
	e.mu.Unlock()

	if err := pool.Initialize(ctx); err != nil {
		return fmt.Errorf("pool warm-up: %w", err)
	}
	e.ready.Store(true)
	e.startHealthLoop()
	e.log.Info("engine pool restarted")
	return nil
}

// Shutdown terminates the pool and clears readiness.
func (e *PersistentEngine) Shutdown() {
	e.mu.Lock()
	e.ready.Store(false)
	pool := e.pool
	e.pool = nil
	e.stopHealthLoopLocked()
	e.mu.Unlock()

	if pool != nil {
		pool.Shutdown()
	}
}

func (e *PersistentEngine) startHealthLoop() {
	interval := time.Duration(e.cfg.Pool.HealthIntervalMS) * time.Millisecond
	if interval <= 0 {
		return
	}
	e.mu.Lock()
	if e.healthStop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.healthStop = stop
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				status := e.Status()
				e.log.Info("pool health",
					slog.Float64("utilization_pct", status.Utilization),
					slog.Int("available", status.AvailableWorkers),
					slog.Int("warm", status.WarmWorkers),
					slog.Int("queue", status.QueueLength),
					slog.Float64("avg_latency_ms", status.AverageLatencyMS))
				e.mu.Lock()
				hook := e.onStatus
				e.mu.Unlock()
				if hook != nil {
					hook(status)
				}
			}
		}
	}()
}

func (e *PersistentEngine) stopHealthLoopLocked() {
	if e.healthStop != nil {
		close(e.healthStop)
		e.healthStop = nil
	}
}
