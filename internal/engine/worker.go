package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/streamscribe/streamscribe/internal/audio"
)

// Worker manages one external engine process end to end: warm-up, a single
// in-flight request, timeout handling, and rolling stats. A worker serves at
// most one request at a time.
type Worker struct {
	id             string
	cmd            *Command
	runner         Runner
	warmupTimeout  time.Duration
	requestTimeout time.Duration
	sampleRate     int
	channels       int
	log            *slog.Logger

	mu      sync.Mutex
	state   State
	warm    bool
	current *Request
	stats   Stats
	lastErr error
	cancel  context.CancelFunc
}

// WorkerConfig bundles the knobs one worker needs.
type WorkerConfig struct {
	ID             string
	Command        *Command
	Runner         Runner
	WarmupTimeout  time.Duration
	RequestTimeout time.Duration
	SampleRate     int
	Channels       int
	Logger         *slog.Logger
}

// NewWorker creates a cold worker.
func NewWorker(cfg WorkerConfig) *Worker {
	return &Worker{
		id:             cfg.ID,
		cmd:            cfg.Command,
		runner:         cfg.Runner,
		warmupTimeout:  cfg.WarmupTimeout,
		requestTimeout: cfg.RequestTimeout,
		sampleRate:     cfg.SampleRate,
		channels:       cfg.Channels,
		log:            cfg.Logger.With(slog.String("worker_id", cfg.ID)),
		state:          StateCold,
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsAvailable reports whether the worker is warm and idle.
func (w *Worker) IsAvailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warm && w.state == StateWarm
}

// IsWarm reports whether warm-up completed successfully.
func (w *Worker) IsWarm() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.warm
}

// Stats returns a snapshot of the rolling counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// LastError returns the most recent fault, if any.
func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// WarmUp primes the engine by transcribing one second of synthetic silence,
// forcing model load before real requests arrive. The warm-up timeout is
// longer than the steady-state request timeout because model loading happens
// here. Failure is terminal for the worker; the pool decides what to do.
func (w *Worker) WarmUp(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateTerminated {
		w.mu.Unlock()
		return ErrWorkerUnavailable
	}
	w.state = StateWarming
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	silence := audio.Silence(1000, w.sampleRate, w.channels)
	path, err := audio.WriteTempWAV("", "streamscribe_warmup_*.wav", silence, w.sampleRate, w.channels)
	if err != nil {
		w.fail(err)
		return err
	}
	defer os.Remove(path)

	name, args := w.cmd.Args(path, w.cmd.Params(false))
	started := time.Now()
	run, err := w.runner.Run(runCtx, w.warmupTimeout, name, args...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateTerminated {
		return ErrWorkerUnavailable
	}
	if err != nil {
		w.state = StateFailed
		w.lastErr = err
		w.log.Warn("worker warm-up failed", slog.String("error", err.Error()))
		return err
	}
	if run.TimedOut {
		w.state = StateFailed
		w.lastErr = context.DeadlineExceeded
		w.log.Warn("worker warm-up timed out", slog.Duration("timeout", w.warmupTimeout))
		return context.DeadlineExceeded
	}

	w.warm = true
	w.state = StateWarm
	w.stats.LastActivity = time.Now()
	w.log.Info("worker warmed", slog.Duration("took", time.Since(started)))
	return nil
}

// Process runs one transcription request. Precondition: IsAvailable().
// Timeouts force-kill the engine process and resolve to a nil result so the
// pool keeps functioning; a nil result with nil error means "no result".
func (w *Worker) Process(ctx context.Context, req Request) (*Result, error) {
	w.mu.Lock()
	if !w.warm || w.state != StateWarm {
		w.mu.Unlock()
		return nil, ErrWorkerUnavailable
	}
	w.state = StateProcessing
	w.current = &req
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	params := w.cmd.Params(req.Batch)
	name, args := w.cmd.Args(req.AudioPath, params)
	started := time.Now()
	run, err := w.runner.Run(runCtx, w.requestTimeout, name, args...)
	elapsed := time.Since(started)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateTerminated {
		return nil, ErrWorkerUnavailable
	}
	w.current = nil
	w.state = StateWarm
	w.stats.LastActivity = time.Now()

	if err != nil {
		w.stats.FailureCount++
		w.lastErr = err
		w.log.Warn("engine process failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
		return nil, err
	}
	if run.TimedOut {
		w.stats.FailureCount++
		w.log.Warn("engine request timed out, process killed",
			slog.String("request_id", req.ID),
			slog.Duration("timeout", w.requestTimeout))
		return nil, nil
	}

	w.stats.RequestsProcessed++
	w.stats.TotalProcessingTime += elapsed
	w.stats.AverageLatency = w.stats.TotalProcessingTime / time.Duration(w.stats.RequestsProcessed)

	result := ParseOutput(run.Stdout)
	result.ProcessingTime = elapsed
	return &result, nil
}

// Terminate kills any running process and takes the worker out of service.
func (w *Worker) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateTerminated {
		return
	}
	w.state = StateTerminated
	w.warm = false
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateTerminated {
		w.state = StateFailed
	}
	w.lastErr = err
}
