package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamscribe/streamscribe/internal/protocol"
)

// PoolOptions configures a worker pool.
type PoolOptions struct {
	Command        *Command
	Runner         Runner
	Size           int
	WarmupTimeout  time.Duration
	RequestTimeout time.Duration
	QueueCapacity  int
	SampleRate     int
	Channels       int
	Logger         *slog.Logger
}

type outcome struct {
	result *Result
	err    error
}

type pending struct {
	req Request
	ch  chan outcome
}

// Pool owns N workers, warms them in parallel, and dispatches queued requests
// to warm idle workers. Dispatch order is FIFO; completion order is whatever
// the workers make of it.
type Pool struct {
	opts PoolOptions
	log  *slog.Logger

	mu               sync.Mutex
	workers          map[string]*Worker
	order            []string
	reserved         map[string]bool
	queue            []*pending
	warmupInProgress bool
	warmupCompleted  bool
	warmCount        int
	shutdown         bool
}

// NewPool creates an empty pool; Initialize spawns and warms the workers.
func NewPool(opts PoolOptions) *Pool {
	return &Pool{
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "engine_pool")),
		workers:  make(map[string]*Worker),
		reserved: make(map[string]bool),
	}
}

// Initialize creates the configured number of workers and warms them all
// concurrently. The pool is considered warmed when at least one worker
// succeeds; partial warm-up is tolerated and reported.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.warmupInProgress = true
	workers := make([]*Worker, 0, p.opts.Size)
	for i := 0; i < p.opts.Size; i++ {
		w := NewWorker(WorkerConfig{
			ID:             fmt.Sprintf("worker-%d", i+1),
			Command:        p.opts.Command,
			Runner:         p.opts.Runner,
			WarmupTimeout:  p.opts.WarmupTimeout,
			RequestTimeout: p.opts.RequestTimeout,
			SampleRate:     p.opts.SampleRate,
			Channels:       p.opts.Channels,
			Logger:         p.opts.Logger,
		})
		p.workers[w.ID()] = w
		p.order = append(p.order, w.ID())
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			_ = w.WarmUp(ctx) // failures recorded on the worker
		}(w)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.warmupInProgress = false
	p.warmupCompleted = true
	p.warmCount = 0
	for _, w := range p.workers {
		if w.IsWarm() {
			p.warmCount++
		}
	}
	p.log.Info("pool warm-up finished",
		slog.Int("warm", p.warmCount),
		slog.Int("total", len(p.workers)))
	if p.warmCount == 0 {
		return ErrNoWorkersWarmed
	}
	return nil
}

// IsReady reports whether warm-up completed with at least one warm worker.
func (p *Pool) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warmupCompleted && p.warmCount > 0 && !p.shutdown
}

// AvailableWorkers counts warm idle workers not currently reserved by a
// dispatch pass.
func (p *Pool) AvailableWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

func (p *Pool) availableLocked() int {
	n := 0
	for id, w := range p.workers {
		if w.IsAvailable() && !p.reserved[id] {
			n++
		}
	}
	return n
}

// Process enqueues one request and blocks until a worker resolves it, the
// context is cancelled, or the pool shuts down. A nil result with nil error
// means the engine timed out ("no result").
func (p *Pool) Process(ctx context.Context, req Request) (*Result, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	if len(p.queue) >= p.opts.QueueCapacity {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.EnqueuedAt = time.Now()
	item := &pending{req: req, ch: make(chan outcome, 1)}
	p.queue = append(p.queue, item)
	p.mu.Unlock()

	p.dispatch()

	select {
	case out := <-item.ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatch assigns min(queueLength, availableWarmWorkers) queued requests to
// idle warm workers. It is re-run on every completion so the queue drains
// opportunistically.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		if p.shutdown || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		var picked *Worker
		for _, id := range p.order {
			w := p.workers[id]
			if w != nil && w.IsAvailable() && !p.reserved[id] {
				picked = w
				break
			}
		}
		if picked == nil {
			p.mu.Unlock()
			return
		}
		p.reserved[picked.ID()] = true
		item := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		go p.run(picked, item)
	}
}

func (p *Pool) run(w *Worker, item *pending) {
	result, err := w.Process(context.Background(), item.req)

	p.mu.Lock()
	delete(p.reserved, w.ID())
	p.mu.Unlock()

	item.ch <- outcome{result: result, err: err}
	p.dispatch()
}

// AverageLatency returns the request-weighted mean latency across workers.
func (p *Pool) AverageLatency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total time.Duration
	var requests int64
	for _, w := range p.workers {
		s := w.Stats()
		total += s.TotalProcessingTime
		requests += s.RequestsProcessed
	}
	if requests == 0 {
		return 0
	}
	return total / time.Duration(requests)
}

// Status aggregates pool-wide health telemetry.
func (p *Pool) Status() protocol.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.workers)
	warm := 0
	busy := 0
	for id, w := range p.workers {
		if w.IsWarm() {
			warm++
		}
		if w.State() == StateProcessing || p.reserved[id] {
			busy++
		}
	}
	available := 0
	for id, w := range p.workers {
		if w.IsAvailable() && !p.reserved[id] {
			available++
		}
	}

	status := protocol.PoolStatus{
		TotalWorkers:     total,
		AvailableWorkers: available,
		BusyWorkers:      busy,
		WarmWorkers:      warm,
		QueueLength:      len(p.queue),
		Timestamp:        time.Now(),
	}
	if total > 0 {
		status.Utilization = math.Round(100 * float64(busy) / float64(total))
		status.WarmupProgress = math.Round(100 * float64(warm) / float64(total))
	}

	var totalTime time.Duration
	var requests int64
	for _, w := range p.workers {
		s := w.Stats()
		totalTime += s.TotalProcessingTime
		requests += s.RequestsProcessed
	}
	if requests > 0 {
		status.AverageLatencyMS = float64(totalTime.Milliseconds()) / float64(requests)
	}
	return status
}

// Shutdown rejects all queued requests, terminates every worker, and clears
// pool state.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	queued := p.queue
	p.queue = nil
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[string]*Worker)
	p.order = nil
	p.reserved = make(map[string]bool)
	p.warmCount = 0
	p.mu.Unlock()

	for _, item := range queued {
		item.ch <- outcome{err: ErrPoolShutdown}
	}
	for _, w := range workers {
		w.Terminate()
	}
	p.log.Info("pool shut down", slog.Int("rejected", len(queued)))
}
