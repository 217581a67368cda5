package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamscribe/streamscribe/internal/bus"
	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/engine"
	"github.com/streamscribe/streamscribe/internal/events"
	"github.com/streamscribe/streamscribe/internal/natsserver"
	"github.com/streamscribe/streamscribe/internal/protocol"
	"github.com/streamscribe/streamscribe/internal/recovery"
	"github.com/streamscribe/streamscribe/internal/stream"
	"github.com/streamscribe/streamscribe/internal/transcriptstore"
)

const pruneInterval = time.Hour

// Runtime owns every pipeline component and their startup/shutdown order:
// telemetry, bus, transcript store, engine pool, error coordinator, and the
// stream service, plus the HTTP observability surface.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	engine      *engine.PersistentEngine
	coordinator *recovery.Coordinator
	store       *transcriptstore.Store

	mu  sync.Mutex
	svc *stream.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	emitter := events.NewBusEmitter(busClient, r.logger)

	store, err := transcriptstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	r.store = store
	defer store.Close()

	eng, err := engine.NewPersistentEngine(r.cfg, nil, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	r.engine = eng
	eng.OnStatus(emitter.PoolStatus)
	if err := eng.Initialize(ctx); err != nil {
		// Missing binary or model is fatal; there is nothing to recover.
		return fmt.Errorf("failed to initialize engine pool: %w", err)
	}
	defer eng.Shutdown()

	coordinator := recovery.NewCoordinator(ctx, emitter, r.logger)
	r.coordinator = coordinator
	defer coordinator.Close()

	svc := stream.NewService(ctx, r.cfg.Stream, busClient, eng, emitter, store, coordinator, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start stream service: %w", err)
	}
	r.mu.Lock()
	r.svc = svc
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		svc := r.svc
		r.mu.Unlock()
		svc.Close()
	}()

	r.registerRecoveryStrategies(ctx, busClient, emitter)
	r.startPruneLoop(ctx, store)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// registerRecoveryStrategies binds the coordinator's strategy names to real
// actions on the running components.
func (r *Runtime) registerRecoveryStrategies(ctx context.Context, busClient *bus.Client, emitter events.Emitter) {
	r.coordinator.Register(recovery.Strategy{
		Name:        recovery.StrategyModelReload,
		MaxAttempts: 2,
		RetryDelay:  2 * time.Second,
		Execute: func(ctx context.Context) error {
			return r.engine.Restart(ctx)
		},
	})
	r.coordinator.Register(recovery.Strategy{
		Name:        recovery.StrategyRestartProcessor,
		MaxAttempts: 2,
		RetryDelay:  time.Second,
		Execute: func(context.Context) error {
			return r.restartStreamService(ctx, busClient, emitter)
		},
	})
	r.coordinator.Register(recovery.Strategy{
		Name:        recovery.StrategyFallbackBatch,
		MaxAttempts: 1,
		Execute: func(context.Context) error {
			r.mu.Lock()
			svc := r.svc
			r.mu.Unlock()
			svc.ForceFallbackAll("recovery: streaming path abandoned")
			return nil
		},
	})
	r.coordinator.Register(recovery.Strategy{
		Name:        recovery.StrategyRestartCapture,
		MaxAttempts: 3,
		RetryDelay:  time.Second,
		Execute: func(context.Context) error {
			// The capture layer is an external collaborator; ask it to
			// restart over the bus.
			return busClient.Publish(protocol.SubjectCaptureRestart, nil)
		},
	})
}

func (r *Runtime) restartStreamService(ctx context.Context, busClient *bus.Client, emitter events.Emitter) error {
	r.mu.Lock()
	old := r.svc
	r.mu.Unlock()
	old.Close()

	svc := stream.NewService(ctx, r.cfg.Stream, busClient, r.engine, emitter, r.store, r.coordinator, r.logger)
	if err := svc.Start(); err != nil {
		return err
	}
	r.mu.Lock()
	r.svc = svc
	r.mu.Unlock()
	r.logger.Info("stream service restarted")
	return nil
}

func (r *Runtime) startPruneLoop(ctx context.Context, store *transcriptstore.Store) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Prune(ctx); err != nil {
					r.logger.Warn("transcript store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.coordinator != nil && !r.coordinator.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("degraded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.engine != nil && r.engine.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	svc := r.svc
	r.mu.Unlock()

	status := struct {
		Pool           protocol.PoolStatus `json:"pool"`
		ActiveSessions int                 `json:"active_sessions"`
		Healthy        bool                `json:"healthy"`
	}{
		Healthy: r.coordinator == nil || r.coordinator.IsHealthy(),
	}
	if r.engine != nil {
		status.Pool = r.engine.Status()
	}
	if svc != nil {
		status.ActiveSessions = svc.ActiveSessions()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		r.logger.Warn("failed to encode status", slog.String("error", err.Error()))
	}
}
