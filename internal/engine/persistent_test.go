package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streamscribe/streamscribe/internal/config"
)

func newTestEngine(t *testing.T, r Runner) *PersistentEngine {
	t.Helper()
	cfg := config.Default()
	cfg.Engine = testEngineConfig()
	cfg.Pool.Size = 2
	cfg.Pool.WarmupTimeoutMS = 1000
	cfg.Pool.RequestTimeoutMS = 200
	cfg.Pool.HealthIntervalMS = 0

	e, err := NewPersistentEngine(cfg, r, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

func TestPersistentEngineFailsFastBeforeReady(t *testing.T) {
	e := newTestEngine(t, okRunner(""))
	if e.Ready() {
		t.Fatalf("engine must not be ready before Initialize")
	}
	if _, err := e.Transcribe(context.Background(), "/tmp/a.wav"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if e.AvailableWorkers() != 0 {
		t.Fatalf("no workers before Initialize")
	}
}

func TestPersistentEngineReadyAfterInitialize(t *testing.T) {
	e := newTestEngine(t, okRunner("[00:00:00.000 --> 00:00:00.500]  ready"))
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !e.Ready() {
		t.Fatalf("engine must be ready after Initialize")
	}
	if e.AvailableWorkers() != 2 {
		t.Fatalf("expected 2 available workers, got %d", e.AvailableWorkers())
	}

	result, err := e.Transcribe(context.Background(), "/tmp/a.wav")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if result == nil || result.Text != "ready" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if e.AverageLatency() <= 0 {
		t.Fatalf("expected positive average latency after a request")
	}
}

func TestPersistentEngineRejectsDoubleInitialize(t *testing.T) {
	e := newTestEngine(t, okRunner(""))
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := e.Initialize(context.Background()); err == nil {
		t.Fatalf("second Initialize must fail")
	}
}

func TestPersistentEngineInitializeFailsWithNoWarmWorkers(t *testing.T) {
	e := newTestEngine(t, runnerFunc(func(context.Context, time.Duration, string, ...string) (RunResult, error) {
		return RunResult{}, errors.New("no model")
	}))
	if err := e.Initialize(context.Background()); !errors.Is(err, ErrNoWorkersWarmed) {
		t.Fatalf("expected ErrNoWorkersWarmed, got %v", err)
	}
	if e.Ready() {
		t.Fatalf("engine must not latch ready when warm-up failed")
	}
}

func TestPersistentEngineBatchParams(t *testing.T) {
	var mu sync.Mutex
	var requestArgs []string
	r := runnerFunc(func(_ context.Context, _ time.Duration, _ string, args ...string) (RunResult, error) {
		if !isWarmupCall(args) {
			mu.Lock()
			requestArgs = append([]string(nil), args...)
			mu.Unlock()
		}
		return RunResult{Stdout: "ok"}, nil
	})
	e := newTestEngine(t, r)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if _, err := e.TranscribeBatch(context.Background(), "/tmp/a.wav"); err != nil {
		t.Fatalf("batch transcribe: %v", err)
	}

	mu.Lock()
	joined := strings.Join(requestArgs, " ")
	mu.Unlock()
	if !strings.Contains(joined, "-bs 5") || !strings.Contains(joined, "-bo 5") {
		t.Fatalf("batch request must use batch decode params, got %q", joined)
	}
}

func TestPersistentEngineRestart(t *testing.T) {
	e := newTestEngine(t, okRunner(""))
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := e.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !e.Ready() {
		t.Fatalf("engine must re-latch ready after restart")
	}
	if e.AvailableWorkers() != 2 {
		t.Fatalf("expected a fresh pool of 2 workers, got %d", e.AvailableWorkers())
	}
}

func TestPersistentEngineShutdown(t *testing.T) {
	e := newTestEngine(t, okRunner(""))
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	e.Shutdown()
	if e.Ready() {
		t.Fatalf("engine must clear readiness on shutdown")
	}
	if _, err := e.Transcribe(context.Background(), "/tmp/a.wav"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after shutdown, got %v", err)
	}
}
