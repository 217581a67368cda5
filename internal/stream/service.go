package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/streamscribe/streamscribe/internal/bus"
	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/events"
	"github.com/streamscribe/streamscribe/internal/protocol"
	"github.com/streamscribe/streamscribe/internal/transcriptstore"
	"github.com/streamscribe/streamscribe/internal/vad"
)

const finalizeTimeout = 60 * time.Second

// Service consumes audio frames from the bus and runs one Orchestrator per
// recording session.
type Service struct {
	cfg     config.StreamConfig
	bus     *bus.Client
	engine  Engine
	emitter events.Emitter
	faults  FaultHandler
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Orchestrator
	ready    bool
}

func NewService(parent context.Context, cfg config.StreamConfig, busClient *bus.Client, eng Engine, emitter events.Emitter, store *transcriptstore.Store, faults FaultHandler, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if store != nil {
		emitter = &persistingEmitter{Emitter: emitter, store: store, log: log}
	}
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		engine:   eng,
		emitter:  emitter,
		faults:   faults,
		log:      log.With(slog.String("component", "stream_service")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Orchestrator),
	}
}

func (s *Service) Start() error {
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// ActiveSessions returns the number of live recording sessions.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ForceFallbackAll commits every live session to the batch path. Registered
// as the fallback-to-batch recovery action.
func (s *Service) ForceFallbackAll(reason string) {
	s.mu.Lock()
	orchestrators := make([]*Orchestrator, 0, len(s.sessions))
	for _, o := range s.sessions {
		orchestrators = append(orchestrators, o)
	}
	s.mu.Unlock()
	for _, o := range orchestrators {
		o.ForceFallback(reason)
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.SessionID == "" {
		return
	}

	orch := s.orchestrator(frame.SessionID)

	var sig *vad.Signal
	if frame.HasVAD {
		sig = &vad.Signal{IsVoice: frame.IsVoice, Energy: frame.Energy, Confidence: frame.VADScore}
	}
	orch.Ingest(frame.PCM, sig)

	if frame.Final {
		s.finishSession(frame.SessionID, orch)
	}
}

func (s *Service) orchestrator(sessionID string) *Orchestrator {
	s.mu.Lock()
	orch := s.sessions[sessionID]
	if orch == nil {
		orch = NewOrchestrator(sessionID, s.cfg, s.engine, s.emitter, s.faults, s.log)
		s.sessions[sessionID] = orch
	}
	s.mu.Unlock()
	orch.Start()
	return orch
}

func (s *Service) finishSession(sessionID string, orch *Orchestrator) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, finalizeTimeout)
		defer cancel()

		final, err := orch.Stop(ctx)
		if err != nil {
			s.log.Error("session finalization failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			return
		}
		s.log.Info("session completed",
			slog.String("session_id", sessionID),
			slog.String("source", final.Source),
			slog.Int("text_len", len(final.Text)))
	}()
}

// persistingEmitter forwards every event and records session lifecycle and
// transcripts in the store. Store failures are logged, never propagated.
type persistingEmitter struct {
	events.Emitter
	store *transcriptstore.Store
	log   *slog.Logger
}

func (p *persistingEmitter) RecordingStarted(sessionID string) {
	if err := p.store.StartSession(context.Background(), sessionID); err != nil {
		p.log.Warn("failed to persist session start", slog.String("error", err.Error()))
	}
	p.Emitter.RecordingStarted(sessionID)
}

func (p *persistingEmitter) Transcript(t protocol.Transcript) {
	if err := p.store.SaveTranscript(context.Background(), t); err != nil {
		p.log.Warn("failed to persist transcript", slog.String("error", err.Error()))
	}
	if t.Kind == protocol.TranscriptKindFinal {
		if err := p.store.CompleteSession(context.Background(), t.SessionID, t.Source); err != nil {
			p.log.Warn("failed to complete session", slog.String("error", err.Error()))
		}
	}
	p.Emitter.Transcript(t)
}
