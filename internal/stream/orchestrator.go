package stream

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/streamscribe/streamscribe/internal/audio"
	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/engine"
	"github.com/streamscribe/streamscribe/internal/events"
	"github.com/streamscribe/streamscribe/internal/protocol"
	"github.com/streamscribe/streamscribe/internal/recovery"
	"github.com/streamscribe/streamscribe/internal/vad"
)

// Engine is the transcription surface the orchestrator drives.
type Engine interface {
	Transcribe(ctx context.Context, audioPath string) (*engine.Result, error)
	TranscribeBatch(ctx context.Context, audioPath string) (*engine.Result, error)
	AvailableWorkers() int
	AverageLatency() time.Duration
}

// FaultHandler receives pipeline faults for classification and recovery.
// recovery.Coordinator implements it.
type FaultHandler interface {
	HandleError(err error, ec recovery.ErrorContext)
}

type nopFaultHandler struct{}

func (nopFaultHandler) HandleError(error, recovery.ErrorContext) {}

type activeWindow struct {
	window      audio.Window
	submittedAt time.Time
}

type acceptedResult struct {
	text      string
	startMS   int64
	createdAt time.Time
}

// Orchestrator runs the streaming transcription pipeline for one recording
// session: chunk ingestion, VAD gating, window submission, confidence
// filtering, ordered merging, and the batch fallback. Ingest is the hot path
// and never blocks on transcription; window submission is fire-and-forget
// with explicit in-flight tracking.
type Orchestrator struct {
	sessionID string
	cfg       config.StreamConfig
	engine    Engine
	emitter   events.Emitter
	faults    FaultHandler
	log       *slog.Logger
	clock     func() time.Time

	mu               sync.Mutex
	ring             *audio.Ring
	gate             *vad.Gate
	detector         *vad.EnergyDetector
	raw              []byte
	active           map[string]activeWindow
	accepted         map[string]acceptedResult
	lastSubmittedMS  int64
	lastMerged       string
	fallbackOnce     bool
	fallbackNotified bool
	stopped          bool
	started          bool

	windowMS  int
	overlapMS int

	wg        sync.WaitGroup
	tunerStop chan struct{}
}

// NewOrchestrator creates a session pipeline. faults may be nil.
func NewOrchestrator(sessionID string, cfg config.StreamConfig, eng Engine, emitter events.Emitter, faults FaultHandler, log *slog.Logger) *Orchestrator {
	if faults == nil {
		faults = nopFaultHandler{}
	}
	bytesPerMS := audio.BytesPerMS(cfg.SampleRate, cfg.Channels)
	return &Orchestrator{
		sessionID:       sessionID,
		cfg:             cfg,
		engine:          eng,
		emitter:         emitter,
		faults:          faults,
		log:             log.With(slog.String("component", "orchestrator"), slog.String("session_id", sessionID)),
		clock:           time.Now,
		ring:            audio.NewRing(cfg.BufferCapacityBytes, bytesPerMS),
		gate:            vad.NewGate(time.Duration(cfg.VADSilenceMS) * time.Millisecond),
		detector:        vad.NewEnergyDetector(cfg.VADEnergyThreshold),
		active:          make(map[string]activeWindow),
		accepted:        make(map[string]acceptedResult),
		lastSubmittedMS: -1,
		windowMS:        cfg.WindowMS,
		overlapMS:       cfg.OverlapMS,
	}
}

// Start announces the recording session and begins the tuning loop.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	startTuner := o.cfg.TuningEnabled && o.cfg.TuningIntervalMS > 0
	if startTuner {
		o.tunerStop = make(chan struct{})
	}
	o.mu.Unlock()

	o.emitter.RecordingStarted(o.sessionID)
	if startTuner {
		go o.tuneLoop()
	}
}

// Ingest feeds one raw PCM chunk into the pipeline. sig carries an external
// voice-activity observation; pass nil to fall back to local energy analysis.
// The chunk is always accumulated for the batch path, even when VAD gates the
// streaming path closed.
func (o *Orchestrator) Ingest(pcm []byte, sig *vad.Signal) {
	if len(pcm) == 0 {
		return
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.raw = append(o.raw, pcm...)
	o.ring.Write(pcm)

	if o.cfg.VADEnabled {
		observed := vad.Signal{}
		if sig != nil {
			observed = *sig
		} else {
			observed = o.detector.Analyze(pcm)
		}
		if !o.gate.Observe(observed) {
			o.mu.Unlock()
			return
		}
	}

	if o.fallbackOnce {
		// The session is committed to the batch path; keep accumulating raw
		// audio but route nothing through windowing.
		o.mu.Unlock()
		return
	}

	o.submitWindowsLocked()
	merged, emit := o.cleanupAndMergeLocked()
	o.mu.Unlock()

	if emit {
		o.emitMerged(merged)
	}
}

// submitWindowsLocked requests windows from the buffer and submits the fresh
// ones, bounded per tick to avoid saturating the pool. Consecutive windows
// advance by windowMS-overlapMS, so the configured overlap holds regardless
// of chunk arrival cadence. Caller holds o.mu.
func (o *Orchestrator) submitWindowsLocked() int {
	limit := o.engine.AvailableWorkers()
	if limit > o.cfg.MaxActiveWindows {
		limit = o.cfg.MaxActiveWindows
	}

	windowBytes := o.windowMS * audio.BytesPerMS(o.cfg.SampleRate, o.cfg.Channels)
	stride := int64(o.windowMS - o.overlapMS)
	if stride < 1 {
		stride = 1
	}
	submitted := 0
	for submitted < limit {
		w, ok := o.ring.ExtractWindow(windowBytes)
		if !ok {
			break
		}
		if o.lastSubmittedMS >= 0 && w.StartMS < o.lastSubmittedMS+stride {
			break
		}
		o.active[w.ID] = activeWindow{window: w, submittedAt: o.clock()}
		o.lastSubmittedMS = w.StartMS
		submitted++

		o.wg.Add(1)
		go o.submit(w)
	}
	return submitted
}

func (o *Orchestrator) submit(w audio.Window) {
	defer o.wg.Done()
	started := o.clock()

	path, err := audio.WriteTempWAV("", "streamscribe_window_*.wav", w.PCM, o.cfg.SampleRate, o.cfg.Channels)
	if err != nil {
		o.finishWindow(w.ID)
		o.faults.HandleError(err, recovery.ErrorContext{
			SessionID:   o.sessionID,
			Component:   recovery.ComponentAudioBuffer,
			Operation:   "window_encode",
			Severity:    recovery.SeverityMedium,
			Recoverable: true,
		})
		return
	}
	defer os.Remove(path)

	result, err := o.engine.Transcribe(context.Background(), path)
	processing := o.clock().Sub(started)

	if err != nil {
		o.finishWindow(w.ID)
		o.faults.HandleError(err, recovery.ErrorContext{
			SessionID:   o.sessionID,
			Component:   recovery.ComponentStreamingProcessor,
			Operation:   "transcribe_window",
			Severity:    recovery.SeverityMedium,
			Recoverable: true,
		})
		return
	}
	if result == nil {
		// Engine timeout: no result, the pool already logged it.
		o.finishWindow(w.ID)
		return
	}

	text, ok := acceptResult(result, o.cfg.ConfidenceThreshold)
	if !ok {
		o.finishWindow(w.ID)
		return
	}

	o.mu.Lock()
	delete(o.active, w.ID)
	o.accepted[w.ID] = acceptedResult{text: text, startMS: w.StartMS, createdAt: w.CreatedAt}
	merged, emit := o.cleanupAndMergeLocked()
	o.mu.Unlock()

	o.emitter.Transcript(protocol.Transcript{
		SessionID:    o.sessionID,
		Text:         text,
		Kind:         protocol.TranscriptKindInterim,
		Source:       "streaming",
		IsRealTime:   processing < time.Second,
		ProcessingMS: processing.Milliseconds(),
		Timestamp:    o.clock().UTC(),
	})
	if emit {
		o.emitMerged(merged)
	}
}

func (o *Orchestrator) finishWindow(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// acceptResult applies confidence filtering: with per-segment confidence the
// mean must clear the threshold, without it any non-empty text passes.
func acceptResult(result *engine.Result, threshold float64) (string, bool) {
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", false
	}
	if mean, ok := result.MeanConfidence(); ok && mean < threshold {
		return "", false
	}
	return text, true
}

// cleanupAndMergeLocked drops stale windows, then rebuilds the best-effort
// continuous transcript ordered by original window start time. Completion
// order is unordered across workers, so the sort here is what restores
// stream order. Returns the merged text and whether it changed. Caller holds
// o.mu.
func (o *Orchestrator) cleanupAndMergeLocked() (string, bool) {
	maxAge := time.Duration(o.cfg.WindowMaxAgeMS) * time.Millisecond
	now := o.clock()
	for id, aw := range o.active {
		if now.Sub(aw.submittedAt) > maxAge {
			delete(o.active, id)
		}
	}
	for id, ar := range o.accepted {
		if now.Sub(ar.createdAt) > maxAge {
			delete(o.accepted, id)
		}
	}

	results := make([]acceptedResult, 0, len(o.accepted))
	for _, ar := range o.accepted {
		results = append(results, ar)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].startMS < results[j].startMS })

	var parts []string
	for _, ar := range results {
		if len(parts) > 0 && parts[len(parts)-1] == ar.text {
			continue
		}
		parts = append(parts, ar.text)
	}
	merged := strings.Join(parts, " ")
	if merged == o.lastMerged {
		return merged, false
	}
	o.lastMerged = merged
	return merged, true
}

func (o *Orchestrator) emitMerged(text string) {
	o.emitter.Transcript(protocol.Transcript{
		SessionID: o.sessionID,
		Text:      text,
		Kind:      protocol.TranscriptKindMerged,
		Source:    "streaming",
		Timestamp: o.clock().UTC(),
	})
}

// MergedText returns the current best-effort transcript.
func (o *Orchestrator) MergedText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastMerged
}

// WindowMS returns the current, possibly tuned, window duration.
func (o *Orchestrator) WindowMS() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.windowMS
}

// OverlapMS returns the current, possibly tuned, window overlap.
func (o *Orchestrator) OverlapMS() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overlapMS
}

// ForceFallback commits the session to the batch path: no further chunks are
// routed through windowing and exactly one streaming-fallback event is
// emitted. Idempotent.
func (o *Orchestrator) ForceFallback(reason string) {
	o.mu.Lock()
	o.fallbackOnce = true
	notify := !o.fallbackNotified
	o.fallbackNotified = true
	o.mu.Unlock()

	if notify {
		o.log.Warn("streaming path abandoned", slog.String("reason", reason))
		o.emitter.StreamingFallback(o.sessionID, reason)
	}
}

// Stop ends the recording session and resolves the final transcript. The
// streaming result is used when it produced usable text; otherwise the whole
// accumulated recording goes through one higher-accuracy batch pass, which is
// authoritative whenever it returns.
func (o *Orchestrator) Stop(ctx context.Context) (protocol.Transcript, error) {
	o.mu.Lock()
	if o.stopped {
		merged := o.lastMerged
		o.mu.Unlock()
		return protocol.Transcript{SessionID: o.sessionID, Text: merged, Kind: protocol.TranscriptKindFinal}, nil
	}
	o.stopped = true
	if o.tunerStop != nil {
		close(o.tunerStop)
		o.tunerStop = nil
	}
	o.mu.Unlock()

	o.wg.Wait()

	o.mu.Lock()
	merged := o.lastMerged
	useStreaming := !o.fallbackOnce && strings.TrimSpace(merged) != ""
	raw := o.raw
	o.mu.Unlock()

	if useStreaming {
		final := protocol.Transcript{
			SessionID: o.sessionID,
			Text:      merged,
			Kind:      protocol.TranscriptKindFinal,
			Source:    "streaming",
			Timestamp: o.clock().UTC(),
		}
		o.emitter.Transcript(final)
		return final, nil
	}

	return o.batchFallback(ctx, raw)
}

func (o *Orchestrator) batchFallback(ctx context.Context, raw []byte) (protocol.Transcript, error) {
	o.mu.Lock()
	notify := !o.fallbackNotified
	o.fallbackNotified = true
	o.mu.Unlock()
	if notify {
		o.emitter.StreamingFallback(o.sessionID, "no usable streaming result")
	}

	if len(raw) == 0 {
		final := protocol.Transcript{
			SessionID: o.sessionID,
			Kind:      protocol.TranscriptKindFinal,
			Source:    "batch",
			Timestamp: o.clock().UTC(),
		}
		o.emitter.Transcript(final)
		return final, nil
	}

	padded := audio.PadToMinDuration(raw, 1000, o.cfg.SampleRate, o.cfg.Channels)
	path, err := audio.WriteTempWAV("", "streamscribe_batch_*.wav", padded, o.cfg.SampleRate, o.cfg.Channels)
	if err != nil {
		return protocol.Transcript{}, err
	}
	defer os.Remove(path)

	started := o.clock()
	result, err := o.engine.TranscribeBatch(ctx, path)
	if err != nil {
		o.faults.HandleError(err, recovery.ErrorContext{
			SessionID:   o.sessionID,
			Component:   recovery.ComponentStreamingProcessor,
			Operation:   "transcribe_batch",
			Severity:    recovery.SeverityHigh,
			Recoverable: false,
		})
		return protocol.Transcript{}, err
	}

	final := protocol.Transcript{
		SessionID: o.sessionID,
		Kind:      protocol.TranscriptKindFinal,
		Source:    "batch",
		Timestamp: o.clock().UTC(),
	}
	if result != nil {
		final.Text = strings.TrimSpace(result.Text)
		final.ProcessingMS = o.clock().Sub(started).Milliseconds()
		if mean, ok := result.MeanConfidence(); ok {
			final.Confidence = mean
		}
	}
	o.emitter.Transcript(final)
	return final, nil
}
