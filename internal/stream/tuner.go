package stream

import (
	"log/slog"
	"time"
)

// Adaptive tuning bounds. The tuner shrinks the window, overlap, and VAD
// silence threshold toward the floor while the engine keeps up, and widens
// them back toward the configured defaults when latency degrades.
const (
	tuneStepMS      = 50
	minWindowMS     = 500
	minOverlapMS    = 150
	minVADSilenceMS = 500

	fastLatency = 500 * time.Millisecond
	slowLatency = 1500 * time.Millisecond
)

func (o *Orchestrator) tuneLoop() {
	interval := time.Duration(o.cfg.TuningIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.mu.Lock()
	stop := o.tunerStop
	o.mu.Unlock()
	if stop == nil {
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.tune()
		}
	}
}

// tune runs one self-tuning pass against the engine's observed latency.
func (o *Orchestrator) tune() {
	latency := o.engine.AverageLatency()
	if latency <= 0 {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	windowMS := o.windowMS
	overlapMS := o.overlapMS
	silence := o.gate.SilenceThreshold()

	switch {
	case latency < fastLatency:
		windowMS = clampMS(windowMS-tuneStepMS, minWindowMS, o.cfg.WindowMS)
		overlapMS = clampMS(overlapMS-tuneStepMS, minOverlapMS, o.cfg.OverlapMS)
		silence = clampDuration(silence-tuneStepMS*time.Millisecond,
			minVADSilenceMS*time.Millisecond,
			time.Duration(o.cfg.VADSilenceMS)*time.Millisecond)
	case latency > slowLatency:
		windowMS = clampMS(windowMS+tuneStepMS, minWindowMS, o.cfg.WindowMS)
		overlapMS = clampMS(overlapMS+tuneStepMS, minOverlapMS, o.cfg.OverlapMS)
		silence = clampDuration(silence+tuneStepMS*time.Millisecond,
			minVADSilenceMS*time.Millisecond,
			time.Duration(o.cfg.VADSilenceMS)*time.Millisecond)
	default:
		return
	}

	if windowMS == o.windowMS && overlapMS == o.overlapMS && silence == o.gate.SilenceThreshold() {
		return
	}
	o.windowMS = windowMS
	o.overlapMS = overlapMS
	o.gate.SetSilenceThreshold(silence)
	o.log.Debug("tuned streaming parameters",
		slog.Int("window_ms", windowMS),
		slog.Int("overlap_ms", overlapMS),
		slog.Duration("vad_silence", silence),
		slog.Duration("engine_latency", latency))
}

func clampMS(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
