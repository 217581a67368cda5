package vad

import (
	"math"
	"sync"
	"time"
)

// Signal is a per-chunk voice-activity observation. Signals normally arrive
// from an external capture-side detector; EnergyDetector produces them
// locally when none is available.
type Signal struct {
	IsVoice    bool
	Energy     float64
	Confidence float64
}

// Gate tracks speech onset and offset with hysteresis: speech is treated as
// ended only after a continued stretch of silence, so short pauses between
// words do not tear the detected-speech interval apart.
type Gate struct {
	mu               sync.Mutex
	silenceThreshold time.Duration
	speechActive     bool
	lastVoice        time.Time
	clock            func() time.Time
}

// NewGate creates a gate with the given silence hysteresis threshold.
func NewGate(silenceThreshold time.Duration) *Gate {
	return &Gate{
		silenceThreshold: silenceThreshold,
		clock:            time.Now,
	}
}

// Observe feeds one signal into the gate and returns whether a speech
// interval is currently active.
func (g *Gate) Observe(sig Signal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if sig.IsVoice {
		g.speechActive = true
		g.lastVoice = now
		return true
	}
	if g.speechActive && now.Sub(g.lastVoice) >= g.silenceThreshold {
		g.speechActive = false
	}
	return g.speechActive
}

// SpeechActive reports the current gate state without feeding a signal.
func (g *Gate) SpeechActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speechActive
}

// SetSilenceThreshold adjusts the hysteresis window; the adaptive tuner
// shrinks it when the engine keeps up and widens it again when latency
// degrades.
func (g *Gate) SetSilenceThreshold(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.silenceThreshold = d
}

// SilenceThreshold returns the current hysteresis window.
func (g *Gate) SilenceThreshold() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.silenceThreshold
}

// Reset clears gate state between recording sessions.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.speechActive = false
	g.lastVoice = time.Time{}
}

// EnergyDetector derives voice-activity signals from RMS energy with light
// exponential smoothing.
type EnergyDetector struct {
	threshold float64
	smoothing float64
	last      float64
	primed    bool
}

// NewEnergyDetector creates a detector; threshold is normalized RMS in [0,1].
func NewEnergyDetector(threshold float64) *EnergyDetector {
	return &EnergyDetector{
		threshold: threshold,
		smoothing: 0.3,
	}
}

// Analyze computes a signal from raw little-endian 16-bit PCM.
func (d *EnergyDetector) Analyze(pcm []byte) Signal {
	energy := rmsEnergy(pcm)
	if d.primed {
		energy = d.smoothing*energy + (1-d.smoothing)*d.last
	}
	d.last = energy
	d.primed = true

	isVoice := energy >= d.threshold
	confidence := math.Min(math.Abs(energy-d.threshold)*2, 1)
	return Signal{IsVoice: isVoice, Energy: energy, Confidence: confidence}
}

func rmsEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}
