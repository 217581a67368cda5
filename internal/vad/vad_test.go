package vad

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestGateHysteresis(t *testing.T) {
	gate := NewGate(750 * time.Millisecond)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate.clock = func() time.Time { return now }

	if gate.Observe(Signal{IsVoice: false}) {
		t.Fatalf("gate must start inactive")
	}
	if !gate.Observe(Signal{IsVoice: true}) {
		t.Fatalf("voice must open the gate")
	}

	// Silence shorter than the threshold keeps speech active.
	now = now.Add(500 * time.Millisecond)
	if !gate.Observe(Signal{IsVoice: false}) {
		t.Fatalf("gate must stay open during brief silence")
	}

	// Continued silence past the threshold closes it.
	now = now.Add(300 * time.Millisecond)
	if gate.Observe(Signal{IsVoice: false}) {
		t.Fatalf("gate must close after %v of silence", gate.SilenceThreshold())
	}
	if gate.SpeechActive() {
		t.Fatalf("gate state must report closed")
	}
}

func TestGateReopensOnVoice(t *testing.T) {
	gate := NewGate(750 * time.Millisecond)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate.clock = func() time.Time { return now }

	gate.Observe(Signal{IsVoice: true})
	now = now.Add(time.Second)
	gate.Observe(Signal{IsVoice: false})
	if gate.SpeechActive() {
		t.Fatalf("expected closed gate")
	}
	if !gate.Observe(Signal{IsVoice: true}) {
		t.Fatalf("voice must reopen the gate immediately")
	}
}

func TestSetSilenceThreshold(t *testing.T) {
	gate := NewGate(750 * time.Millisecond)
	gate.SetSilenceThreshold(400 * time.Millisecond)
	if gate.SilenceThreshold() != 400*time.Millisecond {
		t.Fatalf("expected updated threshold")
	}
}

func TestEnergyDetectorSilence(t *testing.T) {
	det := NewEnergyDetector(0.02)
	sig := det.Analyze(make([]byte, 640))
	if sig.IsVoice {
		t.Fatalf("silence must not register as voice")
	}
	if sig.Energy != 0 {
		t.Fatalf("expected zero energy, got %f", sig.Energy)
	}
}

func TestEnergyDetectorLoudSignal(t *testing.T) {
	det := NewEnergyDetector(0.02)
	pcm := make([]byte, 640)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(10000)))
	}
	sig := det.Analyze(pcm)
	if !sig.IsVoice {
		t.Fatalf("loud signal must register as voice, energy=%f", sig.Energy)
	}
	if sig.Confidence <= 0 {
		t.Fatalf("expected positive confidence")
	}
}

func TestEnergyDetectorSmoothing(t *testing.T) {
	det := NewEnergyDetector(0.5)
	loud := make([]byte, 64)
	for i := 0; i < len(loud)/2; i++ {
		binary.LittleEndian.PutUint16(loud[i*2:], uint16(int16(20000)))
	}
	first := det.Analyze(loud)
	quietSig := det.Analyze(make([]byte, 64))
	if quietSig.Energy >= first.Energy {
		t.Fatalf("energy must decay toward new level")
	}
	if quietSig.Energy == 0 {
		t.Fatalf("smoothing must carry prior energy forward")
	}
}
