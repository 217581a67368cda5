package audio

import (
	"bytes"
	"testing"
)

func TestExtractWindowBeforeThreshold(t *testing.T) {
	ring := NewRing(256*1024, BytesPerMS(16000, 1))
	ring.Write(make([]byte, 23999))

	if _, ok := ring.ExtractWindow(24000); ok {
		t.Fatalf("expected no window below %d total bytes", 24000)
	}
}

func TestExtractWindowAtThreshold(t *testing.T) {
	// 750ms at 16kHz mono 16-bit = 24,000 bytes.
	windowBytes := 750 * BytesPerMS(16000, 1)
	if windowBytes != 24000 {
		t.Fatalf("expected 24000 window bytes, got %d", windowBytes)
	}

	ring := NewRing(256*1024, BytesPerMS(16000, 1))
	ring.Write(make([]byte, windowBytes))

	win, ok := ring.ExtractWindow(windowBytes)
	if !ok {
		t.Fatalf("expected a window once total >= window size")
	}
	if len(win.PCM) != windowBytes {
		t.Fatalf("expected window of exactly %d bytes, got %d", windowBytes, len(win.PCM))
	}
	if win.StartMS != 0 || win.EndMS != 750 {
		t.Fatalf("unexpected window bounds: %d..%d", win.StartMS, win.EndMS)
	}
}

func TestExtractWindowReturnsMostRecentBytes(t *testing.T) {
	ring := NewRing(64, 32)
	first := bytes.Repeat([]byte{0x01}, 32)
	second := bytes.Repeat([]byte{0x02}, 32)
	ring.Write(first)
	ring.Write(second)

	win, ok := ring.ExtractWindow(32)
	if !ok {
		t.Fatalf("expected window")
	}
	if !bytes.Equal(win.PCM, second) {
		t.Fatalf("expected most recent 32 bytes")
	}
	if win.StartMS != 1 {
		t.Fatalf("expected start at 1ms, got %d", win.StartMS)
	}
}

func TestRingWraparound(t *testing.T) {
	ring := NewRing(10, 1)
	ring.Write([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	ring.Write([]byte{8, 9, 10, 11})

	if ring.TotalBytesWritten() != 12 {
		t.Fatalf("expected monotonic total 12, got %d", ring.TotalBytesWritten())
	}
	if ring.Available() != 10 {
		t.Fatalf("expected available capped at capacity, got %d", ring.Available())
	}

	win, ok := ring.ExtractWindow(6)
	if !ok {
		t.Fatalf("expected window")
	}
	if !bytes.Equal(win.PCM, []byte{6, 7, 8, 9, 10, 11}) {
		t.Fatalf("wraparound read returned wrong bytes: %v", win.PCM)
	}
}

func TestExtractWindowFreshIDs(t *testing.T) {
	ring := NewRing(1024, 32)
	ring.Write(make([]byte, 64))

	a, _ := ring.ExtractWindow(32)
	b, _ := ring.ExtractWindow(32)
	if a.ID == b.ID {
		t.Fatalf("each extraction must get a distinct window id")
	}
	// Same span until more audio arrives; the orchestrator dedupes by start
	// time, not by id.
	if a.StartMS != b.StartMS {
		t.Fatalf("expected identical start times, got %d vs %d", a.StartMS, b.StartMS)
	}
}

func TestResetClearsState(t *testing.T) {
	ring := NewRing(64, 32)
	ring.Write(make([]byte, 64))
	ring.Reset()
	if ring.TotalBytesWritten() != 0 || ring.Available() != 0 {
		t.Fatalf("expected empty ring after reset")
	}
	if _, ok := ring.ExtractWindow(32); ok {
		t.Fatalf("expected no window after reset")
	}
}
