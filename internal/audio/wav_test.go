package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func sinePCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		// Deterministic non-silent ramp.
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i%2000-1000)))
	}
	return pcm
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := sinePCM(16000) // 1s at 16kHz mono

	path, err := WriteTempWAV(t.TempDir(), "roundtrip_*.wav", pcm, 16000, 1)
	if err != nil {
		t.Fatalf("write wav: %v", err)
	}

	decoded, info, err := DecodeWAV(path)
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if info.SampleRate != 16000 {
		t.Fatalf("expected sample rate 16000, got %d", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Fatalf("expected mono, got %d channels", info.Channels)
	}
	if info.DataBytes != len(pcm) {
		t.Fatalf("expected %d data bytes, got %d", len(pcm), info.DataBytes)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Fatalf("decoded pcm differs from original")
	}
}

func TestEncodeWAVRejectsUnalignedPCM(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "bad_*.wav")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer file.Close()

	if err := EncodeWAV(file, []byte{0x01}, 16000, 1); err == nil {
		t.Fatalf("expected error for odd-length pcm")
	}
}

func TestWriteTempWAVCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteTempWAV(dir, "fail_*.wav", []byte{0x01}, 16000, 1); err == nil {
		t.Fatalf("expected error")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wav" {
			t.Fatalf("temp wav should be removed on encode failure")
		}
	}
}

func TestPadToMinDuration(t *testing.T) {
	short := sinePCM(4000) // 250ms
	padded := PadToMinDuration(short, 1000, 16000, 1)
	if len(padded) != 32000 {
		t.Fatalf("expected padding to 32000 bytes, got %d", len(padded))
	}
	if !bytes.Equal(padded[:len(short)], short) {
		t.Fatalf("original audio must be preserved at the front")
	}
	for _, b := range padded[len(short):] {
		if b != 0 {
			t.Fatalf("padding must be silence")
		}
	}

	long := sinePCM(32000)
	if got := PadToMinDuration(long, 1000, 16000, 1); len(got) != len(long) {
		t.Fatalf("audio at or above minimum must not be padded")
	}
}

func TestBytesPerMS(t *testing.T) {
	if got := BytesPerMS(16000, 1); got != 32 {
		t.Fatalf("expected 32 bytes/ms at 16kHz mono, got %d", got)
	}
	if got := DurationMS(24000, 16000, 1); got != 750 {
		t.Fatalf("expected 750ms for 24000 bytes, got %d", got)
	}
}
