package audio

import (
	"time"

	"github.com/google/uuid"
)

// Window is a fixed-duration slice of buffered audio submitted as one
// transcription unit.
type Window struct {
	ID        string
	StartMS   int64
	EndMS     int64
	PCM       []byte
	CreatedAt time.Time
}

// Ring is a fixed-capacity circular buffer of raw PCM bytes. Oldest bytes are
// silently overwritten once capacity is exceeded. The buffer is single-writer
// single-reader per recording session; callers serialize access.
type Ring struct {
	buf        []byte
	capacity   int
	writePos   int
	total      int64 // monotonic, may exceed capacity
	bytesPerMS int
	clock      func() time.Time
}

// NewRing creates a ring buffer with the given byte capacity.
func NewRing(capacity, bytesPerMS int) *Ring {
	return &Ring{
		buf:        make([]byte, capacity),
		capacity:   capacity,
		bytesPerMS: bytesPerMS,
		clock:      time.Now,
	}
}

// Write copies p into the ring with wraparound.
func (r *Ring) Write(p []byte) {
	for len(p) > 0 {
		n := copy(r.buf[r.writePos:], p)
		r.writePos = (r.writePos + n) % r.capacity
		r.total += int64(n)
		p = p[n:]
	}
}

// TotalBytesWritten returns the monotonic write counter. It is used only to
// detect "enough data present"; the available region is min(total, capacity).
func (r *Ring) TotalBytesWritten() int64 {
	return r.total
}

// Available returns the number of readable bytes.
func (r *Ring) Available() int {
	if r.total < int64(r.capacity) {
		return int(r.total)
	}
	return r.capacity
}

// Reset clears the buffer for a new recording session.
func (r *Ring) Reset() {
	r.writePos = 0
	r.total = 0
}

// ExtractWindow returns the most recent windowBytes of buffered audio as a
// single processing window, or false while totalBytesWritten < windowBytes.
// At most one window is produced per call: completeness of coverage is traded
// for bounded per-chunk latency, with the final batch pass covering the rest.
func (r *Ring) ExtractWindow(windowBytes int) (Window, bool) {
	if windowBytes <= 0 || windowBytes > r.capacity || r.total < int64(windowBytes) {
		return Window{}, false
	}

	pcm := make([]byte, windowBytes)
	start := (r.writePos - windowBytes) % r.capacity
	if start < 0 {
		start += r.capacity
	}
	n := copy(pcm, r.buf[start:])
	if n < windowBytes {
		copy(pcm[n:], r.buf[:windowBytes-n])
	}

	startBytes := r.total - int64(windowBytes)
	return Window{
		ID:        uuid.NewString(),
		StartMS:   startBytes / int64(r.bytesPerMS),
		EndMS:     r.total / int64(r.bytesPerMS),
		PCM:       pcm,
		CreatedAt: r.clock(),
	}, true
}
