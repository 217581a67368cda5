package events

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/streamscribe/streamscribe/internal/protocol"
)

type capturedMsg struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []capturedMsg
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, capturedMsg{subject: subject, data: data})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusEmitterRoutesTranscriptsBySubject(t *testing.T) {
	pub := &fakePublisher{}
	e := NewBusEmitter(pub, testLogger())

	e.Transcript(protocol.Transcript{SessionID: "s1", Text: "a", Kind: protocol.TranscriptKindInterim})
	e.Transcript(protocol.Transcript{SessionID: "s1", Text: "a b", Kind: protocol.TranscriptKindMerged})
	e.Transcript(protocol.Transcript{SessionID: "s1", Text: "a b c", Kind: protocol.TranscriptKindFinal})

	want := []string{
		protocol.SubjectTranscriptInterim,
		protocol.SubjectTranscriptMerged,
		protocol.SubjectTranscriptFinal,
	}
	if len(pub.msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(pub.msgs))
	}
	for i, subject := range want {
		if pub.msgs[i].subject != subject {
			t.Fatalf("message %d: expected subject %q, got %q", i, subject, pub.msgs[i].subject)
		}
		var decoded protocol.Transcript
		if err := json.Unmarshal(pub.msgs[i].data, &decoded); err != nil {
			t.Fatalf("message %d: invalid payload: %v", i, err)
		}
		if decoded.SessionID != "s1" {
			t.Fatalf("message %d: unexpected payload %+v", i, decoded)
		}
	}
}

func TestBusEmitterSwallowsPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection lost")}
	e := NewBusEmitter(pub, testLogger())

	// Must not panic or propagate.
	e.RecordingStarted("s1")
	e.StreamingFallback("s1", "low confidence")
	e.PoolStatus(protocol.PoolStatus{TotalWorkers: 3})
}

func TestCollectorFiltersByKind(t *testing.T) {
	c := NewCollector()
	c.Transcript(protocol.Transcript{Kind: protocol.TranscriptKindInterim, Text: "x"})
	c.Transcript(protocol.Transcript{Kind: protocol.TranscriptKindMerged, Text: "x y"})
	c.Transcript(protocol.Transcript{Kind: protocol.TranscriptKindMerged, Text: "x y z"})

	merged := c.TranscriptsOfKind(protocol.TranscriptKindMerged)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged transcripts, got %d", len(merged))
	}
	if merged[1].Text != "x y z" {
		t.Fatalf("unexpected transcript order: %+v", merged)
	}
}
