package transcriptstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.TranscriptStoreConfig{RetentionMode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// All operations are no-ops without a database.
	if err := s.StartSession(context.Background(), "s1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := s.SaveTranscript(context.Background(), protocol.Transcript{SessionID: "s1", Kind: protocol.TranscriptKindFinal, Text: "hi"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, found, err := s.FinalTranscript(context.Background(), "s1"); err != nil || found {
		t.Fatalf("ephemeral store must not retain anything, found=%v err=%v", found, err)
	}
}

func TestSaveAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TranscriptStoreConfig{Path: filepath.Join(tmp, "transcripts.db"), RetentionMode: "persistent"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.StartSession(context.Background(), "s1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, text := range []string{"hello", "hello world", "hello world again"} {
		err := s.SaveTranscript(context.Background(), protocol.Transcript{
			SessionID:    "s1",
			Kind:         protocol.TranscriptKindInterim,
			Text:         text,
			Confidence:   0.9,
			ProcessingMS: 120,
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("save transcript: %v", err)
		}
	}

	entries, err := s.ListSessionTranscripts(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Text != "hello" || entries[2].Text != "hello world again" {
		t.Fatalf("entries out of order: %+v", entries)
	}
	if entries[1].Confidence != 0.9 || entries[1].ProcessingMS != 120 {
		t.Fatalf("unexpected entry fields: %+v", entries[1])
	}
}

func TestFinalTranscript(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TranscriptStoreConfig{Path: filepath.Join(tmp, "transcripts.db"), RetentionMode: "persistent"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.StartSession(context.Background(), "s1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, found, err := s.FinalTranscript(context.Background(), "s1"); err != nil || found {
		t.Fatalf("no final transcript expected yet")
	}

	if err := s.SaveTranscript(context.Background(), protocol.Transcript{
		SessionID: "s1", Kind: protocol.TranscriptKindFinal, Text: "done", Source: "batch",
	}); err != nil {
		t.Fatalf("save final: %v", err)
	}
	entry, found, err := s.FinalTranscript(context.Background(), "s1")
	if err != nil || !found {
		t.Fatalf("expected final transcript, found=%v err=%v", found, err)
	}
	if entry.Text != "done" || entry.Source != "batch" {
		t.Fatalf("unexpected final entry: %+v", entry)
	}
}

func TestSessionRetentionDropsInterimOnComplete(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TranscriptStoreConfig{Path: filepath.Join(tmp, "transcripts.db"), RetentionMode: "session"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.StartSession(context.Background(), "s1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	for _, kind := range []string{protocol.TranscriptKindInterim, protocol.TranscriptKindMerged, protocol.TranscriptKindFinal} {
		if err := s.SaveTranscript(context.Background(), protocol.Transcript{SessionID: "s1", Kind: kind, Text: kind}); err != nil {
			t.Fatalf("save %s: %v", kind, err)
		}
	}

	if err := s.CompleteSession(context.Background(), "s1", "streaming"); err != nil {
		t.Fatalf("complete session: %v", err)
	}

	entries, err := s.ListSessionTranscripts(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != protocol.TranscriptKindFinal {
		t.Fatalf("only the final transcript should survive, got %+v", entries)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.TranscriptStoreConfig{
		Path:          filepath.Join(tmp, "transcripts.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.StartSession(context.Background(), "old-session"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := s.SaveTranscript(context.Background(), protocol.Transcript{SessionID: "old-session", Kind: protocol.TranscriptKindFinal, Text: "old"}); err != nil {
		t.Fatalf("save transcript: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.StartSession(context.Background(), "new-session"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := s.ListSessionTranscripts(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected old session pruned, got %+v", entries)
	}
}
