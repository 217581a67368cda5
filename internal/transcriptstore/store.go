package transcriptstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/protocol"
)

// Entry is one stored transcript row.
type Entry struct {
	ID           int64
	SessionID    string
	Kind         string
	Source       string
	Text         string
	Confidence   float64
	ProcessingMS int64
	CreatedAt    time.Time
}

// Store persists session transcripts in SQLite. Retention modes:
// ephemeral keeps nothing, session drops interim and merged rows once the
// session completes, persistent keeps everything subject to pruning.
type Store struct {
	db    *sql.DB
	cfg   config.TranscriptStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the transcript store according to config.
func Open(ctx context.Context, cfg config.TranscriptStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("transcript store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    final_source TEXT
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    source TEXT,
    text TEXT NOT NULL,
    confidence REAL,
    processing_ms INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_created ON transcripts(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession ensures a session row exists.
func (s *Store) StartSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.clock().UTC())
	return err
}

// SaveTranscript records one transcript row for its session.
func (s *Store) SaveTranscript(ctx context.Context, t protocol.Transcript) error {
	if s.db == nil {
		return nil
	}
	created := t.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, kind, source, text, confidence, processing_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Kind, t.Source, t.Text, t.Confidence, t.ProcessingMS, created.UTC())
	return err
}

// CompleteSession marks the session finished. In session retention mode the
// interim and merged rows are dropped, leaving only the final transcript.
func (s *Store) CompleteSession(ctx context.Context, sessionID, finalSource string) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET completed_at = ?, final_source = ? WHERE session_id = ?`,
		s.clock().UTC(), finalSource, sessionID); err != nil {
		return err
	}
	if s.cfg.RetentionMode == "session" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM transcripts WHERE session_id = ? AND kind != ?`,
			sessionID, protocol.TranscriptKindFinal)
		return err
	}
	return nil
}

// ListSessionTranscripts retrieves up to limit rows for a session ordered
// ascending by time.
func (s *Store) ListSessionTranscripts(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, source, text, confidence, processing_ms, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var source sql.NullString
		var confidence sql.NullFloat64
		var processing sql.NullInt64
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &source, &e.Text, &confidence, &processing, &created); err != nil {
			return nil, err
		}
		e.Source = source.String
		e.Confidence = confidence.Float64
		e.ProcessingMS = processing.Int64
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FinalTranscript returns the most recent final transcript for a session, or
// false when none was stored.
func (s *Store) FinalTranscript(ctx context.Context, sessionID string) (Entry, bool, error) {
	if s.db == nil {
		return Entry{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, kind, source, text, confidence, processing_ms, created_at
		 FROM transcripts WHERE session_id = ? AND kind = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID, protocol.TranscriptKindFinal)

	var e Entry
	var source sql.NullString
	var confidence sql.NullFloat64
	var processing sql.NullInt64
	var created string
	err := row.Scan(&e.ID, &e.SessionID, &e.Kind, &source, &e.Text, &confidence, &processing, &created)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Source = source.String
	e.Confidence = confidence.Float64
	e.ProcessingMS = processing.Int64
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		e.CreatedAt = ts
	}
	return e, true, nil
}

// Prune applies configured retention. Called on startup and from the runtime
// on a schedule.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
