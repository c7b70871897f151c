package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink appends events to a local sqlite file (":memory:" in tests).
// The schema is created if missing.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("history: empty sqlite path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", p, err)
	}
	s := &SQLiteSink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			server_id TEXT NOT NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_history_server ON worker_history(server_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("history: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSink) Send(ctx context.Context, e Event) error {
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_history(occurred_at, event, server_id, detail) VALUES(?, ?, ?, ?)`,
		occurred.UTC(), string(e.Type), e.ServerID, e.Detail)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Recent returns the newest n events for a server, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, serverID string, n int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at, event, server_id, detail FROM worker_history
		 WHERE server_id = ? ORDER BY id DESC LIMIT ?`, serverID, n)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.OccurredAt, &typ, &e.ServerID, &e.Detail); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
