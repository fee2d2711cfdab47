// Package eventlog persists runner events to a sqlite-backed history,
// keyed by the channel/topic (or folder) they belong to, so the admin
// surface and CLI reporting can query turn history across restarts —
// something the in-memory gateway.Bus ring buffer can't offer.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	ts INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_key_idx ON events(key);
`

// Record is one persisted event, with the addressing and timing
// information the bare runnerevents.Event doesn't carry on its own.
type Record struct {
	ID        int64
	Key       string
	Timestamp time.Time
	Event     runnerevents.Event
}

// Log is a sqlite-backed append-only event history.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the event log database at path.
// Use ":memory:" for a process-local, non-persisted log in tests.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Append records event under key. Keys are typically a channel/topic
// route or a folder name; an empty key records a log-wide event.
func (l *Log) Append(ctx context.Context, key string, event runnerevents.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO events (key, ts, payload) VALUES (?, ?, ?)`,
		key, time.Now().UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent records for key, oldest
// first. An empty key returns the most recent records across all keys.
func (l *Log) History(ctx context.Context, key string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if key == "" {
		rows, err = l.db.QueryContext(ctx,
			`SELECT id, key, ts, payload FROM events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = l.db.QueryContext(ctx,
			`SELECT id, key, ts, payload FROM events WHERE key = ? ORDER BY id DESC LIMIT ?`, key, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var tsMillis int64
		var payload string
		if err := rows.Scan(&r.ID, &r.Key, &tsMillis, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		r.Timestamp = time.UnixMilli(tsMillis)
		if err := json.Unmarshal([]byte(payload), &r.Event); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
