package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// PersistenceStore receives events published WithPersistence
type PersistenceStore interface {
	Store(event Event[any]) error
}

// Query selects stored events. Zero fields do not restrict.
type Query struct {
	// SessionPrefix matches session ids starting with it
	SessionPrefix string
	Types         []EventType
	Since         time.Time
	// Limit keeps only the most recent events
	Limit int
}

func (q Query) filter() EventFilter {
	var filters []EventFilter
	if q.SessionPrefix != "" {
		filters = append(filters, FilterBySessionPrefix(q.SessionPrefix))
	}
	if len(q.Types) > 0 {
		filters = append(filters, FilterByType(q.Types...))
	}
	if !q.Since.IsZero() {
		filters = append(filters, FilterSince(q.Since))
	}
	return CombineFilters(filters...)
}

// MemoryStore keeps the most recent events in memory
type MemoryStore struct {
	mu      sync.RWMutex
	events  []Event[any]
	maxSize int
}

// NewMemoryStore creates a store holding at most maxSize events
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryStore{maxSize: maxSize}
}

func (m *MemoryStore) Store(event Event[any]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == m.maxSize {
		m.events = slices.Delete(m.events, 0, 1)
	}
	m.events = append(m.events, event)
	return nil
}

// Find returns the events matching q, oldest first
func (m *MemoryStore) Find(q Query) []Event[any] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f := q.filter()
	var out []Event[any]
	for _, ev := range m.events {
		if f(ev) {
			out = append(out, ev)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Cleanup drops events older than t
func (m *MemoryStore) Cleanup(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = slices.DeleteFunc(m.events, func(ev Event[any]) bool {
		return ev.Timestamp.Before(t)
	})
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// SQLStore records events in a libsql database. Payloads are stored as JSON
// and come back as generic JSON values.
type SQLStore struct {
	db *sql.DB
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts);
`

// OpenSQLStore opens or creates the event database at path
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping event database: %w", err)
	}
	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create event tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Store(event Event[any]) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event.Type, err)
	}
	_, err = s.db.Exec(`INSERT INTO events (id, type, session_id, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), event.SessionID, string(payload), event.Timestamp.UnixNano())
	return err
}

// Find returns the events matching q, oldest first
func (s *SQLStore) Find(ctx context.Context, q Query) ([]Event[any], error) {
	var where []string
	var args []any
	if q.SessionPrefix != "" {
		where = append(where, "substr(session_id, 1, ?) = ?")
		args = append(args, len(q.SessionPrefix), q.SessionPrefix)
	}
	if len(q.Types) > 0 {
		where = append(where, "type IN (?"+strings.Repeat(", ?", len(q.Types)-1)+")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if !q.Since.IsZero() {
		where = append(where, "ts > ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `SELECT id, type, session_id, payload, ts FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event[any]
	for rows.Next() {
		var ev Event[any]
		var payload string
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.SessionID, &payload, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", ev.ID, err)
		}
		ev.Timestamp = time.Unix(0, ts)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Cleanup deletes events older than t and returns how many were removed
func (s *SQLStore) Cleanup(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored events
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
