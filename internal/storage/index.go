package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/tursodatabase/go-libsql"
)

// ErrSessionNotFound is returned when the index has no entry for an id
var ErrSessionNotFound = errors.New("session not found")

const indexSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    nickname TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    message_count INTEGER NOT NULL DEFAULT 0,
    tokens INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
`

// Index is the libsql table of saved snapshots
type Index struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenIndex opens or creates the session index at dbPath
func OpenIndex(dbPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := log.WithPrefix("storage")
	logger.Debug("Session index initialized", "path", dbPath)
	return &Index{db: db, logger: logger}, nil
}

// EntryFor builds the index row describing doc saved at path
func EntryFor(doc *Document, path string) IndexEntry {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return IndexEntry{
		ID:           doc.SessionID,
		Nickname:     doc.Nickname,
		Summary:      doc.Summary,
		Path:         abs,
		Model:        doc.Settings.Model,
		MessageCount: len(doc.Messages),
		Tokens:       doc.Counters.TotalTokens,
		UpdatedAt:    doc.SavedAt,
	}
}

// Record saves doc to path and upserts its index entry
func (ix *Index) Record(ctx context.Context, doc *Document, path string) error {
	if err := Save(path, doc); err != nil {
		return err
	}
	return ix.Upsert(ctx, EntryFor(doc, path))
}

// Upsert inserts or replaces an entry
func (ix *Index) Upsert(ctx context.Context, e IndexEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	query := `INSERT INTO sessions (id, nickname, summary, path, model, message_count, tokens, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              nickname = excluded.nickname,
	              summary = excluded.summary,
	              path = excluded.path,
	              model = excluded.model,
	              message_count = excluded.message_count,
	              tokens = excluded.tokens,
	              updated_at = excluded.updated_at`

	_, err := ix.db.ExecContext(ctx, query,
		e.ID, e.Nickname, e.Summary, e.Path, e.Model, e.MessageCount, e.Tokens, e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", e.ID, err)
	}
	return nil
}

// Get returns the entry for id
func (ix *Index) Get(ctx context.Context, id string) (*IndexEntry, error) {
	query := `SELECT id, nickname, summary, path, model, message_count, tokens, updated_at
	          FROM sessions WHERE id = ?`
	e, err := scanEntry(ix.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return e, nil
}

// List returns entries, most recently updated first. A limit of zero or
// less returns every entry.
func (ix *Index) List(ctx context.Context, limit, offset int) ([]IndexEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, nickname, summary, path, model, message_count, tokens, updated_at
	          FROM sessions ORDER BY updated_at DESC LIMIT ? OFFSET ?`

	rows, err := ix.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Delete removes the entry for id. The snapshot file is left alone.
func (ix *Index) Delete(ctx context.Context, id string) error {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Prune drops entries whose snapshot file no longer exists and returns
// how many were removed
func (ix *Index) Prune(ctx context.Context) (int, error) {
	entries, err := ix.List(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if _, err := os.Stat(e.Path); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := ix.Delete(ctx, e.ID); err != nil {
			return removed, err
		}
		ix.logger.Debug("Pruned missing snapshot", "id", e.ID, "path", e.Path)
		removed++
	}
	return removed, nil
}

// Close closes the database
func (ix *Index) Close() error {
	return ix.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*IndexEntry, error) {
	var e IndexEntry
	var updated int64
	if err := row.Scan(&e.ID, &e.Nickname, &e.Summary, &e.Path, &e.Model, &e.MessageCount, &e.Tokens, &updated); err != nil {
		return nil, err
	}
	e.UpdatedAt = time.UnixMilli(updated)
	return &e, nil
}
