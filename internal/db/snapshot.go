// Package db persists the last confirmed pane list to a local sqlite
// file so a freshly started client can show its pane deck before the
// first list fetch answers. Stale-while-revalidate only: the server
// list always overwrites this cache.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/muxpane/internal/model"
)

var ErrEmpty = errors.New("snapshot empty")

const schema = `
CREATE TABLE IF NOT EXISTS pane_snapshot (
	pane_id TEXT PRIMARY KEY,
	pane_order INTEGER NOT NULL,
	payload TEXT NOT NULL,
	saved_at TEXT NOT NULL
);
`

type Snapshot struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod snapshot path: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply snapshot schema: %w", err)
	}
	return &Snapshot{db: db}, nil
}

func (s *Snapshot) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SavePanes replaces the cached deck with the given server-confirmed one.
func (s *Snapshot) SavePanes(ctx context.Context, panes []model.Pane) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM pane_snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, pane := range panes {
		payload, err := json.Marshal(pane)
		if err != nil {
			return fmt.Errorf("encode pane %s: %w", pane.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pane_snapshot(pane_id, pane_order, payload, saved_at) VALUES (?, ?, ?, ?)`,
			pane.ID, pane.Order, string(payload), now,
		); err != nil {
			return fmt.Errorf("insert pane %s: %w", pane.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadPanes returns the cached deck in order, or ErrEmpty when nothing
// has been saved yet.
func (s *Snapshot) LoadPanes(ctx context.Context) ([]model.Pane, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM pane_snapshot ORDER BY pane_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	panes := make([]model.Pane, 0, 4)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		var pane model.Pane
		if err := json.Unmarshal([]byte(payload), &pane); err != nil {
			return nil, fmt.Errorf("decode snapshot pane: %w", err)
		}
		panes = append(panes, pane)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	if len(panes) == 0 {
		return nil, ErrEmpty
	}
	return panes, nil
}
