// Package outbox journals submitted actions in sqlite until the backend
// acknowledges them, so unsent work survives a restart.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/saravenpi/tutorchat/internal/codec"
	"github.com/saravenpi/tutorchat/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	token      TEXT NOT NULL UNIQUE,
	kind       TEXT NOT NULL,
	frame      BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`

// Entry is a journaled action.
type Entry struct {
	Seq       int64
	Action    models.Action
	CreatedAt time.Time
}

type Journal struct {
	db *sql.DB
}

// GetPath returns the journal location for userID under dataDir.
func GetPath(dataDir, userID string) string {
	return filepath.Join(dataDir, "outbox-"+userID+".db")
}

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outbox schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Put journals a. An action whose token is already journaled keeps its
// original position.
func (j *Journal) Put(ctx context.Context, a models.Action) error {
	frame, err := codec.Encode(a)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbox (token, kind, frame, created_at) VALUES (?, ?, ?, ?)`,
		a.Token, string(a.Kind), frame, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to journal action: %w", err)
	}
	return nil
}

func (j *Journal) Delete(ctx context.Context, token string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM outbox WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete journaled action: %w", err)
	}
	return nil
}

// Load returns the journaled actions in submission order. Rows that no
// longer decode are skipped.
func (j *Journal) Load(ctx context.Context) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT seq, frame, created_at FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			seq       int64
			frame     []byte
			createdAt int64
		)
		if err := rows.Scan(&seq, &frame, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		a, err := codec.DecodeAction(frame)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Seq: seq, Action: a, CreatedAt: time.UnixMilli(createdAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return entries, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
