// Package content provides SQLite-based persistence for repositories,
// components and assets.
package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/repovault/repovault/internal/freeze"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a repository, component or asset does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQLite content store. It uses a single connection so that
// connection-scoped pragmas set while frozen apply to every statement.
type Store struct {
	db     *sql.DB
	path   string
	frozen atomic.Bool
	now    func() time.Time
}

// Open opens (creating if needed) the content database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// IsFrozen reports whether the store currently rejects writes.
func (s *Store) IsFrozen() bool {
	return s.frozen.Load()
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repository (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		format TEXT NOT NULL,
		cleanup_policy TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS component (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL REFERENCES repository(id) ON DELETE CASCADE,
		namespace TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_downloaded INTEGER
	);

	-- Assets with a NULL component_id are standalone (e.g. repository metadata)
	CREATE TABLE IF NOT EXISTS asset (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL REFERENCES repository(id) ON DELETE CASCADE,
		component_id TEXT REFERENCES component(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		blob_ref TEXT NOT NULL,
		blob_store TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_downloaded INTEGER,
		UNIQUE(repository_id, path)
	);

	CREATE INDEX IF NOT EXISTS idx_component_repository ON component(repository_id, last_downloaded, created_at);
	CREATE INDEX IF NOT EXISTS idx_asset_repository ON asset(repository_id, component_id, last_downloaded, created_at);
	CREATE INDEX IF NOT EXISTS idx_asset_component ON asset(component_id);
	CREATE INDEX IF NOT EXISTS idx_asset_blob_store ON asset(blob_store);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) checkWritable() error {
	if s.frozen.Load() {
		return &freeze.FrozenError{Message: freeze.DefaultFrozenMessage}
	}
	return nil
}

// Name identifies the store in logs and backups.
func (s *Store) Name() string {
	return "content"
}

// Connect implements freeze.Provider.
func (s *Store) Connect(ctx context.Context) (freeze.Handle, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &handle{store: s, conn: conn}, nil
}

// handle freezes the database by checkpointing the WAL into the main file and
// switching the connection to query_only.
type handle struct {
	store *Store
	conn  *sql.Conn
}

func (h *handle) Freeze(ctx context.Context, frozen bool) error {
	if frozen {
		if _, err := h.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		if _, err := h.conn.ExecContext(ctx, "PRAGMA query_only = 1"); err != nil {
			return fmt.Errorf("enable query_only: %w", err)
		}
		h.store.frozen.Store(true)
		return nil
	}

	if _, err := h.conn.ExecContext(ctx, "PRAGMA query_only = 0"); err != nil {
		return fmt.Errorf("disable query_only: %w", err)
	}
	h.store.frozen.Store(false)
	return nil
}

func (h *handle) Close() error {
	return h.conn.Close()
}

// Snapshot copies the database file to w. The store must be frozen so the
// main file is checkpointed and stable.
func (s *Store) Snapshot(ctx context.Context, w io.Writer) (int64, error) {
	if !s.frozen.Load() {
		return 0, fmt.Errorf("snapshot %s: store is not frozen", s.Name())
	}
	// Holding the only connection keeps other statements out during the copy.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	f, err := os.Open(s.path)
	if err != nil {
		return 0, fmt.Errorf("open database file: %w", err)
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("copy database file: %w", err)
	}
	return n, nil
}

// SnapshotExt is the file extension for snapshots of this store.
func (s *Store) SnapshotExt() string {
	return ".db"
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
