// File: internal/buildstate/sqlite.go
// Brief: SQLite store backend.

package buildstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteRelPath = ".stackctl/buildstate.sqlite"

// SQLiteStore keeps the buildstate of every stack in a single sqlite file.
// Save replaces a stack's rows in one transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLiteStore(root string) (*SQLiteStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return OpenSQLiteStoreAt(filepath.Join(absRoot, sqliteRelPath))
}

func OpenSQLiteStoreAt(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db, path: path, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS stackctl_stacks (
  stack TEXT PRIMARY KEY,
  api_version TEXT NOT NULL,
  release_name TEXT NOT NULL,
  last_run_id TEXT NOT NULL,
  updated_at_ns INTEGER NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS stackctl_buildstate (
  stack TEXT NOT NULL,
  unit TEXT NOT NULL,
  record_json TEXT NOT NULL,
  PRIMARY KEY (stack, unit),
  FOREIGN KEY (stack) REFERENCES stackctl_stacks(stack) ON DELETE CASCADE
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, stack string) (*State, error) {
	p := Persisted{APIVersion: APIVersion, Stack: stack, Units: map[string]Record{}}
	var updatedNS int64
	err := s.db.QueryRowContext(ctx, `
SELECT api_version, release_name, last_run_id, updated_at_ns FROM stackctl_stacks WHERE stack = ?
`, stack).Scan(&p.APIVersion, &p.ReleaseName, &p.LastRunID, &updatedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return NewState(stack), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load buildstate: %w", err)
	}
	if p.APIVersion != APIVersion {
		return nil, fmt.Errorf("buildstate %s: unsupported apiVersion %q", stack, p.APIVersion)
	}
	if updatedNS > 0 {
		p.UpdatedAt = time.Unix(0, updatedNS).UTC()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT unit, record_json FROM stackctl_buildstate WHERE stack = ? ORDER BY unit`, stack)
	if err != nil {
		return nil, fmt.Errorf("load buildstate units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var unit, raw string
		if err := rows.Scan(&unit, &raw); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode buildstate %s/%s: %w", stack, unit, err)
		}
		p.Units[unit] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return FromPersisted(p), nil
}

func (s *SQLiteStore) Save(ctx context.Context, stack string, st *State) error {
	if st == nil {
		return fmt.Errorf("buildstate is required")
	}
	p := st.Persisted()
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO stackctl_stacks (stack, api_version, release_name, last_run_id, updated_at_ns)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(stack) DO UPDATE SET
  api_version = excluded.api_version,
  release_name = excluded.release_name,
  last_run_id = excluded.last_run_id,
  updated_at_ns = excluded.updated_at_ns
`, stack, APIVersion, p.ReleaseName, p.LastRunID, now.UnixNano()); err != nil {
		return fmt.Errorf("save buildstate: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stackctl_buildstate WHERE stack = ?`, stack); err != nil {
		return fmt.Errorf("save buildstate: %w", err)
	}
	for unit, rec := range p.Units {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode buildstate %s: %w", unit, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO stackctl_buildstate (stack, unit, record_json) VALUES (?, ?, ?)
`, stack, unit, string(raw)); err != nil {
			return fmt.Errorf("save buildstate %s: %w", unit, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Reset(ctx context.Context, stack string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM stackctl_buildstate WHERE stack = ?`, stack); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stackctl_stacks WHERE stack = ?`, stack); err != nil {
		return err
	}
	return tx.Commit()
}
