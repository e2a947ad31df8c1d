package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements SnapshotStore on modernc.org/sqlite (CGO-free).
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and ensures the schema.
// An empty path or ":memory:" gives an in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		p = ":memory:"
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// a single connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	s := &SQLite{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS resource_snapshot(
		path TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		absent BOOLEAN NOT NULL,
		content BLOB NULL,
		captured_at INTEGER NOT NULL
	);`)
	return err
}

func (s *SQLite) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.Path == "" {
		return errors.New("snapshot requires path")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_snapshot(path, owner, absent, content, captured_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			owner=excluded.owner, absent=excluded.absent,
			content=excluded.content, captured_at=excluded.captured_at;`,
		snap.Path, snap.Owner, snap.Absent, snap.Content, snap.CapturedAt.UnixMilli())
	return err
}

func (s *SQLite) LoadSnapshot(ctx context.Context, path string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT path, owner, absent, content, captured_at FROM resource_snapshot WHERE path = ?;`, path)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	return snap, err
}

func (s *SQLite) DeleteSnapshot(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resource_snapshot WHERE path = ?;`, path)
	return err
}

func (s *SQLite) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, owner, absent, content, captured_at FROM resource_snapshot ORDER BY captured_at;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r scanner) (Snapshot, error) {
	var (
		snap    Snapshot
		content []byte
		ms      int64
	)
	if err := r.Scan(&snap.Path, &snap.Owner, &snap.Absent, &content, &ms); err != nil {
		return Snapshot{}, err
	}
	snap.Content = content
	snap.CapturedAt = time.UnixMilli(ms).UTC()
	return snap, nil
}
