package store

import (
	"context"
	"errors"
	"time"
)

// Snapshot is the original content of a shared resource captured before
// it was modified. It lets a later process put the resource back when the
// process that modified it died before restoring it.
type Snapshot struct {
	Path       string
	Owner      string // id of the guard instance that captured it
	Absent     bool   // the resource did not exist before modification
	Content    []byte
	CapturedAt time.Time
}

// ErrNotFound is returned when no snapshot exists for a path.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore persists at most one snapshot per resource path.
type SnapshotStore interface {
	EnsureSchema(ctx context.Context) error
	SaveSnapshot(ctx context.Context, s Snapshot) error
	LoadSnapshot(ctx context.Context, path string) (Snapshot, error)
	DeleteSnapshot(ctx context.Context, path string) error
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	Close() error
}
