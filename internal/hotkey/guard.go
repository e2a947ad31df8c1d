package hotkey

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/loykin/scriptvisor/internal/clock"
	"github.com/loykin/scriptvisor/internal/logger"
	"github.com/loykin/scriptvisor/internal/metrics"
	"github.com/loykin/scriptvisor/internal/store"
)

// ErrNoLocation is returned when no candidate directory for the resource is configured.
var ErrNoLocation = errors.New("hotkey resource location unknown")

// Options describes the shared hotkey file and how to find it.
type Options struct {
	Path           string        `mapstructure:"path"` // explicit resource path; skips discovery
	FileName       string        `mapstructure:"file"`
	Section        string        `mapstructure:"section"`
	Keys           []string      `mapstructure:"keys"`
	UserDirEnv     string        `mapstructure:"userDirEnv"`
	SharedDirEnv   string        `mapstructure:"sharedDirEnv"`
	ExecutablePath string        `mapstructure:"-"` // wrapperPath; its directory is the last candidate
	SafetyTimeout  time.Duration `mapstructure:"safetyTimeout"`
	LockDir        string        `mapstructure:"lockDir"`
	StateDB        string        `mapstructure:"stateDB"`

	Getenv func(string) string `mapstructure:"-"`
}

// DefaultOptions returns the AutoIt3Wrapper layout.
func DefaultOptions() Options {
	return Options{
		FileName:      "AutoIt3Wrapper.ini",
		Section:       "Other",
		Keys:          []string{"SciTE_STOPEXECUTE", "SciTE_RESTART"},
		UserDirEnv:    "SCITE_USERHOME",
		SharedDirEnv:  "SCITE_HOME",
		SafetyTimeout: 10 * time.Second,
	}
}

// Guard disables the interpreter's own hotkeys while any run is active and
// restores the resource byte for byte once the last run released it or
// the safety timeout fired, whichever comes first.
type Guard struct {
	opts  Options
	clk   clock.Clock
	log   *slog.Logger
	st    store.SnapshotStore
	owner string

	mu       sync.Mutex
	path     string
	located  bool
	original []byte
	absent   bool
	captured bool
	active   map[int]struct{}
	safety   clock.Timer
	gen      uint64
	holder   *flock.Flock // shared lock held while this guard keeps the resource disabled
}

// New creates a Guard. st may be nil, in which case snapshots are not persisted.
func New(opts Options, st store.SnapshotStore, clk clock.Clock, log *slog.Logger) *Guard {
	def := DefaultOptions()
	if opts.FileName == "" {
		opts.FileName = def.FileName
	}
	if opts.Section == "" {
		opts.Section = def.Section
	}
	if len(opts.Keys) == 0 {
		opts.Keys = def.Keys
	}
	if opts.LockDir == "" {
		opts.LockDir = os.TempDir()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Guard{
		opts:   opts,
		clk:    clk,
		log:    logger.OrDefault(log).With("component", "hotkey"),
		st:     st,
		owner:  uuid.NewString(),
		active: make(map[int]struct{}),
	}
}

// Owner identifies this guard in persisted snapshots.
func (g *Guard) Owner() string { return g.owner }

// Acquire registers run id as a user of the resource. The first user
// snapshots the resource and writes the disabled copy. A failed write
// removes id again and is returned; every other failure is logged and
// the guard behaves as a no-op.
func (g *Guard) Acquire(id int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopSafety()
	g.active[id] = struct{}{}
	if len(g.active) == 1 && !g.captured {
		if err := g.disable(); err != nil {
			delete(g.active, id)
			return err
		}
	}
	g.armSafety()
	return nil
}

// Release drops run id; the last release restores the resource.
func (g *Guard) Release(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, id)
	if len(g.active) == 0 {
		g.stopSafety()
		g.restore()
	}
}

// ReleaseAll drops every user and restores the resource.
func (g *Guard) ReleaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseAll()
}

// ForceReleaseAll is ReleaseAll for the safety timer and teardown.
func (g *Guard) ForceReleaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.active) > 0 || g.captured {
		metrics.IncHotkeyForcedRelease()
		g.log.Warn("forcing hotkey restore", "active", len(g.active))
	}
	g.releaseAll()
}

func (g *Guard) releaseAll() {
	clear(g.active)
	g.stopSafety()
	g.restore()
}

// ActiveCount returns the number of runs currently holding the resource.
func (g *Guard) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Disabled reports whether the resource currently holds the disabled copy.
func (g *Guard) Disabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captured
}

// Path returns the resource path, discovering it on first use.
func (g *Guard) Path() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locate()
}

// Recover restores resources left disabled by a previous process that
// died before releasing them. It returns how many were restored. A
// resource still held by a live guard, in this or another process, is
// left alone.
func (g *Guard) Recover(ctx context.Context) (int, error) {
	var snaps []store.Snapshot
	if g.st != nil {
		var err error
		snaps, err = g.st.ListSnapshots(ctx)
		if err != nil {
			return 0, fmt.Errorf("list snapshots: %w", err)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if path, err := g.locate(); err == nil && !containsPath(snaps, path) {
		if content, absent, ok := g.readSidecar(path); ok {
			snaps = append(snaps, store.Snapshot{Path: path, Content: content, Absent: absent})
		}
	}
	n := 0
	for _, s := range snaps {
		if g.captured && s.Path == g.path {
			continue
		}
		if g.recoverOne(ctx, s) {
			n++
		}
	}
	return n, nil
}

func (g *Guard) recoverOne(ctx context.Context, s store.Snapshot) bool {
	unlock := g.lockFile(s.Path)
	defer unlock()
	if g.heldElsewhere(s.Path) {
		g.log.Debug("hotkey resource in use by a live session", "path", s.Path, "owner", s.Owner)
		return false
	}
	// the sidecar wins: it always carries the bytes from before the first disable
	content, absent := s.Content, s.Absent
	if c, a, ok := g.readSidecar(s.Path); ok {
		content, absent = c, a
	}
	if err := writeBack(s.Path, content, absent); err != nil {
		g.log.Warn("recover hotkey resource failed", "path", s.Path, "owner", s.Owner, "err", err)
		return false
	}
	g.removeSidecar(s.Path)
	if g.st != nil {
		if err := g.st.DeleteSnapshot(ctx, s.Path); err != nil {
			g.log.Warn("delete snapshot failed", "path", s.Path, "err", err)
		}
	}
	g.log.Info("recovered hotkey resource", "path", s.Path, "owner", s.Owner, "captured_at", s.CapturedAt)
	metrics.IncHotkeyRestore()
	return true
}

func containsPath(snaps []store.Snapshot, path string) bool {
	for _, s := range snaps {
		if s.Path == path {
			return true
		}
	}
	return false
}

// disable snapshots and rewrites the resource. When another guard already
// holds it disabled, the original it captured is adopted and the file is
// left as it is. Caller holds g.mu.
func (g *Guard) disable() error {
	path, err := g.locate()
	if err != nil {
		g.log.Warn("hotkey resource not located; guard disabled", "err", err)
		return nil
	}
	unlock := g.lockFile(path)
	defer unlock()

	shared := g.heldElsewhere(path)
	orig, absent, known := g.readSidecar(path)
	if !known {
		orig, absent, known = g.loadSnapshot(path)
	}
	if shared {
		if !known {
			g.log.Warn("hotkeys disabled by another session without a recorded original", "path", path)
			orig, absent = readResource(path, g.log)
		}
		g.persist(path, orig, absent)
		g.hold(path)
		g.original, g.absent, g.captured = orig, absent, true
		g.log.Debug("hotkeys already disabled by another session", "path", path)
		return nil
	}

	// a sidecar or snapshot nobody holds is left by a crashed session: the
	// file still has the disabled copy, so the recorded bytes are the original
	if !known {
		orig, absent = readResource(path, g.log)
	}
	g.writeSidecar(path, orig, absent)
	g.persist(path, orig, absent)
	if err := os.WriteFile(path, disableKeys(orig, g.opts.Section, g.opts.Keys), fileMode(path)); err != nil {
		g.removeSidecar(path)
		g.forget(path)
		return fmt.Errorf("disable hotkeys in %s: %w", path, err)
	}
	g.hold(path)
	g.original, g.absent, g.captured = orig, absent, true
	metrics.IncHotkeyAcquire()
	g.log.Debug("hotkeys disabled", "path", path, "absent", absent)
	return nil
}

// restore puts the snapshot back unless another guard still holds the
// resource disabled. Caller holds g.mu.
func (g *Guard) restore() {
	if !g.captured {
		return
	}
	path := g.path
	unlock := g.lockFile(path)
	defer unlock()
	g.unhold()
	orig, absent := g.original, g.absent
	g.captured, g.original, g.absent = false, nil, false
	if g.heldElsewhere(path) {
		g.log.Debug("hotkeys stay disabled for another session", "path", path)
		return
	}
	if err := writeBack(path, orig, absent); err != nil {
		// the sidecar and persisted snapshot stay behind for Recover
		g.log.Warn("restore hotkey resource failed", "path", path, "err", err)
		return
	}
	g.removeSidecar(path)
	g.forget(path)
	metrics.IncHotkeyRestore()
	g.log.Debug("hotkeys restored", "path", path)
}

// readResource returns the file content, or absent when it does not
// exist or cannot be read.
func readResource(path string, log *slog.Logger) ([]byte, bool) {
	b, err := os.ReadFile(path) // #nosec G304 path comes from configuration
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn("hotkey resource unreadable", "path", path, "err", err)
		}
		return nil, true
	}
	return b, false
}

func writeBack(path string, content []byte, absent bool) error {
	if absent {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return os.WriteFile(path, content, fileMode(path))
}

func fileMode(path string) fs.FileMode {
	if fi, err := os.Stat(path); err == nil {
		return fi.Mode().Perm()
	}
	return 0o644
}

// locate resolves the resource path once per guard. Caller holds g.mu.
func (g *Guard) locate() (string, error) {
	if g.located {
		return g.path, nil
	}
	path := g.opts.Path
	if path == "" {
		var candidates []string
		for _, env := range []string{g.opts.UserDirEnv, g.opts.SharedDirEnv} {
			if env == "" {
				continue
			}
			if d := g.opts.Getenv(env); d != "" {
				candidates = append(candidates, d)
			}
		}
		if g.opts.ExecutablePath != "" {
			candidates = append(candidates, filepath.Dir(g.opts.ExecutablePath))
		}
		if len(candidates) == 0 {
			return "", ErrNoLocation
		}
		dir := candidates[len(candidates)-1]
		for _, c := range candidates {
			if fi, err := os.Stat(c); err == nil && fi.IsDir() {
				dir = c
				break
			}
		}
		path = filepath.Join(dir, g.opts.FileName)
	}
	g.path, g.located = path, true
	return path, nil
}

func (g *Guard) armSafety() {
	if g.opts.SafetyTimeout <= 0 {
		return
	}
	g.gen++
	gen := g.gen
	g.safety = g.clk.AfterFunc(g.opts.SafetyTimeout, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.gen != gen {
			return
		}
		if len(g.active) > 0 || g.captured {
			metrics.IncHotkeyForcedRelease()
			g.log.Warn("hotkey safety timeout fired", "active", len(g.active))
		}
		g.releaseAll()
	})
}

func (g *Guard) stopSafety() {
	g.gen++
	if g.safety != nil {
		g.safety.Stop()
		g.safety = nil
	}
}

func (g *Guard) persist(path string, content []byte, absent bool) {
	if g.st == nil {
		return
	}
	err := g.st.SaveSnapshot(context.Background(), store.Snapshot{
		Path: path, Owner: g.owner, Absent: absent, Content: content, CapturedAt: g.clk.Now(),
	})
	if err != nil {
		g.log.Warn("persist hotkey snapshot failed", "path", path, "err", err)
	}
}

func (g *Guard) forget(path string) {
	if g.st == nil {
		return
	}
	if err := g.st.DeleteSnapshot(context.Background(), path); err != nil {
		g.log.Warn("delete hotkey snapshot failed", "path", path, "err", err)
	}
}

// lockBase is the per-resource prefix of the lock, hold and sidecar files.
func (g *Guard) lockBase(path string) string {
	sum := sha1.Sum([]byte(path)) // #nosec G401 lock file naming only
	return filepath.Join(g.opts.LockDir, "scriptvisor-"+hex.EncodeToString(sum[:6]))
}

// lockFile takes the cross-process mutation lock for path. Failure to
// lock is logged and the caller proceeds unlocked.
func (g *Guard) lockFile(path string) func() {
	fl := flock.New(g.lockBase(path) + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := fl.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil || !ok {
		g.log.Warn("hotkey lock not acquired", "path", path, "err", err)
		return func() {}
	}
	return func() { _ = fl.Unlock() }
}

// hold takes the shared holder lock for path. Caller holds the mutation lock.
func (g *Guard) hold(path string) {
	if g.holder != nil {
		return
	}
	fl := flock.New(g.lockBase(path) + ".hold")
	ok, err := fl.TryRLock()
	if err != nil || !ok {
		g.log.Warn("hotkey holder lock not acquired", "path", path, "err", err)
		return
	}
	g.holder = fl
}

func (g *Guard) unhold() {
	if g.holder == nil {
		return
	}
	if err := g.holder.Unlock(); err != nil {
		g.log.Warn("release hotkey holder lock failed", "err", err)
	}
	g.holder = nil
}

// heldElsewhere reports whether any guard other than g holds path disabled.
// Caller holds the mutation lock and has released its own holder lock.
func (g *Guard) heldElsewhere(path string) bool {
	fl := flock.New(g.lockBase(path) + ".hold")
	ok, err := fl.TryLock()
	if err != nil {
		g.log.Warn("hotkey holder check failed", "path", path, "err", err)
		return false
	}
	if ok {
		_ = fl.Unlock()
		return false
	}
	return true
}

// The sidecar keeps the pre-disable bytes next to the lock files so that
// guards without a shared snapshot store still agree on the original.
const (
	sidecarPresent byte = 'P'
	sidecarAbsent  byte = 'A'
)

func (g *Guard) readSidecar(path string) ([]byte, bool, bool) {
	b, err := os.ReadFile(g.lockBase(path) + ".snap")
	if err != nil || len(b) == 0 {
		return nil, false, false
	}
	switch b[0] {
	case sidecarAbsent:
		return nil, true, true
	case sidecarPresent:
		return b[1:], false, true
	default:
		return nil, false, false
	}
}

func (g *Guard) writeSidecar(path string, content []byte, absent bool) {
	b := []byte{sidecarPresent}
	if absent {
		b[0] = sidecarAbsent
	} else {
		b = append(b, content...)
	}
	if err := os.WriteFile(g.lockBase(path)+".snap", b, 0o600); err != nil {
		g.log.Warn("write hotkey sidecar failed", "path", path, "err", err)
	}
}

func (g *Guard) removeSidecar(path string) {
	if err := os.Remove(g.lockBase(path) + ".snap"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		g.log.Warn("remove hotkey sidecar failed", "path", path, "err", err)
	}
}

func (g *Guard) loadSnapshot(path string) ([]byte, bool, bool) {
	if g.st == nil {
		return nil, false, false
	}
	snap, err := g.st.LoadSnapshot(context.Background(), path)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.log.Warn("load hotkey snapshot failed", "path", path, "err", err)
		}
		return nil, false, false
	}
	return snap.Content, snap.Absent, true
}
