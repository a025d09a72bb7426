// Package checkpoint tracks file mutations within a session's open
// change-set and provides the keep/revert/rewind gate over them. Original
// content is captured lazily at first touch; checkpoints are labeled
// copy-on-write snapshots of the tracked set.
package checkpoint

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/backend"
	"loom/internal/logging"
	"loom/internal/types"
)

// Manager owns one session's change-set. All methods are safe for
// concurrent use, though during an active run the orchestrator is the only
// writer.
type Manager struct {
	mu      sync.Mutex
	backend backend.Backend

	modified    map[types.SnapshotKey]types.FileSnapshot
	checkpoints []types.Checkpoint
	nextSeq     int
}

// NewManager builds an empty change-set bound to an execution backend.
func NewManager(b backend.Backend) *Manager {
	return &Manager{
		backend:  b,
		modified: make(map[types.SnapshotKey]types.FileSnapshot),
		nextSeq:  1,
	}
}

// normalizePath canonicalizes a backend-relative path so the same file
// always maps to the same snapshot key.
func normalizePath(p string) string {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "./")
	return p
}

func (m *Manager) key(p string) types.SnapshotKey {
	return types.SnapshotKey{BackendID: m.backend.ID(), Path: normalizePath(p)}
}

// Track captures a path's current content (or absence) before its first
// mutation in the open change-set. Subsequent calls for the same path are
// no-ops: the earliest capture is the one revert restores to.
func (m *Manager) Track(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.key(p)
	if _, ok := m.modified[key]; ok {
		return nil
	}

	snap, err := m.capture(key)
	if err != nil {
		return fmt.Errorf("capturing %s: %w", key.Path, err)
	}
	m.modified[key] = snap
	logging.CheckpointDebug("tracked %s (existed=%v)", key.Path, snap.ExistedBefore)
	return nil
}

// capture reads the current state of a path into a snapshot.
func (m *Manager) capture(key types.SnapshotKey) (types.FileSnapshot, error) {
	content, err := m.backend.ReadFile(key.Path)
	if errors.Is(err, backend.ErrNotFound) {
		return types.FileSnapshot{ExistedBefore: false}, nil
	}
	if err != nil {
		return types.FileSnapshot{}, err
	}
	return types.FileSnapshot{OriginalContent: content, ExistedBefore: true}, nil
}

// Checkpoint cuts a labeled snapshot of the change-set and returns its id.
// The tracked set is copied by reference; the current content of every
// tracked path is also captured so Rewind can restore this exact state.
func (m *Manager) Checkpoint(label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := make(map[types.SnapshotKey]types.FileSnapshot, len(m.modified))
	state := make(map[types.SnapshotKey]types.FileSnapshot, len(m.modified))
	for key, snap := range m.modified {
		files[key] = snap
		current, err := m.capture(key)
		if err != nil {
			return "", fmt.Errorf("capturing state of %s: %w", key.Path, err)
		}
		state[key] = current
	}

	cp := types.Checkpoint{
		ID:        uuid.New().String(),
		Seq:       m.nextSeq,
		Label:     label,
		Files:     files,
		State:     state,
		CreatedAt: time.Now(),
	}
	m.nextSeq++
	m.checkpoints = append(m.checkpoints, cp)
	logging.Checkpoint("checkpoint %s (%q) seq=%d files=%d", cp.ID, label, cp.Seq, len(files))
	return cp.ID, nil
}

// Keep commits the current file state as permanent and discards the
// change-set. Calling Keep with nothing tracked is a no-op.
func (m *Manager) Keep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.modified) == 0 && len(m.checkpoints) == 0 {
		return
	}
	logging.Checkpoint("keep: committing %d files, dropping %d checkpoints",
		len(m.modified), len(m.checkpoints))
	m.modified = make(map[types.SnapshotKey]types.FileSnapshot)
	m.checkpoints = nil
}

// Revert restores every tracked path to its pre-change-set state: original
// content for files that existed, deletion for files created within the
// change-set. Paths that fail to restore are returned and stay tracked;
// the operation never aborts partway.
func (m *Manager) Revert() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed []string
	for key, snap := range m.modified {
		if err := m.restore(key, snap); err != nil {
			logging.Checkpoint("revert failed for %s: %v", key.Path, err)
			failed = append(failed, key.Path)
			continue
		}
		delete(m.modified, key)
	}
	m.checkpoints = nil
	sort.Strings(failed)
	logging.Checkpoint("revert: %d failures, %d still tracked", len(failed), len(m.modified))
	return failed
}

// restore writes a snapshot back to the backend. A delete of an
// already-absent path counts as success.
func (m *Manager) restore(key types.SnapshotKey, snap types.FileSnapshot) error {
	if snap.ExistedBefore {
		return m.backend.WriteFile(key.Path, snap.OriginalContent)
	}
	err := m.backend.Remove(key.Path)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	return nil
}

// Rewind restores file state to exactly what it was when the checkpoint was
// captured. Paths first touched after the checkpoint are reverted to their
// originals and untracked; paths tracked at the checkpoint are restored to
// their captured state and stay tracked. Checkpoints after the target are
// discarded; the target itself survives and can be rewound to again.
// An unknown id fails with ErrNoSuchCheckpoint and mutates nothing.
func (m *Manager) Rewind(id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, cp := range m.checkpoints {
		if cp.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("checkpoint %s: %w", id, types.ErrNoSuchCheckpoint)
	}
	target := m.checkpoints[idx]

	var failed []string
	stillTracked := make(map[types.SnapshotKey]types.FileSnapshot)

	// Paths touched only after the checkpoint go back to their originals.
	// A path that fails to restore stays tracked so its original is not lost.
	for key, snap := range m.modified {
		if _, tracked := target.Files[key]; tracked {
			continue
		}
		if err := m.restore(key, snap); err != nil {
			logging.Checkpoint("rewind: reverting %s failed: %v", key.Path, err)
			failed = append(failed, key.Path)
			stillTracked[key] = snap
		}
	}

	// Paths tracked at the checkpoint return to their captured state.
	for key := range target.Files {
		if err := m.restore(key, target.State[key]); err != nil {
			logging.Checkpoint("rewind: restoring %s failed: %v", key.Path, err)
			failed = append(failed, key.Path)
		}
	}

	m.modified = make(map[types.SnapshotKey]types.FileSnapshot, len(target.Files))
	for key, snap := range target.Files {
		m.modified[key] = snap
	}
	for key, snap := range stillTracked {
		m.modified[key] = snap
	}
	m.checkpoints = m.checkpoints[:idx+1]
	sort.Strings(failed)
	logging.Checkpoint("rewind to %s (seq=%d): %d failures, %d tracked", id, target.Seq, len(failed), len(m.modified))
	return failed, nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Modified returns a copy of the tracked change-set.
func (m *Manager) Modified() map[types.SnapshotKey]types.FileSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[types.SnapshotKey]types.FileSnapshot, len(m.modified))
	for key, snap := range m.modified {
		out[key] = snap
	}
	return out
}

// Checkpoints returns the checkpoint list, oldest first.
func (m *Manager) Checkpoints() []types.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Checkpoint(nil), m.checkpoints...)
}

// HasChanges reports whether any path is tracked.
func (m *Manager) HasChanges() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.modified) > 0
}

// TouchedPaths returns the tracked paths in sorted order.
func (m *Manager) TouchedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.modified))
	for key := range m.modified {
		paths = append(paths, key.Path)
	}
	sort.Strings(paths)
	return paths
}

// Original returns the pre-change-set snapshot for a path, if tracked.
func (m *Manager) Original(p string) (types.FileSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.modified[m.key(p)]
	return snap, ok
}

// Restore loads persisted change-set state, replacing the current one.
// Used when resuming a session that was saved mid-change-set.
func (m *Manager) Restore(modified map[types.SnapshotKey]types.FileSnapshot, checkpoints []types.Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.modified = make(map[types.SnapshotKey]types.FileSnapshot, len(modified))
	for key, snap := range modified {
		m.modified[key] = snap
	}
	m.checkpoints = append([]types.Checkpoint(nil), checkpoints...)
	m.nextSeq = 1
	for _, cp := range m.checkpoints {
		if cp.Seq >= m.nextSeq {
			m.nextSeq = cp.Seq + 1
		}
	}
}
