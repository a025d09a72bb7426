package store

import (
	"encoding/json"
	"fmt"

	"loom/internal/logging"
	"loom/internal/types"
)

// snapshotEntry is the JSON row form of one (key, snapshot) pair. Map keys
// in Go are structs and do not round-trip through JSON object keys, so
// checkpoint file sets are stored as entry lists.
type snapshotEntry struct {
	BackendID       string `json:"backend_id"`
	Path            string `json:"path"`
	OriginalContent []byte `json:"original_content,omitempty"`
	ExistedBefore   bool   `json:"existed_before"`
}

func encodeSnapshotMap(m map[types.SnapshotKey]types.FileSnapshot) (string, error) {
	entries := make([]snapshotEntry, 0, len(m))
	for key, snap := range m {
		entries = append(entries, snapshotEntry{
			BackendID:       key.BackendID,
			Path:            key.Path,
			OriginalContent: snap.OriginalContent,
			ExistedBefore:   snap.ExistedBefore,
		})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeSnapshotMap(data string) (map[types.SnapshotKey]types.FileSnapshot, error) {
	var entries []snapshotEntry
	if data != "" {
		if err := json.Unmarshal([]byte(data), &entries); err != nil {
			return nil, err
		}
	}
	m := make(map[types.SnapshotKey]types.FileSnapshot, len(entries))
	for _, e := range entries {
		key := types.SnapshotKey{BackendID: e.BackendID, Path: e.Path}
		m[key] = types.FileSnapshot{OriginalContent: e.OriginalContent, ExistedBefore: e.ExistedBefore}
	}
	return m, nil
}

// SaveChangeSet replaces the persisted snapshots and checkpoints for a
// session with the given state, atomically.
func (s *Store) SaveChangeSet(sessionID string, modified map[types.SnapshotKey]types.FileSnapshot, checkpoints []types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin change-set save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM snapshots WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	for key, snap := range modified {
		_, err := tx.Exec(
			`INSERT INTO snapshots (session_id, backend_id, path, original_content, existed_before)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, key.BackendID, key.Path, snap.OriginalContent, boolToInt(snap.ExistedBefore),
		)
		if err != nil {
			return fmt.Errorf("failed to save snapshot %s: %w", key.Path, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	for _, cp := range checkpoints {
		files, err := encodeSnapshotMap(cp.Files)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint files: %w", err)
		}
		state, err := encodeSnapshotMap(cp.State)
		if err != nil {
			return fmt.Errorf("failed to encode checkpoint state: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO checkpoints (id, session_id, seq, label, files, state, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, sessionID, cp.Seq, cp.Label, files, state, cp.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit change-set: %w", err)
	}
	logging.StoreDebug("Saved change-set for %s: %d snapshots, %d checkpoints",
		sessionID, len(modified), len(checkpoints))
	return nil
}

// loadSnapshots reads the tracked file set for a session. Caller holds the
// lock.
func (s *Store) loadSnapshots(sessionID string) (map[types.SnapshotKey]types.FileSnapshot, error) {
	rows, err := s.db.Query(
		`SELECT backend_id, path, original_content, existed_before
		 FROM snapshots WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	m := make(map[types.SnapshotKey]types.FileSnapshot)
	for rows.Next() {
		var key types.SnapshotKey
		var content []byte
		var existed int
		if err := rows.Scan(&key.BackendID, &key.Path, &content, &existed); err != nil {
			logging.StoreDebug("Skipping unreadable snapshot row: %v", err)
			continue
		}
		m[key] = types.FileSnapshot{OriginalContent: content, ExistedBefore: existed != 0}
	}
	return m, rows.Err()
}

// loadCheckpoints reads the checkpoint list, oldest first. Caller holds the
// lock.
func (s *Store) loadCheckpoints(sessionID string) ([]types.Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, seq, label, files, state, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []types.Checkpoint
	for rows.Next() {
		var cp types.Checkpoint
		var files, state string
		if err := rows.Scan(&cp.ID, &cp.Seq, &cp.Label, &files, &state, &cp.CreatedAt); err != nil {
			logging.StoreDebug("Skipping unreadable checkpoint row: %v", err)
			continue
		}
		if cp.Files, err = decodeSnapshotMap(files); err != nil {
			logging.StoreDebug("Skipping checkpoint %s with unreadable files: %v", cp.ID, err)
			continue
		}
		if cp.State, err = decodeSnapshotMap(state); err != nil {
			logging.StoreDebug("Skipping checkpoint %s with unreadable state: %v", cp.ID, err)
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
