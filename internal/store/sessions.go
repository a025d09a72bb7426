package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loom/internal/logging"
	"loom/internal/types"
)

// SaveSession upserts the session row. The change-set (snapshots and
// checkpoints) is saved separately via SaveChangeSet; the event log is
// append-only and owned by the event broker.
func (s *Store) SaveSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	var plan sql.NullString
	if sess.PendingPlan != nil {
		data, err := json.Marshal(sess.PendingPlan)
		if err != nil {
			return fmt.Errorf("failed to marshal pending plan: %w", err)
		}
		plan = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (id, name, backend_id, status, history, pending_plan,
			input_tokens, output_tokens, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			backend_id = excluded.backend_id,
			status = excluded.status,
			history = excluded.history,
			pending_plan = excluded.pending_plan,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			updated_at = excluded.updated_at`,
		sess.ID, sess.Name, sess.BackendID, string(sess.Status), string(history), plan,
		sess.Usage.InputTokens, sess.Usage.OutputTokens, sess.CreatedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}

	logging.StoreDebug("Saved session %s (%d turns, status=%s)", sess.ID, len(sess.History), sess.Status)
	return nil
}

// LoadSession loads a session with its change-set. Missing or NULL optional
// columns default rather than fail, so older databases stay loadable.
func (s *Store) LoadSession(id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, name, backend_id, status, history, pending_plan,
			input_tokens, output_tokens, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNoSuchSession)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	sess.ModifiedFiles, err = s.loadSnapshots(id)
	if err != nil {
		return nil, err
	}
	sess.Checkpoints, err = s.loadCheckpoints(id)
	if err != nil {
		return nil, err
	}

	logging.StoreDebug("Loaded session %s (%d turns, %d tracked files, %d checkpoints)",
		id, len(sess.History), len(sess.ModifiedFiles), len(sess.Checkpoints))
	return sess, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var sess types.Session
	var status, history string
	var plan sql.NullString

	err := row.Scan(&sess.ID, &sess.Name, &sess.BackendID, &status, &history, &plan,
		&sess.Usage.InputTokens, &sess.Usage.OutputTokens, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sess.Status = types.SessionStatus(status)
	if sess.Status == "" {
		sess.Status = types.StatusIdle
	}
	if err := json.Unmarshal([]byte(history), &sess.History); err != nil {
		// A corrupt history column loses the conversation, not the session.
		logging.StoreDebug("Discarding unreadable history for session %s: %v", sess.ID, err)
		sess.History = nil
	}
	if plan.Valid && plan.String != "" {
		var p types.Plan
		if err := json.Unmarshal([]byte(plan.String), &p); err == nil {
			sess.PendingPlan = &p
		}
	}
	sess.ModifiedFiles = make(map[types.SnapshotKey]types.FileSnapshot)
	return &sess, nil
}

// ListSessions returns all sessions without their change-sets, most recently
// updated first.
func (s *Store) ListSessions() ([]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, name, backend_id, status, history, pending_plan,
			input_tokens, output_tokens, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			logging.StoreDebug("Skipping unreadable session row: %v", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and everything keyed to it.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session %s: %w", id, types.ErrNoSuchSession)
	}

	for _, table := range []string{"snapshots", "checkpoints", "event_log"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete %s for session %s: %w", table, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	logging.StoreDebug("Deleted session %s", id)
	return nil
}
