package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"loom/internal/logging"
	"loom/internal/types"
)

// AppendEvent persists one event at its sequence number. The (session_id,
// seq) primary key makes accidental double-writes fail loudly instead of
// corrupting replay.
func (s *Store) AppendEvent(e types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO event_log (session_id, seq, kind, payload) VALUES (?, ?, ?, ?)`,
		e.SessionID, e.Seq, string(e.Kind), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append event %s/%d: %w", e.SessionID, e.Seq, err)
	}
	return nil
}

// LoadEvents returns a session's persisted events ordered by sequence.
func (s *Store) LoadEvents(sessionID string) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT payload FROM event_log WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		var e types.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			logging.StoreDebug("Skipping unreadable event for %s: %v", sessionID, err)
			continue
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// NextEventSeq returns the sequence number the next event for this session
// should carry.
func (s *Store) NextEventSeq(sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(seq) FROM event_log WHERE session_id = ?`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read event sequence: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// EventCount returns the number of persisted events for a session.
func (s *Store) EventCount(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM event_log WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
