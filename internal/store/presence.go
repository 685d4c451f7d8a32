package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreatePresence inserts a new presence row, the write-through mirror of a
// successful join.
func (s *Store) CreatePresence(ctx context.Context, p *Presence) error {
	_, err := s.bun.NewInsert().Model(p).Exec(ctx)
	if err != nil {
		return fmt.Errorf("create presence: %w", err)
	}
	return nil
}

// DeletePresenceBySocketID removes the presence row for a socket, if any.
// Deleting a socket with no row is not an error.
func (s *Store) DeletePresenceBySocketID(ctx context.Context, socketID string) error {
	_, err := s.bun.NewDelete().Model((*Presence)(nil)).Where("socket_id = ?", socketID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete presence by socket id: %w", err)
	}
	return nil
}

// DeletePresencesBySessionID removes every presence row belonging to a
// session, used when a session ends.
func (s *Store) DeletePresencesBySessionID(ctx context.Context, sessionID string) error {
	_, err := s.bun.NewDelete().Model((*Presence)(nil)).Where("session_id = ?", sessionID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete presences by session id: %w", err)
	}
	return nil
}

// UpdatePresenceHeartbeat advances the durable last_heartbeat_at for a
// socket. The registry only calls this on a throttled cadence, never on
// every inbound heartbeat frame.
func (s *Store) UpdatePresenceHeartbeat(ctx context.Context, socketID string, ts time.Time) error {
	result, err := s.bun.NewUpdate().Model((*Presence)(nil)).
		Set("last_heartbeat_at = ?", ts).
		Where("socket_id = ?", socketID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update presence heartbeat: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update presence heartbeat: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountPresences returns the number of live presence rows, scoped to a
// moment when momentID is non-empty.
func (s *Store) CountPresences(ctx context.Context, momentID string) (int, error) {
	q := s.bun.NewSelect().Model((*Presence)(nil))
	if momentID != "" {
		q = q.Where("moment_id = ?", momentID)
	}
	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count presences: %w", err)
	}
	return count, nil
}
