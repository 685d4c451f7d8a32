package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.bun.NewInsert().Model(sess).Exec(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FindSession returns a session by id, or nil if none exists.
func (s *Store) FindSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.bun.NewSelect().Model(&sess).Where("id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &sess, nil
}

// SessionPatch carries the fields UpdateSession is allowed to mutate.
type SessionPatch struct {
	Token           *string
	EndedAt         *time.Time
	DurationSeconds *int
}

// UpdateSession applies a patch to a session row.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	q := s.bun.NewUpdate().Model((*Session)(nil)).Where("id = ?", id)

	touched := false
	if patch.Token != nil {
		q = q.Set("token = ?", *patch.Token)
		touched = true
	}
	if patch.EndedAt != nil {
		q = q.Set("ended_at = ?", *patch.EndedAt)
		touched = true
	}
	if patch.DurationSeconds != nil {
		q = q.Set("duration_seconds = ?", *patch.DurationSeconds)
		touched = true
	}
	if !touched {
		return nil
	}

	result, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FindStaleSessions returns open sessions (endedAt is null) with no presence
// heartbeat more recent than cutoff, across all their presences. A session
// with no presences at all is considered stale once it is older than cutoff.
func (s *Store) FindStaleSessions(ctx context.Context, cutoff time.Time) ([]Session, error) {
	var sessions []Session
	err := s.bun.NewSelect().Model(&sessions).
		Where("ended_at IS NULL").
		Where("started_at < ?", cutoff).
		Where("id NOT IN (SELECT session_id FROM presences WHERE last_heartbeat_at >= ?)", cutoff).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find stale sessions: %w", err)
	}
	return sessions, nil
}
