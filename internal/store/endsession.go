package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// EndSessionResult is what EndSessionTx reports back to the Session Manager.
type EndSessionResult struct {
	DurationSeconds int
}

// EndSessionTx performs every write a session-end implies as a single
// transaction: delete its presences, mark it ended, and (when the session
// crossed the one-minute threshold) accumulate the moment's minute counter.
// All steps succeed or none do.
func (s *Store) EndSessionTx(ctx context.Context, sessionID string, now time.Time) (*EndSessionResult, error) {
	var result EndSessionResult

	err := s.bun.RunInTx(ctx, nil, func(txCtx context.Context, tx bun.Tx) error {
		var sess Session
		if err := tx.NewSelect().Model(&sess).Where("id = ?", sessionID).Scan(txCtx); err != nil {
			return err
		}
		if sess.EndedAt != nil {
			return ErrAlreadyEnded
		}

		durationSeconds := int(now.Sub(sess.StartedAt) / time.Second)
		if durationSeconds < 0 {
			durationSeconds = 0
		}

		if _, err := tx.NewDelete().Model((*Presence)(nil)).Where("session_id = ?", sessionID).Exec(txCtx); err != nil {
			return err
		}

		if _, err := tx.NewUpdate().Model((*Session)(nil)).
			Set("ended_at = ?", now).
			Set("duration_seconds = ?", durationSeconds).
			Where("id = ?", sessionID).
			Exec(txCtx); err != nil {
			return err
		}

		if durationSeconds >= 60 {
			minutes := durationSeconds / 60
			if _, err := tx.NewUpdate().Model((*Moment)(nil)).
				Set("total_minutes_present = total_minutes_present + ?", minutes).
				Where("id = ?", sess.MomentID).
				Exec(txCtx); err != nil {
				return err
			}
		}

		result.DurationSeconds = durationSeconds
		return nil
	})

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err == ErrAlreadyEnded {
		return nil, ErrAlreadyEnded
	}
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	return &result, nil
}
