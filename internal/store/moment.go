package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateMoment inserts a new moment row. The administrative surface that
// will call this in production (moment create/activate) is not yet wired;
// today it is exercised by bootstrap tooling and tests.
func (s *Store) CreateMoment(ctx context.Context, m *Moment) error {
	_, err := s.bun.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("create moment: %w", err)
	}
	return nil
}

// FindMomentByID returns a moment by id, or nil if no such moment exists.
func (s *Store) FindMomentByID(ctx context.Context, id string) (*Moment, error) {
	var m Moment
	err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find moment by id: %w", err)
	}
	return &m, nil
}

// FindFirstLive returns the (at most one) moment with status=live, or nil
// if none is currently live.
func (s *Store) FindFirstLive(ctx context.Context) (*Moment, error) {
	var m Moment
	err := s.bun.NewSelect().Model(&m).
		Where("status = ?", MomentStatusLive).
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find first live moment: %w", err)
	}
	return &m, nil
}

// MomentCounterDelta carries the counter adjustments applied by
// UpdateMomentCounters. Zero fields are left unchanged; Peak, when non-nil,
// is applied only if it strictly exceeds the stored value (the
// compare-and-update pattern required by the peak invariant).
type MomentCounterDelta struct {
	TotalSessionsDelta       int
	TotalMinutesPresentDelta int
	Peak                     *int
}

// UpdateMomentCounters applies an additive delta to a moment's aggregate
// counters, and raises peakPresence only if the candidate value is greater.
func (s *Store) UpdateMomentCounters(ctx context.Context, id string, delta MomentCounterDelta) error {
	q := s.bun.NewUpdate().Model((*Moment)(nil)).Where("id = ?", id)

	if delta.TotalSessionsDelta != 0 {
		q = q.Set("total_sessions = total_sessions + ?", delta.TotalSessionsDelta)
	}
	if delta.TotalMinutesPresentDelta != 0 {
		q = q.Set("total_minutes_present = total_minutes_present + ?", delta.TotalMinutesPresentDelta)
	}
	if delta.Peak != nil {
		q = q.Set("peak_presence = CASE WHEN peak_presence < ? THEN ? ELSE peak_presence END", *delta.Peak, *delta.Peak)
	}

	if delta.TotalSessionsDelta == 0 && delta.TotalMinutesPresentDelta == 0 && delta.Peak == nil {
		return nil
	}

	_, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("update moment counters: %w", err)
	}
	return nil
}
