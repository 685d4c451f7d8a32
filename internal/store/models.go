package store

import (
	"time"

	"github.com/uptrace/bun"
)

// MomentStatus is the lifecycle state of a Moment.
type MomentStatus string

const (
	MomentStatusScheduled MomentStatus = "scheduled"
	MomentStatusLive      MomentStatus = "live"
	MomentStatusEnded     MomentStatus = "ended"
)

// Moment is the ambient experience over which presence is counted. At most
// one row is ever status=live; the core trusts that invariant rather than
// enforcing it (the administrative surface that mutates status is out of
// scope).
type Moment struct {
	bun.BaseModel `bun:"table:moments"`

	ID                  string       `bun:"id,pk"`
	Slug                string       `bun:"slug,notnull,unique"`
	Title               string       `bun:"title,notnull"`
	Status              MomentStatus `bun:"status,notnull"`
	MaxParticipants     int          `bun:"max_participants,notnull"`
	DurationSeconds     int          `bun:"duration_seconds,notnull"`
	TotalSessions       int          `bun:"total_sessions,notnull,default:0"`
	TotalMinutesPresent int          `bun:"total_minutes_present,notnull,default:0"`
	PeakPresence        int          `bun:"peak_presence,notnull,default:0"`
	CreatedAt           time.Time    `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Session is one visitor's stay in one moment. It survives channel restarts
// and is retained for the lifetime of its moment, even after it ends, so
// that aggregate counters remain attributable.
type Session struct {
	bun.BaseModel `bun:"table:sessions"`

	ID              string     `bun:"id,pk"`
	MomentID        string     `bun:"moment_id,notnull"`
	Token           string     `bun:"token,notnull"`
	StartedAt       time.Time  `bun:"started_at,nullzero,notnull,default:current_timestamp"`
	EndedAt         *time.Time `bun:"ended_at"`
	DurationSeconds int        `bun:"duration_seconds,notnull,default:0"`
	UserAgent       *string    `bun:"user_agent"`
	IPHash          *string    `bun:"ip_hash"`
}

// Presence is one live duplex channel attached to a session. Its
// authoritative state lives in the in-memory registry; this row is a
// write-through mirror used for restart recovery and cross-process reads.
type Presence struct {
	bun.BaseModel `bun:"table:presences"`

	ID              string    `bun:"id,pk"`
	SocketID        string    `bun:"socket_id,notnull,unique"`
	SessionID       string    `bun:"session_id,notnull"`
	MomentID        string    `bun:"moment_id,notnull"`
	ConnectedAt     time.Time `bun:"connected_at,nullzero,notnull,default:current_timestamp"`
	LastHeartbeatAt time.Time `bun:"last_heartbeat_at,nullzero,notnull,default:current_timestamp"`
}
