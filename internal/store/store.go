// Package store is the narrow Store Adapter over the durable moment,
// session, and presence tables. It wraps bun against either sqlite (the
// default) or postgres, selected by the DATABASE_URL scheme.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrUnavailable names the generic store_unavailable failure kind. The Store
// methods do not return it: they return the underlying driver error wrapped
// with the operation name.
var ErrUnavailable = fmt.Errorf("store unavailable")

// Store is a bun-backed handle to the durable schema.
type Store struct {
	bun    *bun.DB
	dbType string
}

func bgCtx() context.Context { return context.Background() }

// Open inspects the DATABASE_URL scheme and opens the matching dialect.
// "postgres://..." and "postgresql://..." select postgres; anything else
// (including a bare file path or ":memory:") is treated as sqlite, the
// package default.
func Open(databaseURL string) (*Store, error) {
	dbType := "sqlite"
	dsn := databaseURL
	if u, err := url.Parse(databaseURL); err == nil {
		switch u.Scheme {
		case "postgres", "postgresql":
			dbType = "postgres"
		}
	}
	return OpenDB(dbType, dsn)
}

// OpenDB opens a database connection for the given type and DSN, runs any
// pending migrations, and returns the handle.
func OpenDB(dbType, dsn string) (*Store, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	migrateDSN := dsn
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
		migrateDSN = dsn
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		// Keep at least one connection open so in-memory databases survive
		// between queries.
		conn.SetMaxIdleConns(1)
	}

	if err := runMigrations(dbType, migrateDSN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &Store{bun: bunDB, dbType: dbType}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.bun.Close()
}

// Ping verifies the connection is alive; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.bun.PingContext(ctx)
}

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = bgCtx()
	}
	return context.WithTimeout(parent, d)
}
