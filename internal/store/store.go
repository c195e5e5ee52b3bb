// Package store persists agent snapshots, timeline shards, and push tokens
// under $PASEO_HOME/agents (SQLite) or an external PostgreSQL database.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/paseo-sh/paseo/internal/common/config"
	"github.com/paseo-sh/paseo/internal/db"
	"github.com/paseo-sh/paseo/internal/db/dialect"
)

// Store bundles the connection pool and the table repositories.
type Store struct {
	pool   *db.Pool
	driver string

	agents     *AgentRepository
	timeline   *TimelineRepository
	pushTokens *PushTokenRepository
}

// Open opens the configured backend and initializes the schema.
// defaultSQLitePath is used when the driver is sqlite and no explicit path
// is configured (normally $PASEO_HOME/agents/state.db).
func Open(cfg config.StorageConfig, defaultSQLitePath string) (*Store, error) {
	var (
		pool   *db.Pool
		driver string
	)

	switch cfg.Driver {
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = defaultSQLitePath
		}
		writer, err := db.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		reader, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		driver = dialect.SQLite3
		pool = db.NewPool(sqlx.NewDb(writer, driver), sqlx.NewDb(reader, driver))

	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		driver = dialect.PGX
		shared := sqlx.NewDb(conn, driver)
		pool = db.NewPool(shared, shared)

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	s := &Store{pool: pool, driver: driver}
	if err := s.initSchema(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.agents = &AgentRepository{pool: pool, driver: driver}
	s.timeline = &TimelineRepository{pool: pool}
	s.pushTokens = &PushTokenRepository{pool: pool}
	return s, nil
}

// Agents returns the agent snapshot repository.
func (s *Store) Agents() *AgentRepository { return s.agents }

// Timeline returns the timeline item repository.
func (s *Store) Timeline() *TimelineRepository { return s.timeline }

// PushTokens returns the push token repository.
func (s *Store) PushTokens() *PushTokenRepository { return s.pushTokens }

// Close closes the underlying connection pools.
func (s *Store) Close() error {
	return s.pool.Close()
}
