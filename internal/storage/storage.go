// Package storage is the relational adapter: one repository per entity,
// backed by Postgres. The core never embeds SQL outside this package.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store holds the shared connection pool every repository reads through.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, tunes the pool, and verifies connectivity.
func Open(databaseURL string, maxConns int, idleTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(idleTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying connection pool. The repositories in this
// package hold the pool directly and do not go through it.
func (s *Store) DB() *sql.DB { return s.db }

// HealthCheck pings the pool, satisfying service.HealthChecker.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Clusters returns a ClusterRepository bound to this pool.
func (s *Store) Clusters() *ClusterRepository { return &ClusterRepository{db: s.db} }

// Services returns a ServiceRepository bound to this pool.
func (s *Store) Services() *ServiceRepository { return &ServiceRepository{db: s.db} }

// CodeBlocks returns a CodeBlockRepository bound to this pool.
func (s *Store) CodeBlocks() *CodeBlockRepository { return &CodeBlockRepository{db: s.db} }

// RCAResults returns an RCARepository bound to this pool.
func (s *Store) RCAResults() *RCARepository { return &RCARepository{db: s.db} }

// Tasks returns a TaskExecutionRepository bound to this pool.
func (s *Store) Tasks() *TaskExecutionRepository { return &TaskExecutionRepository{db: s.db} }

// LogSources returns a LogSourceRepository bound to this pool.
func (s *Store) LogSources() *LogSourceRepository { return &LogSourceRepository{db: s.db} }
