// Package store wraps a sqlx handle over SQLite with the schema and
// repositories backing the probe scheduler, result sink, and alert
// dispatcher. Callers never see raw SQL outside this package.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store is the database connection plus the repositories built on top of it.
type Store struct {
	*sqlx.DB
}

// Open connects to the SQLite database at path, applying WAL mode if
// requested, and initializes the schema. path may be ":memory:" for tests.
func Open(path string, walMode bool) (*Store, error) {
	if path == ":memory:" {
		db, err := sqlx.Connect("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to in-memory database: %w", err)
		}
		s := &Store{DB: db}
		if err := s.initSchema(); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return s, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	connStr := path
	if walMode {
		connStr += "?_journal_mode=WAL&_sync=NORMAL&_cache_size=1000&_foreign_keys=ON&_busy_timeout=5000"
	}

	db, err := sqlx.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{DB: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// HealthCheck performs a trivial round-trip against the database.
func (s *Store) HealthCheck() error {
	var result int
	if err := s.Get(&result, "SELECT 1"); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Targets returns the target repository.
func (s *Store) Targets() *TargetRepository { return &TargetRepository{db: s} }

// Outcomes returns the probe outcome repository.
func (s *Store) Outcomes() *OutcomeRepository { return &OutcomeRepository{db: s} }

// Rollups returns the daily rollup repository.
func (s *Store) Rollups() *RollupRepository { return &RollupRepository{db: s} }

// Subscriptions returns the alert subscription repository.
func (s *Store) Subscriptions() *SubscriptionRepository { return &SubscriptionRepository{db: s} }

// Budgets returns the alert budget repository.
func (s *Store) Budgets() *BudgetRepository { return &BudgetRepository{db: s} }

// RegionLocks returns the region lock repository.
func (s *Store) RegionLocks() *RegionLockRepository { return &RegionLockRepository{db: s} }

// ReplayQueue returns the durable replay queue repository (§4.5 spill path).
func (s *Store) ReplayQueue() *ReplayQueueRepository { return &ReplayQueueRepository{db: s} }

// Audit returns the audit trail repository.
func (s *Store) Audit() *AuditRepository { return &AuditRepository{db: s} }
