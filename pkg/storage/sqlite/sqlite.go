// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements the storage contract on a single-file
// embedded SQLite database using the modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db       *sql.DB
	queryLog bool
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithQueryLogging logs every statement at debug level.
func WithQueryLogging(enabled bool) Option {
	return func(s *Store) {
		s.queryLog = enabled
	}
}

// New opens (creating if necessary) the database named by the
// connection string. Accepted forms: "sqlite:path", "sqlite://path" and
// "sqlite::memory:".
func New(connectionString string, opts ...Option) (*Store, error) {
	dsn, err := parseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a second concurrent connection would
	// only contend. The busy timeout in the DSN covers reader overlap.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func parseConnectionString(connectionString string) (string, error) {
	var path string
	switch {
	case strings.HasPrefix(connectionString, "sqlite://"):
		path = strings.TrimPrefix(connectionString, "sqlite://")
	case strings.HasPrefix(connectionString, "sqlite:"):
		path = strings.TrimPrefix(connectionString, "sqlite:")
	default:
		return "", fmt.Errorf("%w: %q", storage.ErrUnsupportedEngine, connectionString)
	}

	if path == "" {
		return "", fmt.Errorf("%w: empty sqlite path", storage.ErrDataValidation)
	}

	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)", nil
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", nil
}

// Initialize applies pending schema migrations.
func (s *Store) Initialize(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTransaction runs fn atomically, committing on nil error.
func (s *Store) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY
// constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func (s *Store) logQuery(query string, args ...any) {
	if s.queryLog {
		logger.Debugw("query", "sql", strings.Join(strings.Fields(query), " "), "args", args)
	}
}

// Timestamps are stored as unix seconds; NULL means unset.

func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func decodeTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func decodeDurationSeconds(v sql.NullInt64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := time.Duration(v.Int64) * time.Second
	return &d
}
