// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package postgres implements the storage contract on a networked
// PostgreSQL database through the pgx driver's database/sql adapter.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"

	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// Store implements storage.Store on PostgreSQL.
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

// New opens a connection pool for the given postgresql:// (or
// postgres://) connection string.
func New(connectionString string, opts ...Option) (*Store, error) {
	if !strings.HasPrefix(connectionString, "postgresql://") &&
		!strings.HasPrefix(connectionString, "postgres://") {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnsupportedEngine, connectionString)
	}

	db, err := sql.Open("pgx", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialize applies pending schema migrations.
func (s *Store) Initialize(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
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

// isUniqueViolation checks for a PostgreSQL unique_violation error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) logQuery(query string, args ...any) {
	if s.queryLog {
		logger.Debugw("query", "sql", strings.Join(strings.Fields(query), " "), "args", args)
	}
}

// execExpectOne runs a statement that must affect exactly one row.
func (s *Store) execExpectOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("statement failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: expected 1 row affected, got %d", storage.ErrUnexpectedResult, n)
	}
	return nil
}
