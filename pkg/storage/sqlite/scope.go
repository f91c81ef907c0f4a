// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// ScopeUpsert records a scope, updating application and description on
// conflict. A scope once manually added stays manually added.
func (s *Store) ScopeUpsert(ctx context.Context, scope, application, description string, manuallyAdded bool) error {
	if scope == "" {
		return fmt.Errorf("%w: empty scope", storage.ErrDataValidation)
	}

	const query = `
		INSERT INTO scope (scope, application, description, is_manually_added)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (scope) DO UPDATE SET
			application = excluded.application,
			description = excluded.description,
			is_manually_added = is_manually_added OR excluded.is_manually_added`
	s.logQuery(query, scope)

	if _, err := s.db.ExecContext(ctx, query, scope, application, description, manuallyAdded); err != nil {
		return fmt.Errorf("failed to upsert scope: %w", err)
	}
	return nil
}

// ScopeDelete removes a scope, reporting false when the scope is
// permanent or still referenced and was therefore kept.
func (s *Store) ScopeDelete(ctx context.Context, scope string) (bool, error) {
	var deleted bool
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		const referencedQuery = `
			SELECT
				(SELECT COUNT(*) FROM profile_scope WHERE scope = ?) +
				(SELECT COUNT(*) FROM code_scope WHERE scope = ?)`
		s.logQuery(referencedQuery, scope)

		var references int
		if err := tx.QueryRowContext(ctx, referencedQuery, scope, scope).Scan(&references); err != nil {
			return fmt.Errorf("failed to count scope references: %w", err)
		}
		if references > 0 {
			return nil
		}

		const deleteQuery = `DELETE FROM scope WHERE scope = ? AND NOT is_permanent`
		s.logQuery(deleteQuery, scope)

		result, err := tx.ExecContext(ctx, deleteQuery, scope)
		if err != nil {
			return fmt.Errorf("failed to delete scope: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// ScopeCleanup removes ephemeral scopes no longer referenced by any
// profile or code, rate-limited through the almanac.
func (s *Store) ScopeCleanup(ctx context.Context, atLeastSinceLast time.Duration) (int64, bool, error) {
	var removed int64
	var ran bool
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		due, err := s.almanacDue(ctx, tx, storage.AlmanacEventScopeCleanup, atLeastSinceLast)
		if err != nil {
			return err
		}
		if !due {
			return nil
		}
		ran = true

		const query = `
			DELETE FROM scope
			WHERE NOT is_permanent AND NOT is_manually_added
				AND scope NOT IN (SELECT scope FROM profile_scope)
				AND scope NOT IN (SELECT scope FROM code_scope)`
		s.logQuery(query)

		result, err := tx.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to clean scopes: %w", err)
		}
		if removed, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}

		return s.almanacUpsertTx(ctx, tx, storage.AlmanacEventScopeCleanup, time.Now())
	})
	return removed, ran, err
}
