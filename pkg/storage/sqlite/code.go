// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

const codeColumns = `
	c.code_id, c.created, c.is_token, c.client_id, c.profile, c.identifier,
	c.expires, c.refresh_expires, c.refreshed, c.refresh_duration,
	c.is_revoked, c.profile_data, c.resource`

// RedeemCode atomically records a code redemption. A first redemption
// inserts the row and returns true; any later redemption of the same
// codeId revokes the row (if still live) and returns false.
func (s *Store) RedeemCode(ctx context.Context, req storage.RedeemCodeRequest) (bool, error) {
	if req.CodeID == "" {
		return false, fmt.Errorf("%w: empty code id", storage.ErrDataValidation)
	}

	var accepted bool
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		const existsQuery = `SELECT is_revoked FROM code WHERE code_id = ?`
		s.logQuery(existsQuery, req.CodeID)

		var isRevoked bool
		err := tx.QueryRowContext(ctx, existsQuery, req.CodeID).Scan(&isRevoked)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			insertErr := s.insertCode(ctx, tx, req)
			if isUniqueViolation(insertErr) {
				// Lost the race to a concurrent redemption; the winner's
				// row stands and this attempt reads as a replay.
				return s.revokeReplayed(ctx, tx, req.CodeID)
			}
			if insertErr != nil {
				return insertErr
			}
			accepted = true
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up code: %w", err)
		case isRevoked:
			return nil
		default:
			return s.revokeReplayed(ctx, tx, req.CodeID)
		}
	})
	return accepted, err
}

func (s *Store) insertCode(ctx context.Context, tx *sql.Tx, req storage.RedeemCodeRequest) error {
	var expires, refreshExpires *time.Time
	var refreshDuration *int64
	if req.LifespanSeconds != nil {
		e := req.Created.Add(time.Duration(*req.LifespanSeconds) * time.Second)
		expires = &e

		if req.RefreshLifespanSeconds != nil {
			re := req.Created.Add(time.Duration(*req.RefreshLifespanSeconds) * time.Second)
			refreshExpires = &re
			refreshDuration = req.RefreshLifespanSeconds
		}
	}

	profileData, err := encodeProfileData(req.ProfileData)
	if err != nil {
		return err
	}

	const insertQuery = `
		INSERT INTO code (code_id, created, is_token, client_id, profile, identifier,
			expires, refresh_expires, refresh_duration, profile_data, resource)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	s.logQuery(insertQuery, req.CodeID)

	if _, err := tx.ExecContext(ctx, insertQuery,
		req.CodeID, req.Created.Unix(), req.IsToken, req.ClientID, req.Profile, req.Identifier,
		encodeTime(expires), encodeTime(refreshExpires), refreshDuration, profileData, req.Resource,
	); err != nil {
		return err
	}

	for _, scope := range req.Scopes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scope (scope) VALUES (?) ON CONFLICT (scope) DO NOTHING`, scope); err != nil {
			return fmt.Errorf("failed to ensure scope: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO code_scope (code_id, scope) VALUES (?, ?)`, req.CodeID, scope); err != nil {
			return fmt.Errorf("failed to insert code scope: %w", err)
		}
	}
	return nil
}

func (s *Store) revokeReplayed(ctx context.Context, tx *sql.Tx, codeID string) error {
	const query = `UPDATE code SET is_revoked = 1 WHERE code_id = ?`
	s.logQuery(query, codeID)

	if _, err := tx.ExecContext(ctx, query, codeID); err != nil {
		return fmt.Errorf("failed to revoke replayed code: %w", err)
	}
	return nil
}

// RefreshCode extends a refreshable token by its stored refresh
// duration, advances the refreshed mark, and removes the listed scopes,
// all in one transaction. Returns (nil, nil) when no refreshable row
// exists.
func (s *Store) RefreshCode(ctx context.Context, codeID string, refreshedAt time.Time, removeScopes []string) (*storage.RefreshResult, error) {
	var result *storage.RefreshResult
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		const selectQuery = `
			SELECT refresh_duration FROM code
			WHERE code_id = ? AND is_token AND NOT is_revoked
				AND refresh_duration IS NOT NULL
				AND refresh_expires IS NOT NULL AND refresh_expires >= ?`
		s.logQuery(selectQuery, codeID)

		var refreshDurationSeconds int64
		err := tx.QueryRowContext(ctx, selectQuery, codeID, refreshedAt.Unix()).Scan(&refreshDurationSeconds)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up refreshable code: %w", err)
		}

		expires := refreshedAt.Add(time.Duration(refreshDurationSeconds) * time.Second)
		refreshExpires := expires

		const updateQuery = `
			UPDATE code SET expires = ?, refresh_expires = ?, refreshed = ? WHERE code_id = ?`
		s.logQuery(updateQuery, codeID)

		if _, err := tx.ExecContext(ctx, updateQuery,
			expires.Unix(), refreshExpires.Unix(), refreshedAt.Unix(), codeID); err != nil {
			return fmt.Errorf("failed to update refreshed code: %w", err)
		}

		result = &storage.RefreshResult{
			Expires:        &expires,
			RefreshExpires: &refreshExpires,
		}

		if len(removeScopes) == 0 {
			return nil
		}

		for _, scope := range removeScopes {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM code_scope WHERE code_id = ? AND scope = ?`, codeID, scope); err != nil {
				return fmt.Errorf("failed to remove code scope: %w", err)
			}
		}

		remaining, err := s.codeScopesTx(ctx, tx, codeID)
		if err != nil {
			return err
		}
		result.Scopes = remaining
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TokenGetByCodeID fetches the unified code/token row with its scopes.
func (s *Store) TokenGetByCodeID(ctx context.Context, codeID string) (*storage.Code, error) {
	query := `SELECT ` + codeColumns + ` FROM code c WHERE c.code_id = ?`
	s.logQuery(query, codeID)

	code, err := scanCode(s.db.QueryRowContext(ctx, query, codeID))
	if err != nil || code == nil {
		return nil, err
	}

	if code.Scopes, err = s.codeScopes(ctx, codeID); err != nil {
		return nil, err
	}
	return code, nil
}

// TokenRevokeByCodeID marks a token revoked.
func (s *Store) TokenRevokeByCodeID(ctx context.Context, codeID string) error {
	const query = `UPDATE code SET is_revoked = 1 WHERE code_id = ? AND NOT is_revoked`
	s.logQuery(query, codeID)

	return s.execExpectOne(ctx, query, codeID)
}

// TokenRefreshRevokeByCodeID removes a token's refreshability.
func (s *Store) TokenRefreshRevokeByCodeID(ctx context.Context, codeID string) error {
	const query = `
		UPDATE code SET refresh_expires = NULL, refresh_duration = NULL
		WHERE code_id = ? AND refresh_duration IS NOT NULL`
	s.logQuery(query, codeID)

	return s.execExpectOne(ctx, query, codeID)
}

// TokensGetByIdentifier lists an operator's code/token rows, newest
// first.
func (s *Store) TokensGetByIdentifier(ctx context.Context, identifier string) ([]*storage.Code, error) {
	query := `SELECT ` + codeColumns + ` FROM code c WHERE c.identifier = ? ORDER BY c.created DESC, c.code_id`
	s.logQuery(query, identifier)

	rows, err := s.db.QueryContext(ctx, query, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to list codes: %w", err)
	}
	defer rows.Close()

	var out []*storage.Code
	for rows.Next() {
		code, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate codes: %w", err)
	}

	for _, code := range out {
		if code.Scopes, err = s.codeScopes(ctx, code.CodeID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TokenCleanup removes expired unrefreshable tokens and stale
// authorization-stage codes, rate-limited through the almanac.
func (s *Store) TokenCleanup(ctx context.Context, codeLifespanSeconds int64, atLeastSinceLast time.Duration) (int64, bool, error) {
	var removed int64
	var ran bool
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		due, err := s.almanacDue(ctx, tx, storage.AlmanacEventTokenCleanup, atLeastSinceLast)
		if err != nil {
			return err
		}
		if !due {
			return nil
		}
		ran = true

		now := time.Now()
		const query = `
			DELETE FROM code
			WHERE (is_token
					AND (is_revoked OR (expires IS NOT NULL AND expires < ?))
					AND (refresh_expires IS NULL OR refresh_expires < ?))
				OR (NOT is_token AND created < ?)`
		s.logQuery(query)

		result, err := tx.ExecContext(ctx, query,
			now.Unix(), now.Unix(), now.Add(-time.Duration(codeLifespanSeconds)*time.Second).Unix())
		if err != nil {
			return fmt.Errorf("failed to clean codes: %w", err)
		}
		if removed, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}

		return s.almanacUpsertTx(ctx, tx, storage.AlmanacEventTokenCleanup, now)
	})
	return removed, ran, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCode(row rowScanner) (*storage.Code, error) {
	var code storage.Code
	var created int64
	var expires, refreshExpires, refreshed, refreshDuration sql.NullInt64
	var profileData sql.NullString

	err := row.Scan(&code.CodeID, &created, &code.IsToken, &code.ClientID, &code.Profile,
		&code.Identifier, &expires, &refreshExpires, &refreshed, &refreshDuration,
		&code.IsRevoked, &profileData, &code.Resource)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan code: %w", err)
	}

	code.Created = time.Unix(created, 0)
	code.Expires = decodeTime(expires)
	code.RefreshExpires = decodeTime(refreshExpires)
	code.Refreshed = decodeTime(refreshed)
	code.RefreshDuration = decodeDurationSeconds(refreshDuration)

	if profileData.Valid && profileData.String != "" {
		var pd storage.ProfileData
		if err := json.Unmarshal([]byte(profileData.String), &pd); err != nil {
			return nil, fmt.Errorf("%w: stored profile data: %w", storage.ErrDataValidation, err)
		}
		code.ProfileData = &pd
	}

	return &code, nil
}

func (s *Store) codeScopes(ctx context.Context, codeID string) ([]string, error) {
	const query = `SELECT scope FROM code_scope WHERE code_id = ? ORDER BY scope`
	s.logQuery(query, codeID)

	rows, err := s.db.QueryContext(ctx, query, codeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list code scopes: %w", err)
	}
	defer rows.Close()

	return collectScopes(rows)
}

func (s *Store) codeScopesTx(ctx context.Context, tx *sql.Tx, codeID string) ([]string, error) {
	const query = `SELECT scope FROM code_scope WHERE code_id = ? ORDER BY scope`
	s.logQuery(query, codeID)

	rows, err := tx.QueryContext(ctx, query, codeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list code scopes: %w", err)
	}
	defer rows.Close()

	return collectScopes(rows)
}

func collectScopes(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		out = append(out, scope)
	}
	return out, rows.Err()
}

func encodeProfileData(pd *storage.ProfileData) (any, error) {
	if pd == nil {
		return nil, nil
	}
	data, err := json.Marshal(pd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile data: %w", err)
	}
	return string(data), nil
}
