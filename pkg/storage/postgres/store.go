// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// AuthenticationGet fetches an operator record by identifier.
func (s *Store) AuthenticationGet(ctx context.Context, identifier string) (*storage.Authentication, error) {
	const query = `
		SELECT identifier, credential, COALESCE(otp_key, ''), created, last_authentication
		FROM authentication WHERE identifier = $1`
	s.logQuery(query, identifier)

	var a storage.Authentication
	var lastAuthentication sql.NullTime
	err := s.db.QueryRowContext(ctx, query, identifier).
		Scan(&a.Identifier, &a.Credential, &a.OTPKey, &a.Created, &lastAuthentication)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authentication: %w", err)
	}

	if lastAuthentication.Valid {
		a.LastAuthentication = &lastAuthentication.Time
	}
	return &a, nil
}

// AuthenticationUpsert provisions or replaces an operator record.
func (s *Store) AuthenticationUpsert(ctx context.Context, identifier, credential, otpKey string) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty identifier", storage.ErrDataValidation)
	}

	const query = `
		INSERT INTO authentication (identifier, credential, otp_key)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (identifier) DO UPDATE
		SET credential = EXCLUDED.credential, otp_key = EXCLUDED.otp_key`
	s.logQuery(query, identifier)

	if _, err := s.db.ExecContext(ctx, query, identifier, credential, otpKey); err != nil {
		return fmt.Errorf("failed to upsert authentication: %w", err)
	}
	return nil
}

// AuthenticationUpdateCredential replaces the stored verifier.
func (s *Store) AuthenticationUpdateCredential(ctx context.Context, identifier, credential string) error {
	const query = `UPDATE authentication SET credential = $1 WHERE identifier = $2`
	s.logQuery(query, identifier)

	return s.execExpectOne(ctx, query, credential, identifier)
}

// AuthenticationUpdateOTPKey replaces the stored OTP key; empty clears it.
func (s *Store) AuthenticationUpdateOTPKey(ctx context.Context, identifier, otpKey string) error {
	const query = `UPDATE authentication SET otp_key = NULLIF($1, '') WHERE identifier = $2`
	s.logQuery(query, identifier)

	return s.execExpectOne(ctx, query, otpKey, identifier)
}

// AuthenticationSuccess records a successful login.
func (s *Store) AuthenticationSuccess(ctx context.Context, identifier string) error {
	const query = `UPDATE authentication SET last_authentication = now() WHERE identifier = $1`
	s.logQuery(query, identifier)

	return s.execExpectOne(ctx, query, identifier)
}

// ProfileIsValid reports whether the profile URL exists in the store.
func (s *Store) ProfileIsValid(ctx context.Context, profile string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM profile WHERE profile = $1)`
	s.logQuery(query, profile)

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, profile).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check profile: %w", err)
	}
	return exists, nil
}

// ProfileIdentifierInsert associates a profile URL with an operator.
func (s *Store) ProfileIdentifierInsert(ctx context.Context, profile, identifier string) error {
	const query = `INSERT INTO profile (profile, identifier) VALUES ($1, $2)`
	s.logQuery(query, profile, identifier)

	if _, err := s.db.ExecContext(ctx, query, profile, identifier); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: profile already exists", storage.ErrUnexpectedResult)
		}
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

// ProfileScopeInsert marks a scope as offered by default for a profile.
func (s *Store) ProfileScopeInsert(ctx context.Context, profile, scope string) error {
	const query = `
		INSERT INTO profile_scope (profile, scope) VALUES ($1, $2)
		ON CONFLICT (profile, scope) DO NOTHING`
	s.logQuery(query, profile, scope)

	if _, err := s.db.ExecContext(ctx, query, profile, scope); err != nil {
		return fmt.Errorf("failed to insert profile scope: %w", err)
	}
	return nil
}

// ProfileScopesSetAll replaces a profile's default-offered scope set.
func (s *Store) ProfileScopesSetAll(ctx context.Context, profile string, scopes []string) error {
	return s.inTransaction(ctx, func(tx *sql.Tx) error {
		s.logQuery("profileScopesSetAll", profile, scopes)

		if _, err := tx.ExecContext(ctx, `DELETE FROM profile_scope WHERE profile = $1`, profile); err != nil {
			return fmt.Errorf("failed to clear profile scopes: %w", err)
		}

		for _, scope := range scopes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO scope (scope) VALUES ($1) ON CONFLICT (scope) DO NOTHING`, scope); err != nil {
				return fmt.Errorf("failed to ensure scope: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO profile_scope (profile, scope) VALUES ($1, $2)`, profile, scope); err != nil {
				return fmt.Errorf("failed to insert profile scope: %w", err)
			}
		}
		return nil
	})
}

// ProfilesScopesByIdentifier returns the composite profile/scope view.
func (s *Store) ProfilesScopesByIdentifier(ctx context.Context, identifier string) (*storage.ProfilesScopes, error) {
	out := &storage.ProfilesScopes{
		ProfileScopes: make(map[string]map[string]storage.ScopeDetails),
		ScopeIndex:    make(map[string]storage.ScopeDetails),
	}

	const profilesQuery = `SELECT profile FROM profile WHERE identifier = $1 ORDER BY profile`
	s.logQuery(profilesQuery, identifier)

	rows, err := s.db.QueryContext(ctx, profilesQuery, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var profile string
		if err := rows.Scan(&profile); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out.Profiles = append(out.Profiles, profile)
		out.ProfileScopes[profile] = make(map[string]storage.ScopeDetails)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}

	const scopesQuery = `
		SELECT scope, application, description, is_permanent, is_manually_added FROM scope`
	s.logQuery(scopesQuery)

	scopeRows, err := s.db.QueryContext(ctx, scopesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer scopeRows.Close()
	for scopeRows.Next() {
		var sc storage.Scope
		if err := scopeRows.Scan(&sc.Scope, &sc.Application, &sc.Description, &sc.IsPermanent, &sc.IsManuallyAdded); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		out.ScopeIndex[sc.Scope] = storage.ScopeDetails{Scope: sc}
	}
	if err := scopeRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scopes: %w", err)
	}

	const profileScopesQuery = `
		SELECT ps.profile, ps.scope
		FROM profile_scope ps JOIN profile p ON p.profile = ps.profile
		WHERE p.identifier = $1`
	s.logQuery(profileScopesQuery, identifier)

	psRows, err := s.db.QueryContext(ctx, profileScopesQuery, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to list profile scopes: %w", err)
	}
	defer psRows.Close()
	for psRows.Next() {
		var profile, scope string
		if err := psRows.Scan(&profile, &scope); err != nil {
			return nil, fmt.Errorf("failed to scan profile scope: %w", err)
		}

		details, ok := out.ScopeIndex[scope]
		if !ok {
			continue
		}
		out.ProfileScopes[profile][scope] = storage.ScopeDetails{Scope: details.Scope}

		details.Profiles = append(details.Profiles, profile)
		slices.Sort(details.Profiles)
		out.ScopeIndex[scope] = details
	}
	if err := psRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profile scopes: %w", err)
	}

	return out, nil
}

// ScopeUpsert records a scope, updating details on conflict.
func (s *Store) ScopeUpsert(ctx context.Context, scope, application, description string, manuallyAdded bool) error {
	if scope == "" {
		return fmt.Errorf("%w: empty scope", storage.ErrDataValidation)
	}

	const query = `
		INSERT INTO scope (scope, application, description, is_manually_added)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope) DO UPDATE SET
			application = EXCLUDED.application,
			description = EXCLUDED.description,
			is_manually_added = scope.is_manually_added OR EXCLUDED.is_manually_added`
	s.logQuery(query, scope)

	if _, err := s.db.ExecContext(ctx, query, scope, application, description, manuallyAdded); err != nil {
		return fmt.Errorf("failed to upsert scope: %w", err)
	}
	return nil
}

// ScopeDelete removes a scope, reporting false when it is permanent or
// still referenced.
func (s *Store) ScopeDelete(ctx context.Context, scope string) (bool, error) {
	var deleted bool
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		const referencedQuery = `
			SELECT
				(SELECT COUNT(*) FROM profile_scope WHERE scope = $1) +
				(SELECT COUNT(*) FROM code_scope WHERE scope = $1)`
		s.logQuery(referencedQuery, scope)

		var references int
		if err := tx.QueryRowContext(ctx, referencedQuery, scope).Scan(&references); err != nil {
			return fmt.Errorf("failed to count scope references: %w", err)
		}
		if references > 0 {
			return nil
		}

		const deleteQuery = `DELETE FROM scope WHERE scope = $1 AND NOT is_permanent`
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

// ScopeCleanup removes unreferenced ephemeral scopes, rate-limited
// through the almanac.
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

const codeColumns = `
	c.code_id, c.created, c.is_token, c.client_id, c.profile, c.identifier,
	c.expires, c.refresh_expires, c.refreshed, c.refresh_duration,
	c.is_revoked, c.profile_data, c.resource`

// RedeemCode atomically records a code redemption.
func (s *Store) RedeemCode(ctx context.Context, req storage.RedeemCodeRequest) (bool, error) {
	if req.CodeID == "" {
		return false, fmt.Errorf("%w: empty code id", storage.ErrDataValidation)
	}

	var accepted bool
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		const existsQuery = `SELECT is_revoked FROM code WHERE code_id = $1 FOR UPDATE`
		s.logQuery(existsQuery, req.CodeID)

		var isRevoked bool
		err := tx.QueryRowContext(ctx, existsQuery, req.CodeID).Scan(&isRevoked)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			insertErr := s.insertCode(ctx, tx, req)
			if isUniqueViolation(insertErr) {
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
	var expires, refreshExpires sql.NullTime
	var refreshDuration *int64
	if req.LifespanSeconds != nil {
		expires = sql.NullTime{Time: req.Created.Add(time.Duration(*req.LifespanSeconds) * time.Second), Valid: true}

		if req.RefreshLifespanSeconds != nil {
			refreshExpires = sql.NullTime{Time: req.Created.Add(time.Duration(*req.RefreshLifespanSeconds) * time.Second), Valid: true}
			refreshDuration = req.RefreshLifespanSeconds
		}
	}

	var profileData any
	if req.ProfileData != nil {
		data, err := json.Marshal(req.ProfileData)
		if err != nil {
			return fmt.Errorf("failed to encode profile data: %w", err)
		}
		profileData = data
	}

	const insertQuery = `
		INSERT INTO code (code_id, created, is_token, client_id, profile, identifier,
			expires, refresh_expires, refresh_duration, profile_data, resource)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	s.logQuery(insertQuery, req.CodeID)

	if _, err := tx.ExecContext(ctx, insertQuery,
		req.CodeID, req.Created, req.IsToken, req.ClientID, req.Profile, req.Identifier,
		expires, refreshExpires, refreshDuration, profileData, req.Resource,
	); err != nil {
		return err
	}

	for _, scope := range req.Scopes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scope (scope) VALUES ($1) ON CONFLICT (scope) DO NOTHING`, scope); err != nil {
			return fmt.Errorf("failed to ensure scope: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO code_scope (code_id, scope) VALUES ($1, $2)`, req.CodeID, scope); err != nil {
			return fmt.Errorf("failed to insert code scope: %w", err)
		}
	}
	return nil
}

func (s *Store) revokeReplayed(ctx context.Context, tx *sql.Tx, codeID string) error {
	const query = `UPDATE code SET is_revoked = true WHERE code_id = $1`
	s.logQuery(query, codeID)

	if _, err := tx.ExecContext(ctx, query, codeID); err != nil {
		return fmt.Errorf("failed to revoke replayed code: %w", err)
	}
	return nil
}

// RefreshCode extends a refreshable token and removes narrowed scopes
// in one transaction.
func (s *Store) RefreshCode(ctx context.Context, codeID string, refreshedAt time.Time, removeScopes []string) (*storage.RefreshResult, error) {
	var result *storage.RefreshResult
	err := s.inTransaction(ctx, func(tx *sql.Tx) error {
		const selectQuery = `
			SELECT refresh_duration FROM code
			WHERE code_id = $1 AND is_token AND NOT is_revoked
				AND refresh_duration IS NOT NULL
				AND refresh_expires IS NOT NULL AND refresh_expires >= $2
			FOR UPDATE`
		s.logQuery(selectQuery, codeID)

		var refreshDurationSeconds int64
		err := tx.QueryRowContext(ctx, selectQuery, codeID, refreshedAt).Scan(&refreshDurationSeconds)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up refreshable code: %w", err)
		}

		expires := refreshedAt.Add(time.Duration(refreshDurationSeconds) * time.Second)
		refreshExpires := expires

		const updateQuery = `
			UPDATE code SET expires = $1, refresh_expires = $2, refreshed = $3 WHERE code_id = $4`
		s.logQuery(updateQuery, codeID)

		if _, err := tx.ExecContext(ctx, updateQuery, expires, refreshExpires, refreshedAt, codeID); err != nil {
			return fmt.Errorf("failed to update refreshed code: %w", err)
		}

		result = &storage.RefreshResult{
			Expires:        &expires,
			RefreshExpires: &refreshExpires,
		}

		if len(removeScopes) == 0 {
			return nil
		}

		const removeQuery = `DELETE FROM code_scope WHERE code_id = $1 AND scope = ANY($2)`
		s.logQuery(removeQuery, codeID, removeScopes)

		if _, err := tx.ExecContext(ctx, removeQuery, codeID, removeScopes); err != nil {
			return fmt.Errorf("failed to remove code scopes: %w", err)
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
	query := `SELECT ` + codeColumns + ` FROM code c WHERE c.code_id = $1`
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
	const query = `UPDATE code SET is_revoked = true WHERE code_id = $1 AND NOT is_revoked`
	s.logQuery(query, codeID)

	return s.execExpectOne(ctx, query, codeID)
}

// TokenRefreshRevokeByCodeID removes a token's refreshability.
func (s *Store) TokenRefreshRevokeByCodeID(ctx context.Context, codeID string) error {
	const query = `
		UPDATE code SET refresh_expires = NULL, refresh_duration = NULL
		WHERE code_id = $1 AND refresh_duration IS NOT NULL`
	s.logQuery(query, codeID)

	return s.execExpectOne(ctx, query, codeID)
}

// TokensGetByIdentifier lists an operator's code/token rows, newest
// first.
func (s *Store) TokensGetByIdentifier(ctx context.Context, identifier string) ([]*storage.Code, error) {
	query := `SELECT ` + codeColumns + ` FROM code c WHERE c.identifier = $1 ORDER BY c.created DESC, c.code_id`
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

// TokenCleanup removes dead codes and tokens, rate-limited through the
// almanac.
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

		const query = `
			DELETE FROM code
			WHERE (is_token
					AND (is_revoked OR (expires IS NOT NULL AND expires < now()))
					AND (refresh_expires IS NULL OR refresh_expires < now()))
				OR (NOT is_token AND created < now() - make_interval(secs => $1))`
		s.logQuery(query, codeLifespanSeconds)

		result, err := tx.ExecContext(ctx, query, codeLifespanSeconds)
		if err != nil {
			return fmt.Errorf("failed to clean codes: %w", err)
		}
		if removed, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}

		return s.almanacUpsertTx(ctx, tx, storage.AlmanacEventTokenCleanup, time.Now())
	})
	return removed, ran, err
}

// TicketRedeemed records a proffered ticket pending publication.
func (s *Store) TicketRedeemed(ctx context.Context, ticket storage.RedeemedTicket) error {
	if ticket.Ticket == "" || ticket.Resource == "" || ticket.Subject == "" {
		return fmt.Errorf("%w: ticket, resource and subject are required", storage.ErrDataValidation)
	}

	created := ticket.Created
	if created.IsZero() {
		created = time.Now()
	}

	const query = `
		INSERT INTO redeemed_ticket (ticket, resource, subject, iss, token, created)
		VALUES ($1, $2, $3, $4, $5, $6)`
	s.logQuery(query, ticket.Resource, ticket.Subject)

	if _, err := s.db.ExecContext(ctx, query,
		ticket.Ticket, ticket.Resource, ticket.Subject, ticket.Iss, ticket.Token, created); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ticket already redeemed", storage.ErrUnexpectedResult)
		}
		return fmt.Errorf("failed to insert redeemed ticket: %w", err)
	}
	return nil
}

// TicketTokenPublished marks a redeemed ticket as delivered to the
// queue.
func (s *Store) TicketTokenPublished(ctx context.Context, ticket storage.RedeemedTicket) error {
	const query = `
		UPDATE redeemed_ticket SET published = now()
		WHERE ticket = $1 AND resource = $2 AND subject = $3`
	s.logQuery(query, ticket.Resource, ticket.Subject)

	return s.execExpectOne(ctx, query, ticket.Ticket, ticket.Resource, ticket.Subject)
}

// TicketTokenGetUnpublished returns pending tickets, oldest first.
func (s *Store) TicketTokenGetUnpublished(ctx context.Context, limit int) ([]storage.RedeemedTicket, error) {
	query := `
		SELECT ticket, resource, subject, iss, token, created
		FROM redeemed_ticket WHERE published IS NULL ORDER BY created`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	s.logQuery(query, args...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished tickets: %w", err)
	}
	defer rows.Close()

	var out []storage.RedeemedTicket
	for rows.Next() {
		var t storage.RedeemedTicket
		if err := rows.Scan(&t.Ticket, &t.Resource, &t.Subject, &t.Iss, &t.Token, &t.Created); err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResourceGet fetches a resource server record by id.
func (s *Store) ResourceGet(ctx context.Context, resourceID string) (*storage.Resource, error) {
	const query = `SELECT resource_id, secret, description, created FROM resource WHERE resource_id = $1`
	s.logQuery(query, resourceID)

	var r storage.Resource
	err := s.db.QueryRowContext(ctx, query, resourceID).
		Scan(&r.ResourceID, &r.Secret, &r.Description, &r.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return &r, nil
}

// ResourceUpsert provisions or updates a resource server record.
func (s *Store) ResourceUpsert(ctx context.Context, resourceID, secret, description string) error {
	if resourceID == "" {
		return fmt.Errorf("%w: empty resource id", storage.ErrDataValidation)
	}

	const query = `
		INSERT INTO resource (resource_id, secret, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_id) DO UPDATE
		SET secret = EXCLUDED.secret, description = EXCLUDED.description`
	s.logQuery(query, resourceID)

	if _, err := s.db.ExecContext(ctx, query, resourceID, secret, description); err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}

// AlmanacGetAll returns the last-run date of every recorded event.
func (s *Store) AlmanacGetAll(ctx context.Context) (map[string]time.Time, error) {
	const query = `SELECT event, date FROM almanac`
	s.logQuery(query)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list almanac: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var event string
		var date time.Time
		if err := rows.Scan(&event, &date); err != nil {
			return nil, fmt.Errorf("failed to scan almanac row: %w", err)
		}
		out[event] = date
	}
	return out, rows.Err()
}

// AlmanacUpsert records the last-run date for an event.
func (s *Store) AlmanacUpsert(ctx context.Context, event string, date time.Time) error {
	if event == "" {
		return fmt.Errorf("%w: empty event", storage.ErrDataValidation)
	}
	return s.almanacUpsertTx(ctx, nil, event, date)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) almanacUpsertTx(ctx context.Context, tx *sql.Tx, event string, date time.Time) error {
	const query = `
		INSERT INTO almanac (event, date) VALUES ($1, $2)
		ON CONFLICT (event) DO UPDATE SET date = EXCLUDED.date`
	s.logQuery(query, event, date)

	var runner execer = s.db
	if tx != nil {
		runner = tx
	}
	if _, err := runner.ExecContext(ctx, query, event, date); err != nil {
		return fmt.Errorf("failed to upsert almanac: %w", err)
	}
	return nil
}

// almanacDue reports whether an event's last run is older than
// atLeastSinceLast. A non-positive threshold always runs.
func (s *Store) almanacDue(ctx context.Context, tx *sql.Tx, event string, atLeastSinceLast time.Duration) (bool, error) {
	if atLeastSinceLast <= 0 {
		return true, nil
	}

	const query = `SELECT date FROM almanac WHERE event = $1`
	s.logQuery(query, event)

	var date time.Time
	err := tx.QueryRowContext(ctx, query, event).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read almanac: %w", err)
	}
	return time.Since(date) >= atLeastSinceLast, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCode(row rowScanner) (*storage.Code, error) {
	var code storage.Code
	var expires, refreshExpires, refreshed sql.NullTime
	var refreshDuration sql.NullInt64
	var profileData []byte

	err := row.Scan(&code.CodeID, &code.Created, &code.IsToken, &code.ClientID, &code.Profile,
		&code.Identifier, &expires, &refreshExpires, &refreshed, &refreshDuration,
		&code.IsRevoked, &profileData, &code.Resource)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan code: %w", err)
	}

	if expires.Valid {
		code.Expires = &expires.Time
	}
	if refreshExpires.Valid {
		code.RefreshExpires = &refreshExpires.Time
	}
	if refreshed.Valid {
		code.Refreshed = &refreshed.Time
	}
	if refreshDuration.Valid {
		d := time.Duration(refreshDuration.Int64) * time.Second
		code.RefreshDuration = &d
	}
	if len(profileData) > 0 {
		var pd storage.ProfileData
		if err := json.Unmarshal(profileData, &pd); err != nil {
			return nil, fmt.Errorf("%w: stored profile data: %w", storage.ErrDataValidation, err)
		}
		code.ProfileData = &pd
	}

	return &code, nil
}

func (s *Store) codeScopes(ctx context.Context, codeID string) ([]string, error) {
	const query = `SELECT scope FROM code_scope WHERE code_id = $1 ORDER BY scope`
	s.logQuery(query, codeID)

	rows, err := s.db.QueryContext(ctx, query, codeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list code scopes: %w", err)
	}
	defer rows.Close()

	return collectScopes(rows)
}

func (s *Store) codeScopesTx(ctx context.Context, tx *sql.Tx, codeID string) ([]string, error) {
	const query = `SELECT scope FROM code_scope WHERE code_id = $1 ORDER BY scope`
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
