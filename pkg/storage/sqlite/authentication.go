// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// AuthenticationGet fetches an operator record by identifier.
func (s *Store) AuthenticationGet(ctx context.Context, identifier string) (*storage.Authentication, error) {
	const query = `
		SELECT identifier, credential, COALESCE(otp_key, ''), created, last_authentication
		FROM authentication WHERE identifier = ?`
	s.logQuery(query, identifier)

	var a storage.Authentication
	var created int64
	var lastAuthentication sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, identifier).
		Scan(&a.Identifier, &a.Credential, &a.OTPKey, &created, &lastAuthentication)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authentication: %w", err)
	}

	a.Created = time.Unix(created, 0)
	a.LastAuthentication = decodeTime(lastAuthentication)
	return &a, nil
}

// AuthenticationUpsert provisions or replaces an operator record.
func (s *Store) AuthenticationUpsert(ctx context.Context, identifier, credential, otpKey string) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty identifier", storage.ErrDataValidation)
	}

	const query = `
		INSERT INTO authentication (identifier, credential, otp_key, created)
		VALUES (?, ?, NULLIF(?, ''), ?)
		ON CONFLICT (identifier) DO UPDATE
		SET credential = excluded.credential, otp_key = excluded.otp_key`
	s.logQuery(query, identifier)

	if _, err := s.db.ExecContext(ctx, query, identifier, credential, otpKey, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to upsert authentication: %w", err)
	}
	return nil
}

// AuthenticationUpdateCredential replaces the stored verifier.
func (s *Store) AuthenticationUpdateCredential(ctx context.Context, identifier, credential string) error {
	const query = `UPDATE authentication SET credential = ? WHERE identifier = ?`
	s.logQuery(query, identifier)

	return s.execExpectOne(ctx, query, credential, identifier)
}

// AuthenticationUpdateOTPKey replaces the stored OTP key; empty clears it.
func (s *Store) AuthenticationUpdateOTPKey(ctx context.Context, identifier, otpKey string) error {
	const query = `UPDATE authentication SET otp_key = NULLIF(?, '') WHERE identifier = ?`
	s.logQuery(query, identifier)

	return s.execExpectOne(ctx, query, otpKey, identifier)
}

// AuthenticationSuccess records a successful login.
func (s *Store) AuthenticationSuccess(ctx context.Context, identifier string) error {
	const query = `UPDATE authentication SET last_authentication = ? WHERE identifier = ?`
	s.logQuery(query, identifier)

	return s.execExpectOne(ctx, query, time.Now().Unix(), identifier)
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
