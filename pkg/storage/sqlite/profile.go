// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// ProfileIsValid reports whether the profile URL exists in the store.
func (s *Store) ProfileIsValid(ctx context.Context, profile string) (bool, error) {
	const query = `SELECT COUNT(*) FROM profile WHERE profile = ?`
	s.logQuery(query, profile)

	var n int
	if err := s.db.QueryRowContext(ctx, query, profile).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check profile: %w", err)
	}
	return n > 0, nil
}

// ProfileIdentifierInsert associates a profile URL with an operator.
func (s *Store) ProfileIdentifierInsert(ctx context.Context, profile, identifier string) error {
	const query = `INSERT INTO profile (profile, identifier) VALUES (?, ?)`
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
		INSERT INTO profile_scope (profile, scope) VALUES (?, ?)
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

		if _, err := tx.ExecContext(ctx, `DELETE FROM profile_scope WHERE profile = ?`, profile); err != nil {
			return fmt.Errorf("failed to clear profile scopes: %w", err)
		}

		for _, scope := range scopes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO scope (scope) VALUES (?) ON CONFLICT (scope) DO NOTHING`, scope); err != nil {
				return fmt.Errorf("failed to ensure scope: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO profile_scope (profile, scope) VALUES (?, ?)`, profile, scope); err != nil {
				return fmt.Errorf("failed to insert profile scope: %w", err)
			}
		}
		return nil
	})
}

// ProfilesScopesByIdentifier returns the composite profile/scope view
// for an identifier: its profiles, the scopes each offers by default,
// and an index of every known scope.
func (s *Store) ProfilesScopesByIdentifier(ctx context.Context, identifier string) (*storage.ProfilesScopes, error) {
	out := &storage.ProfilesScopes{
		ProfileScopes: make(map[string]map[string]storage.ScopeDetails),
		ScopeIndex:    make(map[string]storage.ScopeDetails),
	}

	const profilesQuery = `SELECT profile FROM profile WHERE identifier = ? ORDER BY profile`
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
		WHERE p.identifier = ?`
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
