// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"
)

// Store is the contract shared by the interchangeable storage engines.
// All methods are safe for concurrent use. Absent rows are reported as
// (nil, nil) from getters; error returns are reserved for engine
// failures and the typed categories in errors.go.
type Store interface {
	// Initialize applies pending schema migrations. It must be called
	// once before any other operation.
	Initialize(ctx context.Context) error

	// HealthCheck returns an error when the store is not usable.
	HealthCheck(ctx context.Context) error

	// Close releases the engine's resources.
	Close() error

	// AuthenticationGet fetches an operator record by identifier.
	AuthenticationGet(ctx context.Context, identifier string) (*Authentication, error)

	// AuthenticationUpsert provisions or replaces an operator record.
	AuthenticationUpsert(ctx context.Context, identifier, credential, otpKey string) error

	// AuthenticationUpdateCredential replaces the stored verifier.
	AuthenticationUpdateCredential(ctx context.Context, identifier, credential string) error

	// AuthenticationUpdateOTPKey replaces the stored OTP key; empty
	// clears it.
	AuthenticationUpdateOTPKey(ctx context.Context, identifier, otpKey string) error

	// AuthenticationSuccess records a successful login.
	AuthenticationSuccess(ctx context.Context, identifier string) error

	// ProfileIsValid reports whether the profile URL exists in the store.
	ProfileIsValid(ctx context.Context, profile string) (bool, error)

	// ProfileIdentifierInsert associates a profile URL with an operator.
	ProfileIdentifierInsert(ctx context.Context, profile, identifier string) error

	// ProfileScopeInsert marks a scope as offered by default for a
	// profile.
	ProfileScopeInsert(ctx context.Context, profile, scope string) error

	// ProfileScopesSetAll replaces a profile's default-offered scope set.
	ProfileScopesSetAll(ctx context.Context, profile string, scopes []string) error

	// ProfilesScopesByIdentifier returns the composite profile/scope view
	// for an identifier.
	ProfilesScopesByIdentifier(ctx context.Context, identifier string) (*ProfilesScopes, error)

	// ScopeUpsert records a scope, updating application/description on
	// conflict. manuallyAdded marks operator-entered scopes.
	ScopeUpsert(ctx context.Context, scope, application, description string, manuallyAdded bool) error

	// ScopeDelete removes a scope, reporting false when the scope is
	// still referenced and was therefore kept.
	ScopeDelete(ctx context.Context, scope string) (bool, error)

	// ScopeCleanup removes ephemeral scopes no longer referenced by any
	// profile or active code. It is rate-limited through the almanac;
	// ran is false when the previous run was more recent than
	// atLeastSinceLast. atLeastSinceLast <= 0 forces a run.
	ScopeCleanup(ctx context.Context, atLeastSinceLast time.Duration) (removed int64, ran bool, err error)

	// RedeemCode atomically records a code redemption. If no row exists
	// for the codeId it is inserted and true is returned; if a live row
	// exists it is revoked and false is returned; an already revoked row
	// returns false.
	RedeemCode(ctx context.Context, req RedeemCodeRequest) (bool, error)

	// RefreshCode extends a refreshable token by its stored refresh
	// duration, advances the refreshed mark, removes the listed scopes,
	// and returns the new bounds. It returns (nil, nil) when no
	// refreshable row exists.
	RefreshCode(ctx context.Context, codeID string, refreshedAt time.Time, removeScopes []string) (*RefreshResult, error)

	// TokenGetByCodeID fetches the unified code/token row.
	TokenGetByCodeID(ctx context.Context, codeID string) (*Code, error)

	// TokenRevokeByCodeID marks a token revoked; ErrUnexpectedResult
	// when no live row matched.
	TokenRevokeByCodeID(ctx context.Context, codeID string) error

	// TokenRefreshRevokeByCodeID removes a token's refreshability;
	// ErrUnexpectedResult when no refreshable row matched.
	TokenRefreshRevokeByCodeID(ctx context.Context, codeID string) error

	// TokensGetByIdentifier lists all code/token rows for an operator,
	// newest first.
	TokensGetByIdentifier(ctx context.Context, identifier string) ([]*Code, error)

	// TokenCleanup removes dead codes and tokens: expired unrefreshable
	// tokens, and authorization-stage codes older than
	// codeLifespanSeconds. Rate-limited like ScopeCleanup.
	TokenCleanup(ctx context.Context, codeLifespanSeconds int64, atLeastSinceLast time.Duration) (removed int64, ran bool, err error)

	// TicketRedeemed records a proffered ticket pending publication.
	TicketRedeemed(ctx context.Context, ticket RedeemedTicket) error

	// TicketTokenPublished marks a redeemed ticket as delivered to the
	// queue.
	TicketTokenPublished(ctx context.Context, ticket RedeemedTicket) error

	// TicketTokenGetUnpublished returns up to limit tickets with no
	// published mark, oldest first. limit <= 0 means no limit.
	TicketTokenGetUnpublished(ctx context.Context, limit int) ([]RedeemedTicket, error)

	// ResourceGet fetches a resource server record by id.
	ResourceGet(ctx context.Context, resourceID string) (*Resource, error)

	// ResourceUpsert provisions or updates a resource server record.
	ResourceUpsert(ctx context.Context, resourceID, secret, description string) error

	// AlmanacGetAll returns the last-run date of every recorded event.
	AlmanacGetAll(ctx context.Context) (map[string]time.Time, error)

	// AlmanacUpsert records the last-run date for an event.
	AlmanacUpsert(ctx context.Context, event string, date time.Time) error
}

// Almanac event names shared by the engines and the chores.
const (
	// AlmanacEventTokenCleanup rate-limits TokenCleanup.
	AlmanacEventTokenCleanup = "tokenCleanup"

	// AlmanacEventScopeCleanup rate-limits ScopeCleanup.
	AlmanacEventScopeCleanup = "scopeCleanup"
)
