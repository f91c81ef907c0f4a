// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contract shared by the
// interchangeable engines: the Store interface, the row types it
// exchanges, and the typed error categories every engine surfaces.
package storage

import (
	"time"
)

// Authentication is the stable record of a human operator.
type Authentication struct {
	// Identifier is the unique handle of the operator.
	Identifier string

	// Credential is an opaque password-verifier string whose prefix
	// encodes the algorithm (e.g. $argon2id$..., or the $PAM$ sentinel).
	Credential string

	// OTPKey is the optional TOTP secret; empty when unset.
	OTPKey string

	// Created is when the operator was provisioned.
	Created time.Time

	// LastAuthentication is the most recent successful login; nil when
	// the operator has never logged in.
	LastAuthentication *time.Time
}

// Scope is a known scope and its bookkeeping flags.
type Scope struct {
	Scope       string
	Application string
	Description string

	// IsPermanent scopes can never be auto-cleaned.
	IsPermanent bool

	// IsManuallyAdded scopes were entered by the operator and are
	// preserved across cleanup.
	IsManuallyAdded bool
}

// ScopeDetails is a Scope plus the profiles currently offering it.
type ScopeDetails struct {
	Scope
	Profiles []string
}

// ProfilesScopes is the composite per-identifier view: the identifier's
// profiles, the scopes each profile offers by default, and an index of
// every known scope.
type ProfilesScopes struct {
	Profiles []string

	// ProfileScopes maps profile -> scope -> details for scopes offered
	// by that profile.
	ProfileScopes map[string]map[string]ScopeDetails

	// ScopeIndex maps every known scope to its details and offering
	// profiles.
	ScopeIndex map[string]ScopeDetails
}

// ProfileData is the subset of a profile h-card stored alongside issued
// tokens and disclosed through the userinfo endpoint.
type ProfileData struct {
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
	Photo string `json:"photo,omitempty"`
	Email string `json:"email,omitempty"`
}

// Code is the unified row for both one-shot authorization codes and
// issued tokens, distinguished by IsToken.
type Code struct {
	CodeID     string
	Created    time.Time
	IsToken    bool
	ClientID   string
	Profile    string
	Identifier string
	Scopes     []string

	// Expires is nil for non-expiring tokens.
	Expires *time.Time

	// RefreshExpires bounds refreshability; nil when not refreshable.
	RefreshExpires *time.Time

	// Refreshed is the time of the most recent refresh, nil if never.
	Refreshed *time.Time

	// RefreshDuration is the stored refresh window, applied again on
	// every refresh; nil when the token is not refreshable.
	RefreshDuration *time.Duration

	IsRevoked bool

	// ProfileData is the h-card snapshot captured at consent.
	ProfileData *ProfileData

	// Resource is set on tokens redeemed from tickets.
	Resource string
}

// RedeemCodeRequest carries everything RedeemCode persists.
type RedeemCodeRequest struct {
	CodeID     string
	Created    time.Time
	IsToken    bool
	ClientID   string
	Profile    string
	Identifier string
	Scopes     []string

	// LifespanSeconds is nil for a non-expiring token.
	LifespanSeconds *int64

	// RefreshLifespanSeconds is nil when no refresh is offered.
	RefreshLifespanSeconds *int64

	ProfileData *ProfileData
	Resource    string
}

// RefreshResult reports the new bounds after a successful RefreshCode.
type RefreshResult struct {
	Expires        *time.Time
	RefreshExpires *time.Time

	// Scopes is the remaining scope set, present when scopes were
	// removed by the refresh.
	Scopes []string
}

// Resource represents a resource server allowed to call the
// introspection endpoint.
type Resource struct {
	ResourceID  string
	Secret      string
	Description string
	Created     time.Time
}

// RedeemedTicket is a proffered ticket awaiting (or past) publication to
// the queue collaborator.
type RedeemedTicket struct {
	Ticket   string
	Resource string
	Subject  string
	Iss      string
	Token    string
	Created  time.Time

	// Published is nil while the row is pending publication.
	Published *time.Time
}
