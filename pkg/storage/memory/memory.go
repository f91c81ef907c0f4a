// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the storage contract with in-memory maps.
// This implementation is thread-safe and suitable for development and
// testing; nothing survives a restart.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// Store implements storage.Store with maps guarded by a single RWMutex.
type Store struct {
	mu sync.RWMutex

	authentications map[string]*storage.Authentication

	// profiles maps profile URL -> identifier.
	profiles map[string]string

	// profileScopes maps profile URL -> set of default-offered scopes.
	profileScopes map[string]map[string]bool

	scopes map[string]*storage.Scope

	codes map[string]*storage.Code

	resources map[string]*storage.Resource

	// tickets is keyed by ticket+resource+subject.
	tickets map[ticketKey]*storage.RedeemedTicket

	// ticketOrder preserves insertion order for unpublished listing.
	ticketOrder []ticketKey

	almanac map[string]time.Time
}

type ticketKey struct {
	ticket   string
	resource string
	subject  string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		authentications: make(map[string]*storage.Authentication),
		profiles:        make(map[string]string),
		profileScopes:   make(map[string]map[string]bool),
		scopes:          make(map[string]*storage.Scope),
		codes:           make(map[string]*storage.Code),
		resources:       make(map[string]*storage.Resource),
		tickets:         make(map[ticketKey]*storage.RedeemedTicket),
		almanac:         make(map[string]time.Time),
	}
}

var _ storage.Store = (*Store)(nil)

// Initialize seeds the permanent scopes the consent page always offers.
func (s *Store) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, scope := range []struct{ name, description string }{
		{"profile", "Access detailed profile information, including name, image, and url."},
		{"email", "Include email address with detailed profile information."},
	} {
		if _, ok := s.scopes[scope.name]; !ok {
			s.scopes[scope.name] = &storage.Scope{
				Scope:       scope.name,
				Description: scope.description,
				IsPermanent: true,
			}
		}
	}

	return nil
}

// HealthCheck is a no-op for the in-memory engine.
func (*Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory engine.
func (*Store) Close() error {
	return nil
}

// AuthenticationGet fetches an operator record by identifier.
func (s *Store) AuthenticationGet(_ context.Context, identifier string) (*storage.Authentication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.authentications[identifier]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// AuthenticationUpsert provisions or replaces an operator record.
func (s *Store) AuthenticationUpsert(_ context.Context, identifier, credential, otpKey string) error {
	if identifier == "" {
		return storage.ErrDataValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.authentications[identifier]; ok {
		existing.Credential = credential
		existing.OTPKey = otpKey
		return nil
	}

	s.authentications[identifier] = &storage.Authentication{
		Identifier: identifier,
		Credential: credential,
		OTPKey:     otpKey,
		Created:    time.Now(),
	}
	return nil
}

// AuthenticationUpdateCredential replaces the stored verifier.
func (s *Store) AuthenticationUpdateCredential(_ context.Context, identifier, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authentications[identifier]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	a.Credential = credential
	return nil
}

// AuthenticationUpdateOTPKey replaces the stored OTP key.
func (s *Store) AuthenticationUpdateOTPKey(_ context.Context, identifier, otpKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authentications[identifier]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	a.OTPKey = otpKey
	return nil
}

// AuthenticationSuccess records a successful login.
func (s *Store) AuthenticationSuccess(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.authentications[identifier]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	now := time.Now()
	a.LastAuthentication = &now
	return nil
}

// ProfileIsValid reports whether the profile URL exists in the store.
func (s *Store) ProfileIsValid(_ context.Context, profile string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.profiles[profile]
	return ok, nil
}

// ProfileIdentifierInsert associates a profile URL with an operator.
func (s *Store) ProfileIdentifierInsert(_ context.Context, profile, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authentications[identifier]; !ok {
		return storage.ErrUnexpectedResult
	}
	s.profiles[profile] = identifier
	if _, ok := s.profileScopes[profile]; !ok {
		s.profileScopes[profile] = make(map[string]bool)
	}
	return nil
}

// ProfileScopeInsert marks a scope as offered by default for a profile.
func (s *Store) ProfileScopeInsert(_ context.Context, profile, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[profile]; !ok {
		return storage.ErrUnexpectedResult
	}
	if _, ok := s.scopes[scope]; !ok {
		return storage.ErrUnexpectedResult
	}
	s.profileScopes[profile][scope] = true
	return nil
}

// ProfileScopesSetAll replaces a profile's default-offered scope set.
func (s *Store) ProfileScopesSetAll(_ context.Context, profile string, scopes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[profile]; !ok {
		return storage.ErrUnexpectedResult
	}

	set := make(map[string]bool, len(scopes))
	for _, scope := range scopes {
		if _, ok := s.scopes[scope]; !ok {
			s.scopes[scope] = &storage.Scope{Scope: scope}
		}
		set[scope] = true
	}
	s.profileScopes[profile] = set
	return nil
}

// ProfilesScopesByIdentifier returns the composite profile/scope view.
func (s *Store) ProfilesScopesByIdentifier(_ context.Context, identifier string) (*storage.ProfilesScopes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &storage.ProfilesScopes{
		ProfileScopes: make(map[string]map[string]storage.ScopeDetails),
		ScopeIndex:    make(map[string]storage.ScopeDetails),
	}

	for scope, details := range s.scopes {
		out.ScopeIndex[scope] = storage.ScopeDetails{Scope: *details}
	}

	var profiles []string
	for profile, id := range s.profiles {
		if id == identifier {
			profiles = append(profiles, profile)
		}
	}
	slices.Sort(profiles)
	out.Profiles = profiles

	for _, profile := range profiles {
		byScope := make(map[string]storage.ScopeDetails)
		for scope := range s.profileScopes[profile] {
			details, ok := s.scopes[scope]
			if !ok {
				continue
			}
			byScope[scope] = storage.ScopeDetails{Scope: *details}

			idx := out.ScopeIndex[scope]
			idx.Profiles = append(idx.Profiles, profile)
			slices.Sort(idx.Profiles)
			out.ScopeIndex[scope] = idx
		}
		out.ProfileScopes[profile] = byScope
	}

	return out, nil
}

// ScopeUpsert records a scope, updating details on conflict.
func (s *Store) ScopeUpsert(_ context.Context, scope, application, description string, manuallyAdded bool) error {
	if scope == "" {
		return storage.ErrDataValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.scopes[scope]; ok {
		existing.Application = application
		existing.Description = description
		existing.IsManuallyAdded = existing.IsManuallyAdded || manuallyAdded
		return nil
	}

	s.scopes[scope] = &storage.Scope{
		Scope:           scope,
		Application:     application,
		Description:     description,
		IsManuallyAdded: manuallyAdded,
	}
	return nil
}

// ScopeDelete removes a scope unless it is still referenced.
func (s *Store) ScopeDelete(_ context.Context, scope string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.scopes[scope]
	if !ok {
		return false, nil
	}
	if existing.IsPermanent || s.scopeReferencedLocked(scope) {
		return false, nil
	}

	delete(s.scopes, scope)
	return true, nil
}

// scopeReferencedLocked reports whether any profile or live code still
// uses the scope. Callers hold the lock.
func (s *Store) scopeReferencedLocked(scope string) bool {
	for _, set := range s.profileScopes {
		if set[scope] {
			return true
		}
	}
	for _, code := range s.codes {
		if slices.Contains(code.Scopes, scope) {
			return true
		}
	}
	return false
}

// ScopeCleanup removes unreferenced ephemeral scopes.
func (s *Store) ScopeCleanup(ctx context.Context, atLeastSinceLast time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.almanacDueLocked(storage.AlmanacEventScopeCleanup, atLeastSinceLast) {
		return 0, false, nil
	}

	var removed int64
	for scope, details := range s.scopes {
		if details.IsPermanent || details.IsManuallyAdded {
			continue
		}
		if s.scopeReferencedLocked(scope) {
			continue
		}
		delete(s.scopes, scope)
		removed++
	}

	s.almanac[storage.AlmanacEventScopeCleanup] = time.Now()
	return removed, true, nil
}

// RedeemCode atomically records a code redemption.
func (s *Store) RedeemCode(_ context.Context, req storage.RedeemCodeRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.codes[req.CodeID]; ok {
		// Replay. Revoke a live row; an already revoked row stays put.
		if !existing.IsRevoked {
			existing.IsRevoked = true
		}
		return false, nil
	}

	code := &storage.Code{
		CodeID:      req.CodeID,
		Created:     req.Created,
		IsToken:     req.IsToken,
		ClientID:    req.ClientID,
		Profile:     req.Profile,
		Identifier:  req.Identifier,
		Scopes:      slices.Clone(req.Scopes),
		ProfileData: req.ProfileData,
		Resource:    req.Resource,
	}
	if req.LifespanSeconds != nil {
		expires := req.Created.Add(time.Duration(*req.LifespanSeconds) * time.Second)
		code.Expires = &expires

		if req.RefreshLifespanSeconds != nil {
			d := time.Duration(*req.RefreshLifespanSeconds) * time.Second
			refreshExpires := req.Created.Add(d)
			code.RefreshExpires = &refreshExpires
			code.RefreshDuration = &d
		}
	}

	s.codes[req.CodeID] = code
	return true, nil
}

// RefreshCode extends a refreshable token and removes narrowed scopes.
func (s *Store) RefreshCode(_ context.Context, codeID string, refreshedAt time.Time, removeScopes []string) (*storage.RefreshResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeID]
	if !ok || !code.IsToken || code.IsRevoked || code.RefreshDuration == nil {
		return nil, nil
	}
	if code.RefreshExpires == nil || code.RefreshExpires.Before(refreshedAt) {
		return nil, nil
	}

	expires := refreshedAt.Add(*code.RefreshDuration)
	refreshExpires := refreshedAt.Add(*code.RefreshDuration)
	code.Expires = &expires
	code.RefreshExpires = &refreshExpires
	code.Refreshed = &refreshedAt

	result := &storage.RefreshResult{
		Expires:        &expires,
		RefreshExpires: &refreshExpires,
	}
	if len(removeScopes) > 0 {
		var kept []string
		for _, scope := range code.Scopes {
			if !slices.Contains(removeScopes, scope) {
				kept = append(kept, scope)
			}
		}
		code.Scopes = kept
		result.Scopes = slices.Clone(kept)
	}

	return result, nil
}

// TokenGetByCodeID fetches the unified code/token row.
func (s *Store) TokenGetByCodeID(_ context.Context, codeID string) (*storage.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[codeID]
	if !ok {
		return nil, nil
	}
	cp := *code
	cp.Scopes = slices.Clone(code.Scopes)
	return &cp, nil
}

// TokenRevokeByCodeID marks a token revoked.
func (s *Store) TokenRevokeByCodeID(_ context.Context, codeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeID]
	if !ok || code.IsRevoked {
		return storage.ErrUnexpectedResult
	}
	code.IsRevoked = true
	return nil
}

// TokenRefreshRevokeByCodeID removes a token's refreshability.
func (s *Store) TokenRefreshRevokeByCodeID(_ context.Context, codeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeID]
	if !ok || code.RefreshDuration == nil {
		return storage.ErrUnexpectedResult
	}
	code.RefreshDuration = nil
	code.RefreshExpires = nil
	return nil
}

// TokensGetByIdentifier lists an operator's code/token rows, newest first.
func (s *Store) TokensGetByIdentifier(_ context.Context, identifier string) ([]*storage.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Code
	for _, code := range s.codes {
		if code.Identifier != identifier {
			continue
		}
		cp := *code
		cp.Scopes = slices.Clone(code.Scopes)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *storage.Code) int {
		return b.Created.Compare(a.Created)
	})
	return out, nil
}

// TokenCleanup removes dead codes and tokens.
func (s *Store) TokenCleanup(_ context.Context, codeLifespanSeconds int64, atLeastSinceLast time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.almanacDueLocked(storage.AlmanacEventTokenCleanup, atLeastSinceLast) {
		return 0, false, nil
	}

	now := time.Now()
	codeHorizon := now.Add(-time.Duration(codeLifespanSeconds) * time.Second)

	var removed int64
	for id, code := range s.codes {
		var dead bool
		if code.IsToken {
			expired := code.Expires != nil && code.Expires.Before(now)
			refreshable := code.RefreshExpires != nil && code.RefreshExpires.After(now)
			dead = (expired || code.IsRevoked) && !refreshable
		} else {
			dead = code.Created.Before(codeHorizon)
		}
		if dead {
			delete(s.codes, id)
			removed++
		}
	}

	s.almanac[storage.AlmanacEventTokenCleanup] = now
	return removed, true, nil
}

// TicketRedeemed records a proffered ticket pending publication.
func (s *Store) TicketRedeemed(_ context.Context, ticket storage.RedeemedTicket) error {
	if ticket.Ticket == "" || ticket.Resource == "" || ticket.Subject == "" {
		return storage.ErrDataValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ticketKey{ticket.Ticket, ticket.Resource, ticket.Subject}
	if _, ok := s.tickets[key]; ok {
		return storage.ErrUnexpectedResult
	}

	cp := ticket
	if cp.Created.IsZero() {
		cp.Created = time.Now()
	}
	s.tickets[key] = &cp
	s.ticketOrder = append(s.ticketOrder, key)
	return nil
}

// TicketTokenPublished marks a redeemed ticket as delivered to the queue.
func (s *Store) TicketTokenPublished(_ context.Context, ticket storage.RedeemedTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ticketKey{ticket.Ticket, ticket.Resource, ticket.Subject}
	existing, ok := s.tickets[key]
	if !ok {
		return storage.ErrUnexpectedResult
	}
	now := time.Now()
	existing.Published = &now
	return nil
}

// TicketTokenGetUnpublished returns pending tickets, oldest first.
func (s *Store) TicketTokenGetUnpublished(_ context.Context, limit int) ([]storage.RedeemedTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.RedeemedTicket
	for _, key := range s.ticketOrder {
		ticket, ok := s.tickets[key]
		if !ok || ticket.Published != nil {
			continue
		}
		out = append(out, *ticket)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ResourceGet fetches a resource server record by id.
func (s *Store) ResourceGet(_ context.Context, resourceID string) (*storage.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[resourceID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// ResourceUpsert provisions or updates a resource server record.
func (s *Store) ResourceUpsert(_ context.Context, resourceID, secret, description string) error {
	if resourceID == "" {
		return storage.ErrDataValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.resources[resourceID]; ok {
		existing.Secret = secret
		existing.Description = description
		return nil
	}
	s.resources[resourceID] = &storage.Resource{
		ResourceID:  resourceID,
		Secret:      secret,
		Description: description,
		Created:     time.Now(),
	}
	return nil
}

// AlmanacGetAll returns the last-run date of every recorded event.
func (s *Store) AlmanacGetAll(_ context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time, len(s.almanac))
	for event, date := range s.almanac {
		out[event] = date
	}
	return out, nil
}

// AlmanacUpsert records the last-run date for an event.
func (s *Store) AlmanacUpsert(_ context.Context, event string, date time.Time) error {
	if event == "" {
		return storage.ErrDataValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.almanac[event] = date
	return nil
}

// almanacDueLocked reports whether an event is due to run again.
// Callers hold the lock.
func (s *Store) almanacDueLocked(event string, atLeastSinceLast time.Duration) bool {
	if atLeastSinceLast <= 0 {
		return true
	}
	last, ok := s.almanac[event]
	if !ok {
		return true
	}
	return time.Since(last) >= atLeastSinceLast
}
