// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s := New()
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func seedIdentity(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, s.AuthenticationUpsert(ctx, "alice", "$argon2id$fake", ""))
	require.NoError(t, s.ProfileIdentifierInsert(ctx, "https://alice.example/", "alice"))
}

func int64ptr(v int64) *int64 { return &v }

func TestAuthenticationLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.AuthenticationGet(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.AuthenticationUpsert(ctx, "alice", "$argon2id$one", "otp"))
	got, err = s.AuthenticationGet(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "$argon2id$one", got.Credential)
	assert.Equal(t, "otp", got.OTPKey)
	assert.Nil(t, got.LastAuthentication)

	require.NoError(t, s.AuthenticationUpdateCredential(ctx, "alice", "$argon2id$two"))
	require.NoError(t, s.AuthenticationUpdateOTPKey(ctx, "alice", ""))
	require.NoError(t, s.AuthenticationSuccess(ctx, "alice"))

	got, err = s.AuthenticationGet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "$argon2id$two", got.Credential)
	assert.Empty(t, got.OTPKey)
	assert.NotNil(t, got.LastAuthentication)

	assert.ErrorIs(t, s.AuthenticationUpdateCredential(ctx, "nobody", "x"), storage.ErrUnexpectedResult)
}

func TestProfilesScopesByIdentifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	require.NoError(t, s.ProfileScopeInsert(ctx, "https://alice.example/", "profile"))
	require.NoError(t, s.ScopeUpsert(ctx, "read", "", "fetch feed content", false))
	require.NoError(t, s.ProfileScopeInsert(ctx, "https://alice.example/", "read"))

	view, err := s.ProfilesScopesByIdentifier(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://alice.example/"}, view.Profiles)
	assert.Contains(t, view.ProfileScopes["https://alice.example/"], "profile")
	assert.Contains(t, view.ProfileScopes["https://alice.example/"], "read")
	assert.NotContains(t, view.ProfileScopes["https://alice.example/"], "email")

	// The index knows every scope, with offering profiles attached.
	assert.Contains(t, view.ScopeIndex, "email")
	assert.Equal(t, []string{"https://alice.example/"}, view.ScopeIndex["read"].Profiles)
	assert.True(t, view.ScopeIndex["profile"].IsPermanent)

	// Unknown identifier owns nothing.
	view, err = s.ProfilesScopesByIdentifier(ctx, "mallory")
	require.NoError(t, err)
	assert.Empty(t, view.Profiles)
}

func TestProfileScopesSetAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	require.NoError(t, s.ProfileScopesSetAll(ctx, "https://alice.example/", []string{"profile", "create"}))
	view, err := s.ProfilesScopesByIdentifier(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, view.ProfileScopes["https://alice.example/"], 2)

	require.NoError(t, s.ProfileScopesSetAll(ctx, "https://alice.example/", nil))
	view, err = s.ProfilesScopesByIdentifier(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, view.ProfileScopes["https://alice.example/"])
}

func TestRedeemCode_IdempotentRedemption(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	req := storage.RedeemCodeRequest{
		CodeID:          uuid.NewString(),
		Created:         time.Now(),
		IsToken:         true,
		ClientID:        "https://app.example/",
		Profile:         "https://alice.example/",
		Identifier:      "alice",
		Scopes:          []string{"profile", "email"},
		LifespanSeconds: int64ptr(86400),
	}

	ok, err := s.RedeemCode(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)

	// Replay: refused, and the row is left revoked.
	ok, err = s.RedeemCode(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)

	row, err := s.TokenGetByCodeID(ctx, req.CodeID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.IsRevoked)

	// Third attempt still refused.
	ok, err = s.RedeemCode(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedeemCode_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	req := storage.RedeemCodeRequest{
		CodeID:     uuid.NewString(),
		Created:    time.Now(),
		IsToken:    true,
		ClientID:   "https://app.example/",
		Profile:    "https://alice.example/",
		Identifier: "alice",
		Scopes:     []string{"profile"},
	}

	const attempts = 16
	results := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.RedeemCode(ctx, req)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestRedeemCode_InfiniteLifespan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	req := storage.RedeemCodeRequest{
		CodeID:     uuid.NewString(),
		Created:    time.Now(),
		IsToken:    true,
		ClientID:   "https://app.example/",
		Profile:    "https://alice.example/",
		Identifier: "alice",
		Scopes:     []string{"profile"},
	}

	ok, err := s.RedeemCode(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)

	row, err := s.TokenGetByCodeID(ctx, req.CodeID)
	require.NoError(t, err)
	assert.Nil(t, row.Expires, "nil lifespan must round-trip as no expiration")
	assert.Nil(t, row.RefreshExpires)
}

func TestRefreshCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	req := storage.RedeemCodeRequest{
		CodeID:                 uuid.NewString(),
		Created:                time.Now().Add(-time.Hour),
		IsToken:                true,
		ClientID:               "https://app.example/",
		Profile:                "https://alice.example/",
		Identifier:             "alice",
		Scopes:                 []string{"profile", "email", "read"},
		LifespanSeconds:        int64ptr(86400),
		RefreshLifespanSeconds: int64ptr(604800),
	}
	ok, err := s.RedeemCode(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := s.TokenGetByCodeID(ctx, req.CodeID)
	require.NoError(t, err)
	require.NotNil(t, before.RefreshExpires)

	result, err := s.RefreshCode(ctx, req.CodeID, time.Now(), []string{"email"})
	require.NoError(t, err)
	require.NotNil(t, result)

	// Monotonicity: the refresh window moved strictly forward.
	assert.True(t, result.RefreshExpires.After(*before.RefreshExpires))
	assert.True(t, result.Expires.After(*before.Expires))

	// Narrowing only: email is gone, nothing was added.
	assert.Equal(t, []string{"profile", "read"}, result.Scopes)

	row, err := s.TokenGetByCodeID(ctx, req.CodeID)
	require.NoError(t, err)
	assert.Equal(t, []string{"profile", "read"}, row.Scopes)
	assert.NotNil(t, row.Refreshed)
}

func TestRefreshCode_NotRefreshable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	// No refresh lifespan at redemption.
	req := storage.RedeemCodeRequest{
		CodeID:          uuid.NewString(),
		Created:         time.Now(),
		IsToken:         true,
		ClientID:        "https://app.example/",
		Profile:         "https://alice.example/",
		Identifier:      "alice",
		Scopes:          []string{"profile"},
		LifespanSeconds: int64ptr(3600),
	}
	ok, err := s.RedeemCode(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := s.RefreshCode(ctx, req.CodeID, time.Now(), nil)
	require.NoError(t, err)
	assert.Nil(t, result)

	// Unknown code id.
	result, err = s.RefreshCode(ctx, uuid.NewString(), time.Now(), nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestTokenRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	req := storage.RedeemCodeRequest{
		CodeID:                 uuid.NewString(),
		Created:                time.Now(),
		IsToken:                true,
		ClientID:               "https://app.example/",
		Profile:                "https://alice.example/",
		Identifier:             "alice",
		Scopes:                 []string{"profile"},
		LifespanSeconds:        int64ptr(3600),
		RefreshLifespanSeconds: int64ptr(7200),
	}
	ok, err := s.RedeemCode(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.TokenRefreshRevokeByCodeID(ctx, req.CodeID))
	row, err := s.TokenGetByCodeID(ctx, req.CodeID)
	require.NoError(t, err)
	assert.Nil(t, row.RefreshExpires)
	assert.False(t, row.IsRevoked)

	require.NoError(t, s.TokenRevokeByCodeID(ctx, req.CodeID))
	row, err = s.TokenGetByCodeID(ctx, req.CodeID)
	require.NoError(t, err)
	assert.True(t, row.IsRevoked)

	// Nothing left to revoke.
	assert.ErrorIs(t, s.TokenRevokeByCodeID(ctx, req.CodeID), storage.ErrUnexpectedResult)
	assert.ErrorIs(t, s.TokenRevokeByCodeID(ctx, uuid.NewString()), storage.ErrUnexpectedResult)
	assert.ErrorIs(t, s.TokenRefreshRevokeByCodeID(ctx, req.CodeID), storage.ErrUnexpectedResult)
}

func TestTokenCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	// Expired token, no refresh left.
	expired := storage.RedeemCodeRequest{
		CodeID:          uuid.NewString(),
		Created:         time.Now().Add(-48 * time.Hour),
		IsToken:         true,
		ClientID:        "https://app.example/",
		Profile:         "https://alice.example/",
		Identifier:      "alice",
		Scopes:          []string{"profile"},
		LifespanSeconds: int64ptr(3600),
	}
	// Stale authorization-stage code.
	staleCode := storage.RedeemCodeRequest{
		CodeID:     uuid.NewString(),
		Created:    time.Now().Add(-48 * time.Hour),
		IsToken:    false,
		ClientID:   "https://app.example/",
		Profile:    "https://alice.example/",
		Identifier: "alice",
		Scopes:     []string{"profile"},
	}
	// Live token.
	live := storage.RedeemCodeRequest{
		CodeID:          uuid.NewString(),
		Created:         time.Now(),
		IsToken:         true,
		ClientID:        "https://app.example/",
		Profile:         "https://alice.example/",
		Identifier:      "alice",
		Scopes:          []string{"profile"},
		LifespanSeconds: int64ptr(86400),
	}
	for _, req := range []storage.RedeemCodeRequest{expired, staleCode, live} {
		ok, err := s.RedeemCode(ctx, req)
		require.NoError(t, err)
		require.True(t, ok)
	}

	removed, ran, err := s.TokenCleanup(ctx, 600, 0)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(2), removed)

	row, err := s.TokenGetByCodeID(ctx, live.CodeID)
	require.NoError(t, err)
	assert.NotNil(t, row)

	// Rate limited immediately afterwards.
	_, ran, err = s.TokenCleanup(ctx, 600, time.Hour)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestScopeDeleteAndCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedIdentity(t, s)

	// Permanent scopes can never be deleted.
	deleted, err := s.ScopeDelete(ctx, "profile")
	require.NoError(t, err)
	assert.False(t, deleted)

	// Referenced scopes are kept.
	require.NoError(t, s.ScopeUpsert(ctx, "read", "", "", false))
	require.NoError(t, s.ProfileScopeInsert(ctx, "https://alice.example/", "read"))
	deleted, err = s.ScopeDelete(ctx, "read")
	require.NoError(t, err)
	assert.False(t, deleted)

	// Unreferenced ephemeral scopes go away.
	require.NoError(t, s.ScopeUpsert(ctx, "stale", "", "", false))
	deleted, err = s.ScopeDelete(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, deleted)

	// Cleanup removes ephemeral unreferenced scopes but keeps manually
	// added ones.
	require.NoError(t, s.ScopeUpsert(ctx, "orphan", "", "", false))
	require.NoError(t, s.ScopeUpsert(ctx, "handmade", "", "", true))

	removed, ran, err := s.ScopeCleanup(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(1), removed)

	view, err := s.ProfilesScopesByIdentifier(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, view.ScopeIndex, "handmade")
	assert.Contains(t, view.ScopeIndex, "read")
	assert.NotContains(t, view.ScopeIndex, "orphan")
}

func TestTickets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	first := storage.RedeemedTicket{
		Ticket:   "ticket-1",
		Resource: "https://alice.example/feed",
		Subject:  "https://bob.example/",
		Iss:      "https://ia.example/",
		Token:    "sealed-token-1",
	}
	second := storage.RedeemedTicket{
		Ticket:   "ticket-2",
		Resource: "https://alice.example/photos",
		Subject:  "https://bob.example/",
		Token:    "sealed-token-2",
	}

	require.NoError(t, s.TicketRedeemed(ctx, first))
	require.NoError(t, s.TicketRedeemed(ctx, second))
	assert.ErrorIs(t, s.TicketRedeemed(ctx, first), storage.ErrUnexpectedResult)

	pending, err := s.TicketTokenGetUnpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "ticket-1", pending[0].Ticket, "oldest first")

	require.NoError(t, s.TicketTokenPublished(ctx, first))
	pending, err = s.TicketTokenGetUnpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ticket-2", pending[0].Ticket)

	assert.ErrorIs(t, s.TicketTokenPublished(ctx, storage.RedeemedTicket{
		Ticket: "nope", Resource: "r", Subject: "s",
	}), storage.ErrUnexpectedResult)
}

func TestAlmanac(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	all, err := s.AlmanacGetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	when := time.Now().Truncate(time.Second)
	require.NoError(t, s.AlmanacUpsert(ctx, storage.AlmanacEventTokenCleanup, when))

	all, err = s.AlmanacGetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, when, all[storage.AlmanacEventTokenCleanup])
}
