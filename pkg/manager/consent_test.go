// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redirectQuery(t *testing.T, w interface{ Header() http.Header }) url.Values {
	t.Helper()
	redirected, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return redirected.Query()
}

func TestHandleConsentDeny(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	w := h.authorize(t, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.consent(t, url.Values{"accept": {"false"}})
	require.Equal(t, http.StatusFound, w.Code)

	query := redirectQuery(t, w)
	assert.Equal(t, ErrCodeAccessDenied, query.Get("error"))
	assert.Equal(t, "opaque-state", query.Get("state"))
	assert.Empty(t, query.Get("code"))
}

func TestHandleConsentBadSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	w := h.consent(t, url.Values{"session": {"garbage"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleConsentForeignMe(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	w := h.authorize(t, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.consent(t, url.Values{"me": {"https://stranger.example.com/"}})
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, ErrCodeInvalidRequest, redirectQuery(t, w).Get("error"))
}

func TestHandleConsentAdHocScopes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	code, _ := h.authorizeAndConsent(t, nil, url.Values{"ad_hoc_scopes": {"publish media"}})

	var grant CodeGrant
	require.NoError(t, h.codec.Unpack(code, &grant))
	assert.Equal(t, []string{"profile", "create", "publish", "media"}, grant.AcceptedScopes)

	// Ad-hoc scopes are remembered for future consent pages.
	w := h.authorize(t, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ps, err := h.store.ProfilesScopesByIdentifier(context.Background(), testIdentifier)
	require.NoError(t, err)
	assert.Contains(t, ps.ScopeIndex, "publish")
	assert.Contains(t, ps.ScopeIndex, "media")
}

func TestHandleConsentPreservesScopeDetails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx := context.Background()
	require.NoError(t, h.store.ScopeUpsert(ctx, "create", "microblog", "Make new content.", true))

	h.authorizeAndConsent(t, nil, url.Values{"ad_hoc_scopes": {"publish"}})

	ps, err := h.store.ProfilesScopesByIdentifier(ctx, testIdentifier)
	require.NoError(t, err)
	assert.Equal(t, "microblog", ps.ScopeIndex["create"].Scope.Application)
	assert.Equal(t, "Make new content.", ps.ScopeIndex["create"].Scope.Description)
	assert.NotEmpty(t, ps.ScopeIndex["profile"].Scope.Description)
	assert.Contains(t, ps.ScopeIndex, "publish")
}

func TestHandleConsentStripsUnpairedEmail(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	code, _ := h.authorizeAndConsent(t, nil, url.Values{"accepted_scopes": {"email", "create"}})

	var grant CodeGrant
	require.NoError(t, h.codec.Unpack(code, &grant))
	assert.NotContains(t, grant.AcceptedScopes, "email")
	assert.Contains(t, grant.AcceptedScopes, "create")
}

func TestHandleConsentProfileSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	code, _ := h.authorizeAndConsent(t, nil, nil)

	var grant CodeGrant
	require.NoError(t, h.codec.Unpack(code, &grant))
	require.NotNil(t, grant.Profile)
	assert.Equal(t, "Alice Operator", grant.Profile.Name)
	assert.Equal(t, "alice@example.com", grant.Profile.Email)
	assert.Equal(t, h.profileURL, grant.Profile.URL)
}

func TestHandleConsentUnreachableProfile(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ghost := h.site.URL + "/ghost"
	require.NoError(t, h.store.ProfileIdentifierInsert(context.Background(), ghost, testIdentifier))

	w := h.authorize(t, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.consent(t, url.Values{"me": {ghost}})
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, ErrCodeTemporarilyUnavailable, redirectQuery(t, w).Get("error"))
}

func TestHandleConsentLifespans(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	code, _ := h.authorizeAndConsent(t, nil, url.Values{
		"expires":         {"custom"},
		"expires-seconds": {"7200"},
		"refresh":         {"custom"},
		"refresh-seconds": {"14400"},
	})

	var grant CodeGrant
	require.NoError(t, h.codec.Unpack(code, &grant))
	require.NotNil(t, grant.TokenLifespan)
	assert.Equal(t, int64(7200), *grant.TokenLifespan)
	require.NotNil(t, grant.RefreshLifespan)
	assert.Equal(t, int64(14400), *grant.RefreshLifespan)
}
