// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) issueToken(t *testing.T) TokenResponse {
	t.Helper()
	code, _ := h.authorizeAndConsent(t, nil, nil)
	w := h.redeem(t, code, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeToken(t, w)
}

func (h *harness) introspect(t *testing.T, form url.Values) IntrospectionResponse {
	t.Helper()
	w := httptest.NewRecorder()
	h.manager.HandleIntrospection(w, postForm("/introspection", form))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var response IntrospectionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestRevocationAccessToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	issued := h.issueToken(t)

	w := httptest.NewRecorder()
	h.manager.HandleRevocation(w, postForm("/revocation", url.Values{"token": {issued.AccessToken}}))
	require.Equal(t, http.StatusOK, w.Code)
	assertNoCache(t, w)

	assert.False(t, h.introspect(t, url.Values{"token": {issued.AccessToken}}).Active)

	// A second revocation finds nothing live.
	w = httptest.NewRecorder()
	h.manager.HandleRevocation(w, postForm("/revocation", url.Values{"token": {issued.AccessToken}}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRevocationRefreshTokenOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	issued := h.issueToken(t)

	// Revoking the refresh token strips refreshability but leaves the
	// access token alive.
	w := httptest.NewRecorder()
	h.manager.HandleRevocation(w, postForm("/revocation", url.Values{"token": {issued.RefreshToken}}))
	require.Equal(t, http.StatusOK, w.Code)

	assert.True(t, h.introspect(t, url.Values{"token": {issued.AccessToken}}).Active)

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {issued.RefreshToken}, "client_id": {h.clientID}}
	w = httptest.NewRecorder()
	h.manager.HandleToken(w, postForm("/token", form))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRevocationViaTokenEndpointAction(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	issued := h.issueToken(t)

	form := url.Values{"action": {"revoke"}, "token": {issued.AccessToken}}
	w := httptest.NewRecorder()
	h.manager.HandleToken(w, postForm("/token", form))
	require.Equal(t, http.StatusOK, w.Code)

	assert.False(t, h.introspect(t, url.Values{"token": {issued.AccessToken}}).Active)
}

func TestRevocationGarbage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	w := httptest.NewRecorder()
	h.manager.HandleRevocation(w, postForm("/revocation", url.Values{"token": {"garbage"}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIntrospection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	issued := h.issueToken(t)

	response := h.introspect(t, url.Values{"token": {issued.AccessToken}})
	assert.True(t, response.Active)
	assert.Equal(t, h.profileURL, response.Me)
	assert.Equal(t, h.clientID, response.ClientID)
	assert.Equal(t, "profile create", response.Scope)
	assert.Equal(t, "Bearer", response.TokenType)
	require.NotNil(t, response.Exp)
	assert.Greater(t, *response.Exp, time.Now().Unix())

	assert.False(t, h.introspect(t, url.Values{"token": {"garbage"}}).Active)
}

func TestIntrospectionTicketHint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	sealed, err := h.codec.Pack(Ticket{
		CodeID:   uuid.NewString(),
		Iss:      "https://auth.example.com/",
		Exp:      time.Now().Unix() + 300,
		Subject:  "https://subject.example.com/",
		Resource: "https://resource.example.com/private",
		Scopes:   []string{"read"},
		Profile:  h.profileURL,
	})
	require.NoError(t, err)

	response := h.introspect(t, url.Values{"token": {sealed}, "token_hint_type": {"ticket"}})
	assert.True(t, response.Active)
	assert.Equal(t, h.profileURL, response.Me)
	assert.Equal(t, "read", response.Scope)

	expired, err := h.codec.Pack(Ticket{CodeID: uuid.NewString(), Exp: time.Now().Unix() - 10})
	require.NoError(t, err)
	assert.False(t, h.introspect(t, url.Values{"token": {expired}, "token_hint_type": {"ticket"}}).Active)

	// Redeeming the ticket spends it; the envelope itself is still
	// structurally valid and unexpired.
	w := httptest.NewRecorder()
	h.manager.HandleToken(w, postForm("/token", url.Values{"grant_type": {"ticket"}, "ticket": {sealed}}))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.False(t, h.introspect(t, url.Values{"token": {sealed}, "token_hint_type": {"ticket"}}).Active)
}

func TestUserInfo(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	issued := h.issueToken(t)

	w := httptest.NewRecorder()
	h.manager.HandleUserInfo(w, postForm("/userinfo", url.Values{"token": {issued.AccessToken}}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assertNoCache(t, w)

	var profile map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &profile))
	assert.Equal(t, "Alice Operator", profile["name"])
	assert.Empty(t, profile["email"], "email withheld without the email scope")
}

func TestUserInfoBearerHeader(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	issued := h.issueToken(t)

	req := postForm("/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+issued.AccessToken)
	w := httptest.NewRecorder()
	h.manager.HandleUserInfo(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserInfoRefusals(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	t.Run("garbage token", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.manager.HandleUserInfo(w, postForm("/userinfo", url.Values{"token": {"garbage"}}))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("without profile scope", func(t *testing.T) {
		code, _ := h.authorizeAndConsent(t, nil, url.Values{"accepted_scopes": {"create"}})
		issued := decodeToken(t, h.redeem(t, code, nil))

		w := httptest.NewRecorder()
		h.manager.HandleUserInfo(w, postForm("/userinfo", url.Values{"token": {issued.AccessToken}}))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assertTokenError(t, w, ErrCodeInvalidScope)
	})

	t.Run("revoked token", func(t *testing.T) {
		issued := h.issueToken(t)
		w := httptest.NewRecorder()
		h.manager.HandleRevocation(w, postForm("/revocation", url.Values{"token": {issued.AccessToken}}))
		require.Equal(t, http.StatusOK, w.Code)

		w = httptest.NewRecorder()
		h.manager.HandleUserInfo(w, postForm("/userinfo", url.Values{"token": {issued.AccessToken}}))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
