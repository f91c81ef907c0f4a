// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thylacine/indie-auther-sub000/pkg/chores"
	"github.com/thylacine/indie-auther-sub000/pkg/config"
	"github.com/thylacine/indie-auther-sub000/pkg/credentials"
	"github.com/thylacine/indie-auther-sub000/pkg/envelope"
	"github.com/thylacine/indie-auther-sub000/pkg/indieauth"
	"github.com/thylacine/indie-auther-sub000/pkg/manager"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
	"github.com/thylacine/indie-auther-sub000/pkg/storage/memory"
)

const (
	testOperator = "alice"
	testPassword = "correct horse battery staple"
)

type serverHarness struct {
	server *Server
	store  *memory.Store

	profileURL string
}

func testConfig() *config.Config {
	return &config.Config{
		EncryptionSecret: "test secret",
		Dingus:           config.DingusConfig{SelfBaseURL: "https://auth.example.com/"},
		Route: config.RouteConfig{
			Landing:          "/",
			Metadata:         "/metadata",
			Authorization:    "/authorize",
			Consent:          "/consent",
			Token:            "/token",
			Revocation:       "/revocation",
			Introspection:    "/introspection",
			UserInfo:         "/userinfo",
			Ticket:           "/ticket",
			Admin:            "/admin",
			AdminTicket:      "/admin/ticket",
			AdminMaintenance: "/admin/maintenance",
			Healthcheck:      "/healthcheck",
		},
		Manager: config.ManagerConfig{
			CodeValidityTimeoutMs: 10 * 60 * 1000,
			TicketLifespanSeconds: 300,
		},
		Authenticator: config.AuthenticatorConfig{AuthnEnabled: true},
		ListenAddress: "127.0.0.1:0",
	}
}

func newServerHarness(t *testing.T, mutate func(*config.Config)) *serverHarness {
	t.Helper()
	ctx := context.Background()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	store := memory.New()
	require.NoError(t, store.Initialize(ctx))

	credential, err := credentials.Hash(testPassword)
	require.NoError(t, err)
	require.NoError(t, store.AuthenticationUpsert(ctx, testOperator, credential, ""))

	profileURL := "https://alice.example.com/"
	require.NoError(t, store.ProfileIdentifierInsert(ctx, profileURL, testOperator))

	codec, err := envelope.New(cfg.EncryptionSecret)
	require.NoError(t, err)

	renderer, err := NewRenderer()
	require.NoError(t, err)

	mgr := manager.New(store, codec, indieauth.NewFetcher(&http.Client{}), nil, renderer, cfg)
	ch := chores.New(store, nil, cfg)
	t.Cleanup(ch.Stop)

	return &serverHarness{
		server:     New(cfg, store, mgr, ch, renderer, NewBasicAuthenticator(store)),
		store:      store,
		profileURL: profileURL,
	}
}

func (h *serverHarness) request(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	return w
}

func (h *serverHarness) authed(req *http.Request) *http.Request {
	req.SetBasicAuth(testOperator, testPassword)
	return req
}

func postFormRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHealthcheck(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)

	w := h.request(t, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestLandingPage(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)

	w := h.request(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
}

func TestMetadataRoutes(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)

	for _, path := range []string{"/metadata", "/.well-known/oauth-authorization-server"} {
		w := h.request(t, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)

		var metadata map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metadata))
		assert.Equal(t, "https://auth.example.com/", metadata["issuer"])
	}
}

func TestAuthorizationRequiresSession(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)

	w := h.request(t, httptest.NewRequest(http.MethodGet, "/authorize", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	req.SetBasicAuth(testOperator, "wrong password")
	w = h.request(t, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionDisabledTrustsUsername(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, func(cfg *config.Config) {
		cfg.Authenticator.AuthnEnabled = false
	})

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.SetBasicAuth("anyone", "anything")
	w := h.request(t, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "anyone")
}

func TestAdminPage(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)

	w := h.request(t, h.authed(httptest.NewRequest(http.MethodGet, "/admin", nil)))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, testOperator)
	assert.Contains(t, body, h.profileURL)
	assert.Contains(t, body, "profile")
	assert.Contains(t, body, "email")
}

func TestAdminSaveScopes(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.store.ScopeUpsert(ctx, "create", "", "", true))

	form := url.Values{
		"action":  {"save-scopes"},
		"profile": {h.profileURL},
		"scopes":  {"create", "profile"},
	}
	w := h.request(t, h.authed(postFormRequest("/admin", form)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "default scopes saved")

	ps, err := h.store.ProfilesScopesByIdentifier(ctx, testOperator)
	require.NoError(t, err)
	offered := ps.ProfileScopes[h.profileURL]
	assert.Contains(t, offered, "create")
	assert.Contains(t, offered, "profile")
}

func TestAdminRevokeUnknownCode(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)

	form := url.Values{
		"action":  {"revoke"},
		"code_id": {"11111111-1111-4111-8111-111111111111"},
	}
	w := h.request(t, h.authed(postFormRequest("/admin", form)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no such token")
}

func TestAdminRevokeOwnToken(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)
	ctx := context.Background()

	codeID := "22222222-2222-4222-8222-222222222222"
	lifespan := int64(3600)
	accepted, err := h.store.RedeemCode(ctx, storage.RedeemCodeRequest{
		CodeID:          codeID,
		Created:         time.Now(),
		IsToken:         true,
		ClientID:        "https://app.example.com/",
		Profile:         h.profileURL,
		Identifier:      testOperator,
		Scopes:          []string{"profile"},
		LifespanSeconds: &lifespan,
	})
	require.NoError(t, err)
	require.True(t, accepted)

	form := url.Values{"action": {"revoke"}, "code_id": {codeID}}
	w := h.request(t, h.authed(postFormRequest("/admin", form)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "token revoked")

	row, err := h.store.TokenGetByCodeID(ctx, codeID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.IsRevoked)
}

func TestAdminRevokeForeignTokenRefused(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)
	ctx := context.Background()

	codeID := "33333333-3333-4333-8333-333333333333"
	accepted, err := h.store.RedeemCode(ctx, storage.RedeemCodeRequest{
		CodeID:     codeID,
		Created:    time.Now(),
		IsToken:    true,
		ClientID:   "https://app.example.com/",
		Profile:    "https://bob.example.com/",
		Identifier: "bob",
		Scopes:     []string{"profile"},
	})
	require.NoError(t, err)
	require.True(t, accepted)

	form := url.Values{"action": {"revoke"}, "code_id": {codeID}}
	w := h.request(t, h.authed(postFormRequest("/admin", form)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no such token")

	row, err := h.store.TokenGetByCodeID(ctx, codeID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.False(t, row.IsRevoked)
}

func TestAdminMaintenance(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)

	w := h.request(t, h.authed(postFormRequest("/admin/maintenance", nil)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "All chores executed")
	assert.Contains(t, w.Body.String(), storage.AlmanacEventTokenCleanup)
	assert.Contains(t, w.Body.String(), storage.AlmanacEventScopeCleanup)
}

func TestIntrospectionRequiresResourceAuth(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)
	ctx := context.Background()

	form := url.Values{"token": {"garbage"}}

	w := h.request(t, postFormRequest("/introspection", form))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	require.NoError(t, h.store.ResourceUpsert(ctx, "resource-1", "resource-secret", "test resource"))

	req := postFormRequest("/introspection", form)
	req.SetBasicAuth("resource-1", "wrong")
	w = h.request(t, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = postFormRequest("/introspection", form)
	req.SetBasicAuth("resource-1", "resource-secret")
	w = h.request(t, req)
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, false, response["active"])
}

func TestTokenEndpointRouted(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, nil)

	// An unauthenticated, garbage redemption exercises the route down
	// into the manager.
	form := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"garbage"},
	}
	w := h.request(t, postFormRequest("/token", form))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestBasicAuthenticator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.New()
	require.NoError(t, store.Initialize(ctx))
	credential, err := credentials.Hash(testPassword)
	require.NoError(t, err)
	require.NoError(t, store.AuthenticationUpsert(ctx, testOperator, credential, ""))

	authenticator := NewBasicAuthenticator(store)
	assert.NoError(t, authenticator.Authenticate(ctx, testOperator, testPassword))
	assert.Error(t, authenticator.Authenticate(ctx, testOperator, "wrong"))
	assert.Error(t, authenticator.Authenticate(ctx, "nobody", testPassword))

	// Success is recorded on the operator row.
	record, err := store.AuthenticationGet(ctx, testOperator)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.NotNil(t, record.LastAuthentication)

	// Delegated credentials are refused by this build.
	require.NoError(t, store.AuthenticationUpsert(ctx, "pam-user", "$PAM$", ""))
	assert.Error(t, authenticator.Authenticate(ctx, "pam-user", "anything"))
}

func TestRendererPages(t *testing.T) {
	t.Parallel()

	renderer, err := NewRenderer()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	renderer.ErrorPage(w, http.StatusBadRequest, []string{"first problem", "second problem"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "first problem")
	assert.Contains(t, string(body), "second problem")

	w = httptest.NewRecorder()
	renderer.ConsentPage(w, manager.ConsentPageData{
		Session:       "sealed-session",
		ConsentPath:   "/consent",
		ClientID:      "https://app.example.com/",
		ClientName:    "Test App",
		OfferedScopes: []string{"profile", "create"},
		Profiles:      []string{"https://alice.example.com/"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	page := w.Body.String()
	assert.Contains(t, page, "sealed-session")
	assert.Contains(t, page, `action="/consent"`)
	assert.Contains(t, page, "Test App")
}
