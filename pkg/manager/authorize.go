// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"net/http"
	"net/url"
	"slices"

	"github.com/google/uuid"

	"github.com/thylacine/indie-auther-sub000/pkg/indieauth"
	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/scopes"
)

// HandleAuthorize ingests a GET /authorize request, validates it, and
// either renders the consent page, redirects back to the client with
// an error, or renders a 400 page when the client identity itself is
// unusable.
func (m *Manager) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier := IdentifierFromContext(ctx)
	if identifier == "" {
		m.renderer.ErrorPage(w, http.StatusUnauthorized, []string{"authentication required"})
		return
	}

	q := r.URL.Query()
	var ec errorCollector

	clientID, err := indieauth.ValidateClientIdentifier(q.Get("client_id"))
	if err != nil {
		logger.Debugw("unusable client_id", "client_id", q.Get("client_id"), "error", err)
		m.renderer.ErrorPage(w, http.StatusBadRequest, []string{"client_id is not a valid client identifier"})
		return
	}

	clientInfo := &indieauth.ClientInfo{}
	if info, err := m.fetcher.FetchClientInfo(ctx, clientID); err != nil {
		logger.Infow("client information fetch failed", "client_id", clientID, "error", err)
		ec.add(ErrCodeInvalidRequest, "could not retrieve client information")
	} else {
		clientInfo = info
	}

	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	redirectUsable := err == nil && q.Get("redirect_uri") != "" &&
		(indieauth.SameOrigin(redirectURI, clientID) ||
			slices.Contains(clientInfo.RedirectURIs, redirectURI.String()))
	if !redirectUsable {
		m.renderer.ErrorPage(w, http.StatusBadRequest, []string{"redirect_uri not valid for this client"})
		return
	}

	if q.Get("response_type") != "code" {
		ec.add(ErrCodeUnsupportedResponseType, "response_type must be code")
	}

	state := q.Get("state")
	if state == "" {
		ec.add(ErrCodeInvalidRequest, "state is required")
	}

	challengeMethod := q.Get("code_challenge_method")
	challenge := q.Get("code_challenge")
	nonPKCE := challengeMethod == "" && challenge == ""
	switch {
	case nonPKCE && m.allowLegacyNonPKCE:
		logger.Warnw("authorization request without PKCE", "client_id", clientID)
	case nonPKCE:
		ec.add(ErrCodeInvalidRequest, "code_challenge is required")
	default:
		if !validChallengeMethod(challengeMethod) {
			ec.add(ErrCodeInvalidRequest, "unsupported code_challenge_method")
		}
		if !challengePattern.MatchString(challenge) {
			ec.add(ErrCodeInvalidRequest, "invalid code_challenge")
		}
	}

	requestedScopes, dropped := scopes.Filter(scopes.Split(q.Get("scope")))
	if len(dropped) > 0 {
		logger.Debugw("dropped invalid scopes from request", "scopes", dropped)
	}
	if scopes.Contains(requestedScopes, "email") && !scopes.Contains(requestedScopes, "profile") {
		ec.add(ErrCodeInvalidScope, "email scope requires profile scope")
	}

	var profiles []string
	offeredScopes := []string{}
	if ps, err := m.store.ProfilesScopesByIdentifier(ctx, identifier); err != nil {
		logger.Errorw("failed to load profiles", "identifier", identifier, "error", err)
		ec.add(ErrCodeServerError, "could not retrieve profiles")
	} else {
		profiles = ps.Profiles
		if len(profiles) == 0 {
			ec.add(ErrCodeAccessDenied, "no profiles available for this identifier")
		}
		for scope, details := range ps.ScopeIndex {
			if details.Scope.IsPermanent || len(details.Profiles) > 0 {
				offeredScopes = append(offeredScopes, scope)
			}
		}
		slices.Sort(offeredScopes)
	}

	me := q.Get("me")
	if me != "" && !slices.Contains(profiles, me) {
		me = ""
	}

	if !ec.empty() {
		m.redirectError(w, r, redirectURI, state, &ec)
		return
	}

	continuation := Continuation{
		ID:               uuid.NewString(),
		ClientID:         clientID.String(),
		ClientIdentifier: clientInfo.Name,
		RedirectURI:      redirectURI.String(),
		ResponseType:     "code",
		State:            state,
		ChallengeMethod:  challengeMethod,
		Challenge:        challenge,
		Me:               me,
		Profiles:         profiles,
		RequestedScopes:  requestedScopes,
		AuthenticationID: identifier,
	}

	session, err := m.codec.Pack(continuation)
	if err != nil {
		logger.Errorw("failed to pack continuation", "error", err)
		m.redirectErrorCode(w, r, redirectURI, state, ErrCodeServerError, "internal error")
		return
	}

	setNoCache(w)
	m.renderer.ConsentPage(w, ConsentPageData{
		Session:         session,
		ConsentPath:     m.routes.Consent,
		ClientID:        clientID.String(),
		ClientName:      clientInfo.Name,
		ClientLogo:      clientInfo.Logo,
		RequestedScopes: requestedScopes,
		OfferedScopes:   offeredScopes,
		Profiles:        profiles,
		PreselectedMe:   me,
		NonPKCEWarning:  nonPKCE,
	})
}

// redirectError sends the accumulated errors back to the client's
// redirect_uri.
func (m *Manager) redirectError(w http.ResponseWriter, r *http.Request, redirectURI *url.URL, state string, ec *errorCollector) {
	m.redirectErrorCode(w, r, redirectURI, state, ec.code(), ec.description())
}

func (m *Manager) redirectErrorCode(w http.ResponseWriter, r *http.Request, redirectURI *url.URL, state, code, description string) {
	target := *redirectURI
	values := target.Query()
	values.Set("error", code)
	values.Set("error_description", description)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
