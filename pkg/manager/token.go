// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/scopes"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// tokenError is a protocol failure at a token-family endpoint,
// rendered as the JSON error body.
type tokenError struct {
	status      int
	code        string
	description string
}

func (e *tokenError) write(w http.ResponseWriter) {
	writeTokenError(w, e.status, e.code, e.description)
}

// TokenResponse is the §6 token object.
type TokenResponse struct {
	AccessToken  string               `json:"access_token"`
	TokenType    string               `json:"token_type"`
	ExpiresIn    *int64               `json:"expires_in,omitempty"`
	RefreshToken string               `json:"refresh_token,omitempty"`
	Scope        string               `json:"scope"`
	Me           string               `json:"me"`
	Profile      *storage.ProfileData `json:"profile,omitempty"`
}

// HandleToken dispatches POST /token. Legacy clients are served before
// grant dispatch: an Authorization header means token validation, and
// action=revoke means revocation.
func (m *Manager) HandleToken(w http.ResponseWriter, r *http.Request) {
	if authorization := r.Header.Get("Authorization"); authorization != "" {
		m.validateBearer(w, r, authorization)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed form submission")
		return
	}

	if r.PostForm.Get("action") == "revoke" {
		m.revokeToken(w, r, r.PostForm.Get("token"))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	if grantType == "" {
		grantType = "authorization_code"
	}

	switch grantType {
	case "authorization_code":
		m.authorizationCodeGrant(w, r)
	case "refresh_token":
		m.refreshTokenGrant(w, r)
	case "ticket":
		m.ticketGrant(w, r)
	default:
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unsupported grant type")
	}
}

// HandleAuthorizeRedemption serves POST /authorize: the IndieAuth
// profile-identity exchange, which redeems a code without minting an
// access token.
func (m *Manager) HandleAuthorizeRedemption(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed form submission")
		return
	}

	grant, tokenErr := m.validateCodeGrant(r.PostForm)
	if tokenErr != nil {
		tokenErr.write(w)
		return
	}

	if tokenErr := m.redeemGrant(r, grant, false, ""); tokenErr != nil {
		tokenErr.write(w)
		return
	}

	setNoCache(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"me":      grant.Me,
		"profile": profileForScopes(grant.Profile, grant.AcceptedScopes),
		"scope":   strings.Join(grant.AcceptedScopes, " "),
	})
}

func (m *Manager) authorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	grant, tokenErr := m.validateCodeGrant(r.PostForm)
	if tokenErr != nil {
		tokenErr.write(w)
		return
	}

	if tokenErr := m.redeemGrant(r, grant, true, ""); tokenErr != nil {
		tokenErr.write(w)
		return
	}

	now := time.Now()
	access := AccessToken{CodeID: grant.CodeID, Issued: now.Unix()}
	if grant.TokenLifespan != nil {
		exp := now.Unix() + *grant.TokenLifespan
		access.Exp = &exp
	}

	accessToken, err := m.codec.Pack(access)
	if err != nil {
		logger.Errorw("failed to pack access token", "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}

	response := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   grant.TokenLifespan,
		Scope:       strings.Join(grant.AcceptedScopes, " "),
		Me:          grant.Me,
		Profile:     profileForScopes(grant.Profile, grant.AcceptedScopes),
	}

	if grant.TokenLifespan != nil && grant.RefreshLifespan != nil {
		refresh := RefreshToken{
			CodeID: grant.CodeID,
			Issued: now.Unix(),
			Exp:    now.Unix() + *grant.RefreshLifespan,
		}
		if response.RefreshToken, err = m.codec.Pack(refresh); err != nil {
			logger.Errorw("failed to pack refresh token", "error", err)
			writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
			return
		}
	}

	setNoCache(w)
	writeJSON(w, http.StatusCreated, response)
}

// validateCodeGrant reopens and checks a consented code: envelope
// shape, client/redirect binding, PKCE, and freshness.
func (m *Manager) validateCodeGrant(form url.Values) (*CodeGrant, *tokenError) {
	var grant CodeGrant
	if err := m.codec.Unpack(form.Get("code"), &grant); err != nil {
		return nil, &tokenError{http.StatusBadRequest, ErrCodeInvalidGrant, "code not recognized"}
	}

	if grant.CodeID == "" || grant.ClientID == "" || grant.RedirectURI == "" ||
		len(grant.AcceptedScopes) == 0 || grant.Me == "" || grant.Profile == nil ||
		grant.Identifier == "" || grant.Minted == 0 {
		return nil, &tokenError{http.StatusBadRequest, ErrCodeInvalidGrant, "code is incomplete"}
	}

	if form.Get("client_id") != grant.ClientID {
		return nil, &tokenError{http.StatusBadRequest, ErrCodeInvalidRequest, "client_id mismatch"}
	}
	if form.Get("redirect_uri") != grant.RedirectURI {
		return nil, &tokenError{http.StatusBadRequest, ErrCodeInvalidRequest, "redirect_uri mismatch"}
	}

	switch {
	case grant.Challenge != "" && grant.ChallengeMethod != "":
		if !verifyChallenge(grant.ChallengeMethod, grant.Challenge, form.Get("code_verifier")) {
			return nil, &tokenError{http.StatusBadRequest, ErrCodeInvalidGrant, "code_verifier does not satisfy challenge"}
		}
	case m.allowLegacyNonPKCE && grant.Challenge == "" && grant.ChallengeMethod == "":
		logger.Warnw("redeeming code without PKCE", "client_id", grant.ClientID)
	default:
		return nil, &tokenError{http.StatusBadRequest, ErrCodeInvalidGrant, "code is incomplete"}
	}

	if time.Since(time.Unix(grant.Minted, 0)) > time.Duration(m.codeValidityMs)*time.Millisecond {
		return nil, &tokenError{http.StatusBadRequest, ErrCodeInvalidGrant, "code has expired"}
	}

	return &grant, nil
}

// redeemGrant records the redemption; a replay revokes the row and
// refuses the request.
func (m *Manager) redeemGrant(r *http.Request, grant *CodeGrant, isToken bool, resource string) *tokenError {
	accepted, err := m.store.RedeemCode(r.Context(), storage.RedeemCodeRequest{
		CodeID:                 grant.CodeID,
		Created:                time.Now(),
		IsToken:                isToken,
		ClientID:               grant.ClientID,
		Profile:                grant.Me,
		Identifier:             grant.Identifier,
		Scopes:                 grant.AcceptedScopes,
		LifespanSeconds:        grant.TokenLifespan,
		RefreshLifespanSeconds: grant.RefreshLifespan,
		ProfileData:            grant.Profile,
		Resource:               resource,
	})
	if err != nil {
		logger.Errorw("failed to redeem code", "code_id", grant.CodeID, "error", err)
		return &tokenError{http.StatusInternalServerError, ErrCodeServerError, "internal error"}
	}
	if !accepted {
		logger.Infow("code replay detected", "code_id", grant.CodeID, "client_id", grant.ClientID)
		return &tokenError{http.StatusForbidden, ErrCodeAccessDenied, "code already redeemed"}
	}
	return nil
}

func (m *Manager) refreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var refresh RefreshToken
	if err := m.codec.Unpack(r.PostForm.Get("refresh_token"), &refresh); err != nil || refresh.CodeID == "" {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidGrant, "refresh_token not recognized")
		return
	}

	row, err := m.store.TokenGetByCodeID(ctx, refresh.CodeID)
	if err != nil {
		logger.Errorw("failed to look up token", "code_id", refresh.CodeID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}
	if row == nil {
		writeTokenError(w, http.StatusNotFound, ErrCodeInvalidGrant, "no such token")
		return
	}

	now := time.Now()
	if row.IsRevoked || row.RefreshExpires == nil || row.RefreshExpires.Before(now) {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidGrant, "token is not refreshable")
		return
	}
	// The live envelope is the one minted by the most recent refresh:
	// its exp carries the row's refresh bound and its ts the refreshed
	// mark. An earlier envelope fails one of the two even when the
	// supersession happened within the same second.
	if refresh.Exp < row.RefreshExpires.Unix() ||
		(row.Refreshed != nil && refresh.Issued != row.Refreshed.Unix()) {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidGrant, "token already refreshed")
		return
	}
	if r.PostForm.Get("client_id") != row.ClientID {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "client_id mismatch")
		return
	}

	var removeScopes []string
	if requested := scopes.Split(r.PostForm.Get("scope")); len(requested) > 0 {
		if !scopes.IsSubset(requested, row.Scopes) {
			writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidScope, "scope may only narrow the granted set")
			return
		}
		for _, scope := range row.Scopes {
			if !scopes.Contains(requested, scope) {
				removeScopes = append(removeScopes, scope)
			}
		}
	}

	result, err := m.store.RefreshCode(ctx, refresh.CodeID, now, removeScopes)
	if err != nil {
		logger.Errorw("failed to refresh token", "code_id", refresh.CodeID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}
	if result == nil {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidGrant, "token is not refreshable")
		return
	}

	remaining := result.Scopes
	if remaining == nil {
		remaining = row.Scopes
	}

	accessExp := result.Expires.Unix()
	accessToken, err := m.codec.Pack(AccessToken{CodeID: refresh.CodeID, Issued: now.Unix(), Exp: &accessExp})
	if err != nil {
		logger.Errorw("failed to pack access token", "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}
	refreshToken, err := m.codec.Pack(RefreshToken{CodeID: refresh.CodeID, Issued: now.Unix(), Exp: result.RefreshExpires.Unix()})
	if err != nil {
		logger.Errorw("failed to pack refresh token", "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}

	expiresIn := accessExp - now.Unix()
	setNoCache(w)
	writeJSON(w, http.StatusCreated, TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    &expiresIn,
		RefreshToken: refreshToken,
		Scope:        strings.Join(remaining, " "),
		Me:           row.Profile,
		Profile:      profileForScopes(row.ProfileData, remaining),
	})
}

func (m *Manager) ticketGrant(w http.ResponseWriter, r *http.Request) {
	var ticket Ticket
	if err := m.codec.Unpack(r.PostForm.Get("ticket"), &ticket); err != nil || ticket.CodeID == "" {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidGrant, "ticket not recognized")
		return
	}

	now := time.Now()
	if ticket.Exp < now.Unix() {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidGrant, "ticket has expired")
		return
	}

	accepted, err := m.store.RedeemCode(r.Context(), storage.RedeemCodeRequest{
		CodeID:     ticket.CodeID,
		Created:    now,
		IsToken:    true,
		ClientID:   ticket.Subject,
		Profile:    ticket.Profile,
		Identifier: ticket.Identifier,
		Scopes:     ticket.Scopes,
		Resource:   ticket.Resource,
	})
	if err != nil {
		logger.Errorw("failed to redeem ticket", "code_id", ticket.CodeID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}
	if !accepted {
		logger.Infow("ticket replay detected", "code_id", ticket.CodeID, "subject", ticket.Subject)
		writeTokenError(w, http.StatusForbidden, ErrCodeAccessDenied, "ticket already redeemed")
		return
	}

	accessToken, err := m.codec.Pack(AccessToken{CodeID: ticket.CodeID, Issued: now.Unix()})
	if err != nil {
		logger.Errorw("failed to pack access token", "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}

	// Record the redemption for the publishTickets chore. The token is
	// already minted, so a bookkeeping failure only delays publication.
	if err := m.store.TicketRedeemed(r.Context(), storage.RedeemedTicket{
		Ticket:   r.PostForm.Get("ticket"),
		Resource: ticket.Resource,
		Subject:  ticket.Subject,
		Iss:      ticket.Iss,
		Token:    accessToken,
		Created:  now,
	}); err != nil {
		logger.Errorw("failed to record ticket redemption", "code_id", ticket.CodeID, "error", err)
	}

	setNoCache(w)
	writeJSON(w, http.StatusCreated, TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Scope:       strings.Join(ticket.Scopes, " "),
		Me:          ticket.Profile,
	})
}

// validateBearer serves the legacy token-validation mode of the token
// endpoint.
func (m *Manager) validateBearer(w http.ResponseWriter, r *http.Request, authorization string) {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer, error="invalid_request"`)
		writeTokenError(w, http.StatusUnauthorized, ErrCodeInvalidRequest, "unsupported authorization scheme")
		return
	}

	var access AccessToken
	if err := m.codec.Unpack(strings.TrimSpace(token), &access); err != nil || access.CodeID == "" {
		w.Header().Set("WWW-Authenticate", `Bearer, error="invalid_token"`)
		writeTokenError(w, http.StatusUnauthorized, ErrCodeInvalidGrant, "token not recognized")
		return
	}

	row, err := m.store.TokenGetByCodeID(r.Context(), access.CodeID)
	if err != nil {
		logger.Errorw("failed to look up token", "code_id", access.CodeID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}

	now := time.Now()
	if row == nil || !row.IsToken || row.IsRevoked || (row.Expires != nil && !row.Expires.After(now)) {
		w.Header().Set("WWW-Authenticate", `Bearer, error="invalid_token"`)
		writeTokenError(w, http.StatusUnauthorized, ErrCodeInvalidGrant, "token is not valid")
		return
	}

	setNoCache(w)
	writeJSON(w, http.StatusOK, map[string]string{
		"me":        row.Profile,
		"client_id": row.ClientID,
		"scope":     strings.Join(row.Scopes, " "),
	})
}

// profileForScopes filters stored profile data by the granted scopes:
// nothing without the profile scope, no email without the email scope.
func profileForScopes(data *storage.ProfileData, granted []string) *storage.ProfileData {
	if data == nil || !scopes.Contains(granted, "profile") {
		return nil
	}
	filtered := *data
	if !scopes.Contains(granted, "email") {
		filtered.Email = ""
	}
	return &filtered
}
