// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/scopes"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// HandleRevocation serves POST /revocation.
func (m *Manager) HandleRevocation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed form submission")
		return
	}
	m.revokeToken(w, r, r.PostForm.Get("token"))
}

// revokeToken revokes whichever kind of envelope was submitted: an
// access token kills the row, a refresh token only removes
// refreshability.
func (m *Manager) revokeToken(w http.ResponseWriter, r *http.Request, token string) {
	ctx := r.Context()

	var probe tokenProbe
	if err := m.codec.Unpack(token, &probe); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "token not recognized")
		return
	}

	var err error
	switch {
	case probe.CodeID != "":
		err = m.store.TokenRevokeByCodeID(ctx, probe.CodeID)
	case probe.RefreshCodeID != "":
		err = m.store.TokenRefreshRevokeByCodeID(ctx, probe.RefreshCodeID)
	default:
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "token not recognized")
		return
	}

	switch {
	case errors.Is(err, storage.ErrUnexpectedResult):
		writeTokenError(w, http.StatusNotFound, ErrCodeInvalidRequest, "nothing to revoke")
	case err != nil:
		logger.Errorw("failed to revoke token", "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
	default:
		setNoCache(w)
		w.WriteHeader(http.StatusOK)
	}
}

// IntrospectionResponse is the §6 introspection object.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Me        string `json:"me,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Exp       *int64 `json:"exp,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// HandleIntrospection serves POST /introspection for authenticated
// resource servers. The authentication itself is middleware in the
// server package.
func (m *Manager) HandleIntrospection(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed form submission")
		return
	}

	setNoCache(w)

	if r.PostForm.Get("token_hint_type") == "ticket" {
		m.introspectTicket(w, r, r.PostForm.Get("token"))
		return
	}

	var access AccessToken
	if err := m.codec.Unpack(r.PostForm.Get("token"), &access); err != nil || access.CodeID == "" {
		writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}

	row, err := m.store.TokenGetByCodeID(r.Context(), access.CodeID)
	if err != nil {
		logger.Errorw("failed to look up token", "code_id", access.CodeID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}

	now := time.Now()
	if row == nil || row.IsRevoked || (row.Expires != nil && !row.Expires.After(now)) {
		writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}

	response := IntrospectionResponse{
		Active:    true,
		Me:        row.Profile,
		ClientID:  row.ClientID,
		Scope:     strings.Join(row.Scopes, " "),
		IssuedAt:  access.Issued,
		TokenType: "Bearer",
	}
	if row.Expires != nil {
		exp := row.Expires.Unix()
		response.Exp = &exp
	}
	writeJSON(w, http.StatusOK, response)
}

// introspectTicket reports on an as-yet-unredeemed ticket envelope.
func (m *Manager) introspectTicket(w http.ResponseWriter, r *http.Request, token string) {
	var ticket Ticket
	if err := m.codec.Unpack(token, &ticket); err != nil || ticket.CodeID == "" || ticket.Exp < time.Now().Unix() {
		writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}

	// A row under the ticket's code ID means it has been redeemed; the
	// ticket itself is spent no matter what became of the token.
	row, err := m.store.TokenGetByCodeID(r.Context(), ticket.CodeID)
	if err != nil {
		logger.Errorw("failed to look up ticket", "code_id", ticket.CodeID, "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}
	if row != nil {
		writeJSON(w, http.StatusOK, IntrospectionResponse{Active: false})
		return
	}

	writeJSON(w, http.StatusOK, IntrospectionResponse{
		Active: true,
		Me:     ticket.Profile,
		Scope:  strings.Join(ticket.Scopes, " "),
		Exp:    &ticket.Exp,
	})
}

// HandleUserInfo serves POST /userinfo: the stored h-card snapshot for
// a live token holding the profile scope.
func (m *Manager) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed form submission")
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = strings.TrimSpace(bearer)
		}
	}

	var access AccessToken
	if err := m.codec.Unpack(token, &access); err != nil || access.CodeID == "" {
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
	if row == nil || row.IsRevoked || (row.Expires != nil && !row.Expires.After(now)) {
		writeTokenError(w, http.StatusUnauthorized, ErrCodeInvalidGrant, "token is not valid")
		return
	}
	if !scopes.Contains(row.Scopes, "profile") {
		writeTokenError(w, http.StatusForbidden, ErrCodeInvalidScope, "token does not grant profile access")
		return
	}

	profile := profileForScopes(row.ProfileData, row.Scopes)
	if profile == nil {
		profile = &storage.ProfileData{}
	}

	setNoCache(w)
	writeJSON(w, http.StatusOK, profile)
}
