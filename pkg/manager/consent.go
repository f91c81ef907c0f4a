// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/scopes"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// HandleConsent processes the consent form submission: it reopens the
// Continuation, applies the operator's choices, and redirects back to
// the client with a sealed code.
func (m *Manager) HandleConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		m.renderer.ErrorPage(w, http.StatusBadRequest, []string{"malformed form submission"})
		return
	}

	var continuation Continuation
	if err := m.codec.Unpack(r.PostForm.Get("session"), &continuation); err != nil {
		logger.Debugw("unusable consent session", "error", err)
		m.renderer.ErrorPage(w, http.StatusBadRequest, []string{"consent session is not valid"})
		return
	}
	if continuation.ClientID == "" || continuation.RedirectURI == "" {
		m.renderer.ErrorPage(w, http.StatusBadRequest, []string{"consent session is incomplete"})
		return
	}

	redirectURI, err := url.Parse(continuation.RedirectURI)
	if err != nil {
		m.renderer.ErrorPage(w, http.StatusBadRequest, []string{"consent session is incomplete"})
		return
	}

	var ec errorCollector

	if r.PostForm.Get("accept") != "true" {
		ec.add(ErrCodeAccessDenied, "authorization was not granted")
		m.redirectError(w, r, redirectURI, continuation.State, &ec)
		return
	}

	acceptedScopes := m.consentedScopes(r.PostForm)

	me := r.PostForm.Get("me")
	if !slices.Contains(continuation.Profiles, me) {
		ec.add(ErrCodeInvalidRequest, "selected profile is not available")
	}

	var profileData *storage.ProfileData
	if ec.empty() {
		profileData = m.fetchProfileData(r, me, &ec)
	}

	if !ec.empty() {
		m.redirectError(w, r, redirectURI, continuation.State, &ec)
		return
	}

	tokenLifespan := parseLifespan(r.PostForm.Get("expires"), r.PostForm.Get("expires-seconds"))
	var refreshLifespan *int64
	if tokenLifespan != nil {
		refreshLifespan = parseLifespan(r.PostForm.Get("refresh"), r.PostForm.Get("refresh-seconds"))
	}

	grant := CodeGrant{
		CodeID:          continuation.ID,
		ChallengeMethod: continuation.ChallengeMethod,
		Challenge:       continuation.Challenge,
		ClientID:        continuation.ClientID,
		RedirectURI:     continuation.RedirectURI,
		AcceptedScopes:  acceptedScopes,
		TokenLifespan:   tokenLifespan,
		RefreshLifespan: refreshLifespan,
		Me:              me,
		Profile:         profileData,
		Identifier:      continuation.AuthenticationID,
		Minted:          time.Now().Unix(),
	}

	code, err := m.codec.Pack(grant)
	if err != nil {
		logger.Errorw("failed to pack code", "error", err)
		m.redirectErrorCode(w, r, redirectURI, continuation.State, ErrCodeServerError, "internal error")
		return
	}

	// Remember ad-hoc scopes so future consent pages can offer them.
	// Scopes already on record keep their application and description.
	if ps, err := m.store.ProfilesScopesByIdentifier(ctx, continuation.AuthenticationID); err != nil {
		logger.Debugw("failed to list known scopes", "error", err)
	} else {
		for _, scope := range acceptedScopes {
			if _, known := ps.ScopeIndex[scope]; known {
				continue
			}
			if err := m.store.ScopeUpsert(ctx, scope, "", "", false); err != nil {
				logger.Debugw("failed to record scope", "scope", scope, "error", err)
			}
		}
	}

	target := *redirectURI
	values := target.Query()
	values.Set("code", code)
	values.Set("state", continuation.State)
	values.Set("iss", m.selfBaseURL)
	target.RawQuery = values.Encode()

	setNoCache(w)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// consentedScopes merges the checked scopes with the operator's ad-hoc
// entries, dropping invalid names and an email scope granted without
// profile.
func (m *Manager) consentedScopes(form url.Values) []string {
	accepted, dropped := scopes.Filter(form["accepted_scopes"])
	if len(dropped) > 0 {
		logger.Debugw("dropped invalid accepted scopes", "scopes", dropped)
	}

	adHoc, droppedAdHoc := scopes.Filter(scopes.Split(form.Get("ad_hoc_scopes")))
	if len(droppedAdHoc) > 0 {
		logger.Infow("dropped invalid ad-hoc scopes", "scopes", droppedAdHoc)
	}
	for _, scope := range adHoc {
		if !scopes.Contains(accepted, scope) {
			accepted = append(accepted, scope)
		}
	}

	if scopes.Contains(accepted, "email") && !scopes.Contains(accepted, "profile") {
		logger.Infow("removing email scope accepted without profile scope")
		accepted = scopes.Remove(accepted, []string{"email"})
	}
	return accepted
}

// fetchProfileData retrieves the live h-card for the selected profile.
func (m *Manager) fetchProfileData(r *http.Request, me string, ec *errorCollector) *storage.ProfileData {
	profileURL, err := url.Parse(me)
	if err != nil {
		ec.add(ErrCodeInvalidRequest, "selected profile is not a URL")
		return nil
	}

	info, err := m.fetcher.FetchProfile(r.Context(), profileURL)
	if err != nil {
		logger.Infow("profile fetch failed", "profile", me, "error", err)
		ec.add(ErrCodeTemporarilyUnavailable, "profile could not be retrieved")
		return nil
	}

	return &storage.ProfileData{
		Name:  info.Name,
		URL:   info.URL,
		Photo: info.Photo,
		Email: info.Email,
	}
}
