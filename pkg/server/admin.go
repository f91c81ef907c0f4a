// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/manager"
	"github.com/thylacine/indie-auther-sub000/pkg/scopes"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// AdminTokenRow is one grant in the console's table.
type AdminTokenRow struct {
	CodeID    string
	Created   string
	ClientID  string
	Profile   string
	Scopes    string
	Expires   string
	Status    string
	Revocable bool
}

// AdminPageData feeds the admin console template.
type AdminPageData struct {
	Identifier string
	Notice     string

	// ProfileScopes maps profile -> scope -> currently offered.
	ProfileScopes map[string]map[string]bool
	AllScopes     []string

	Tokens []AdminTokenRow
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier := manager.IdentifierFromContext(ctx)

	var notice string
	if r.Method == http.MethodPost {
		notice = s.applyAdminAction(r, identifier)
	}

	ps, err := s.store.ProfilesScopesByIdentifier(ctx, identifier)
	if err != nil {
		logger.Errorw("failed to load profiles", "identifier", identifier, "error", err)
		s.renderer.ErrorPage(w, http.StatusInternalServerError, []string{"could not load profiles"})
		return
	}

	rows, err := s.store.TokensGetByIdentifier(ctx, identifier)
	if err != nil {
		logger.Errorw("failed to load tokens", "identifier", identifier, "error", err)
		s.renderer.ErrorPage(w, http.StatusInternalServerError, []string{"could not load tokens"})
		return
	}

	data := AdminPageData{
		Identifier:    identifier,
		Notice:        notice,
		ProfileScopes: make(map[string]map[string]bool),
	}
	for scope := range ps.ScopeIndex {
		data.AllScopes = append(data.AllScopes, scope)
	}
	slices.Sort(data.AllScopes)
	for _, profile := range ps.Profiles {
		offered := make(map[string]bool)
		for scope := range ps.ProfileScopes[profile] {
			offered[scope] = true
		}
		data.ProfileScopes[profile] = offered
	}
	for _, row := range rows {
		data.Tokens = append(data.Tokens, adminTokenRow(row))
	}

	s.renderer.AdminPage(w, data)
}

// applyAdminAction executes a console form action and returns the
// notice to display.
func (s *Server) applyAdminAction(r *http.Request, identifier string) string {
	if err := r.ParseForm(); err != nil {
		return "malformed form submission"
	}

	switch r.PostForm.Get("action") {
	case "revoke":
		codeID := r.PostForm.Get("code_id")
		if err := s.ownsCode(r, identifier, codeID); err != nil {
			return err.Error()
		}
		err := s.store.TokenRevokeByCodeID(r.Context(), codeID)
		switch {
		case errors.Is(err, storage.ErrUnexpectedResult):
			return "nothing to revoke"
		case err != nil:
			logger.Errorw("failed to revoke token", "code_id", codeID, "error", err)
			return "revocation failed"
		}
		return "token revoked"

	case "save-scopes":
		profile := r.PostForm.Get("profile")
		ps, err := s.store.ProfilesScopesByIdentifier(r.Context(), identifier)
		if err != nil || !slices.Contains(ps.Profiles, profile) {
			return "profile not recognized"
		}
		selected, dropped := scopes.Filter(r.PostForm["scopes"])
		if len(dropped) > 0 {
			logger.Debugw("dropped invalid scopes from console", "scopes", dropped)
		}
		if err := s.store.ProfileScopesSetAll(r.Context(), profile, selected); err != nil {
			logger.Errorw("failed to save profile scopes", "profile", profile, "error", err)
			return "saving scopes failed"
		}
		return "default scopes saved"
	}
	return "unknown action"
}

// ownsCode refuses console actions against another operator's rows.
func (s *Server) ownsCode(r *http.Request, identifier, codeID string) error {
	row, err := s.store.TokenGetByCodeID(r.Context(), codeID)
	if err != nil {
		logger.Errorw("failed to look up token", "code_id", codeID, "error", err)
		return errors.New("lookup failed")
	}
	if row == nil || row.Identifier != identifier {
		return errors.New("no such token")
	}
	return nil
}

func adminTokenRow(row *storage.Code) AdminTokenRow {
	out := AdminTokenRow{
		CodeID:   row.CodeID,
		Created:  row.Created.Format(time.RFC3339),
		ClientID: row.ClientID,
		Profile:  row.Profile,
		Scopes:   strings.Join(row.Scopes, " "),
		Expires:  "never",
	}
	if row.Expires != nil {
		out.Expires = row.Expires.Format(time.RFC3339)
	}

	now := time.Now()
	switch {
	case row.IsRevoked:
		out.Status = "revoked"
	case row.Expires != nil && !row.Expires.After(now):
		out.Status = "expired"
	case !row.IsToken:
		out.Status = "code"
	default:
		out.Status = "active"
		out.Revocable = true
	}
	return out
}

// AdminTicketPageData feeds the ticket mint template.
type AdminTicketPageData struct {
	Profiles []string
	Result   *manager.MintTicketResult
	Error    string
}

func (s *Server) handleAdminTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identifier := manager.IdentifierFromContext(ctx)

	data := AdminTicketPageData{}

	ps, err := s.store.ProfilesScopesByIdentifier(ctx, identifier)
	if err != nil {
		logger.Errorw("failed to load profiles", "identifier", identifier, "error", err)
		s.renderer.ErrorPage(w, http.StatusInternalServerError, []string{"could not load profiles"})
		return
	}
	data.Profiles = ps.Profiles

	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			data.Error = "malformed form submission"
		} else {
			result, err := s.manager.MintTicket(ctx, manager.MintTicketRequest{
				Identifier: identifier,
				Profile:    r.PostForm.Get("profile"),
				Resource:   r.PostForm.Get("resource"),
				Subject:    r.PostForm.Get("subject"),
				Scopes:     scopes.Split(r.PostForm.Get("scopes")),
			})
			if err != nil {
				data.Error = err.Error()
			} else {
				data.Result = result
			}
		}
	}

	s.renderer.AdminTicketPage(w, data)
}

// AdminMaintenancePageData feeds the maintenance template.
type AdminMaintenancePageData struct {
	Ran     bool
	Almanac map[string]string
}

func (s *Server) handleAdminMaintenance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := AdminMaintenancePageData{Almanac: make(map[string]string)}

	if r.Method == http.MethodPost {
		s.chores.RunAll(ctx)
		data.Ran = true
	}

	almanac, err := s.store.AlmanacGetAll(ctx)
	if err != nil {
		logger.Errorw("failed to load almanac", "error", err)
		s.renderer.ErrorPage(w, http.StatusInternalServerError, []string{"could not load almanac"})
		return
	}
	for event, date := range almanac {
		data.Almanac[event] = date.Format(time.RFC3339)
	}

	s.renderer.AdminMaintenancePage(w, data)
}
