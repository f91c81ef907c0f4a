// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/manager"
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer is the template-backed implementation of
// manager.PageRenderer plus the operator-facing pages.
type Renderer struct {
	templates *template.Template
}

var _ manager.PageRenderer = (*Renderer)(nil)

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{templates: templates}, nil
}

func (rd *Renderer) render(w http.ResponseWriter, statusCode int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := rd.templates.ExecuteTemplate(w, name, data); err != nil {
		logger.Errorw("failed to render page", "template", name, "error", err)
	}
}

// ConsentPage renders the scope-selection form.
func (rd *Renderer) ConsentPage(w http.ResponseWriter, data manager.ConsentPageData) {
	rd.render(w, http.StatusOK, "consent.html", data)
}

// ErrorPage renders a human-readable failure.
func (rd *Renderer) ErrorPage(w http.ResponseWriter, statusCode int, descriptions []string) {
	rd.render(w, statusCode, "error.html", map[string]any{
		"StatusCode":   statusCode,
		"StatusText":   http.StatusText(statusCode),
		"Descriptions": descriptions,
	})
}

// LandingPage renders the informational front page.
func (rd *Renderer) LandingPage(w http.ResponseWriter, data LandingPageData) {
	rd.render(w, http.StatusOK, "landing.html", data)
}

// AdminPage renders the operator token/scope overview.
func (rd *Renderer) AdminPage(w http.ResponseWriter, data AdminPageData) {
	rd.render(w, http.StatusOK, "admin.html", data)
}

// AdminTicketPage renders the ticket mint form and its outcome.
func (rd *Renderer) AdminTicketPage(w http.ResponseWriter, data AdminTicketPageData) {
	rd.render(w, http.StatusOK, "admin_ticket.html", data)
}

// AdminMaintenancePage renders the almanac and the manual chores form.
func (rd *Renderer) AdminMaintenancePage(w http.ResponseWriter, data AdminMaintenancePageData) {
	rd.render(w, http.StatusOK, "admin_maintenance.html", data)
}
