// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package manager implements the authorization state machine and token
// lifecycle of the identity provider: GET /authorize through consent,
// code redemption, token issuance, refresh, revocation, introspection,
// userinfo and the TicketAuth machinery.
package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/thylacine/indie-auther-sub000/pkg/config"
	"github.com/thylacine/indie-auther-sub000/pkg/envelope"
	"github.com/thylacine/indie-auther-sub000/pkg/indieauth"
	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/queue"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// lifespanPresets maps the consent form vocabulary to seconds. "never"
// and "custom" are handled separately.
var lifespanPresets = map[string]int64{
	"1d": 86400,
	"1w": 604800,
	"1m": 2678400,
}

// PageRenderer is the HTML surface the manager hands user-facing
// outcomes to. The server package provides the template-backed
// implementation.
type PageRenderer interface {
	ConsentPage(w http.ResponseWriter, data ConsentPageData)
	ErrorPage(w http.ResponseWriter, statusCode int, descriptions []string)
}

// ConsentPageData is everything the consent template needs to render.
type ConsentPageData struct {
	// Session is the sealed Continuation the form must post back, to
	// ConsentPath.
	Session     string
	ConsentPath string

	ClientID   string
	ClientName string
	ClientLogo string

	// RequestedScopes were asked for by the client; OfferedScopes are
	// the profile defaults plus the permanent pair.
	RequestedScopes []string
	OfferedScopes   []string

	Profiles      []string
	PreselectedMe string

	// NonPKCEWarning flags a legacy request that carried no challenge.
	NonPKCEWarning bool
}

// Manager drives the protocol. All fields are set at construction and
// never mutated.
type Manager struct {
	store    storage.Store
	codec    *envelope.Codec
	fetcher  *indieauth.Fetcher
	queue    queue.Publisher // nil when no broker configured
	renderer PageRenderer

	selfBaseURL        string
	routes             config.RouteConfig
	queues             config.QueuesConfig
	codeValidityMs     int64
	ticketLifespanSecs int64
	allowLegacyNonPKCE bool
}

// New assembles a Manager. publisher may be nil; ticket proffers are
// then refused.
func New(
	store storage.Store,
	codec *envelope.Codec,
	fetcher *indieauth.Fetcher,
	publisher queue.Publisher,
	renderer PageRenderer,
	cfg *config.Config,
) *Manager {
	return &Manager{
		store:              store,
		codec:              codec,
		fetcher:            fetcher,
		queue:              publisher,
		renderer:           renderer,
		selfBaseURL:        cfg.Dingus.SelfBaseURL,
		routes:             cfg.Route,
		queues:             cfg.Queues,
		codeValidityMs:     cfg.Manager.CodeValidityTimeoutMs,
		ticketLifespanSecs: cfg.Manager.TicketLifespanSeconds,
		allowLegacyNonPKCE: cfg.Manager.AllowLegacyNonPKCE,
	}
}

type contextKey string

const identifierKey contextKey = "authenticatedIdentifier"

// WithIdentifier records the authenticated identifier established by
// the session authenticator.
func WithIdentifier(ctx context.Context, identifier string) context.Context {
	return context.WithValue(ctx, identifierKey, identifier)
}

// IdentifierFromContext returns the authenticated identifier, or "".
func IdentifierFromContext(ctx context.Context) string {
	identifier, _ := ctx.Value(identifierKey).(string)
	return identifier
}

// setNoCache applies the cache discipline required on every response
// carrying a token, ticket, or profile data.
func setNoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to write response", "error", err)
	}
}

// writeTokenError emits the JSON error shape the token-family
// endpoints use.
func writeTokenError(w http.ResponseWriter, statusCode int, code, description string) {
	setNoCache(w)
	writeJSON(w, statusCode, map[string]string{
		"error":             code,
		"error_description": sanitizeDescription(description),
	})
}

// parseLifespan resolves the consent form's expiration vocabulary to
// seconds. nil means non-expiring; an unrecognized or malformed value
// also means non-expiring.
func parseLifespan(choice, customSeconds string) *int64 {
	if seconds, ok := lifespanPresets[choice]; ok {
		return &seconds
	}
	if choice == "custom" {
		seconds, err := strconv.ParseInt(customSeconds, 10, 64)
		if err != nil || seconds <= 0 {
			return nil
		}
		return &seconds
	}
	return nil
}
