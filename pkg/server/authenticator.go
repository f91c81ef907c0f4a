// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/thylacine/indie-auther-sub000/pkg/credentials"
	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/manager"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// Authenticator establishes the operator identity behind a request.
// The production deployment fronts this with an interactive session
// layer; BasicAuthenticator is the built-in credential checker.
type Authenticator interface {
	// Authenticate verifies a credential pair, returning an error when
	// the pair is not acceptable.
	Authenticate(ctx context.Context, identifier, password string) error
}

// BasicAuthenticator verifies passwords against the credential strings
// in storage.
type BasicAuthenticator struct {
	store storage.Store
}

// NewBasicAuthenticator builds an Authenticator over the store.
func NewBasicAuthenticator(store storage.Store) *BasicAuthenticator {
	return &BasicAuthenticator{store: store}
}

// Authenticate checks the password and records the successful login.
func (a *BasicAuthenticator) Authenticate(ctx context.Context, identifier, password string) error {
	authentication, err := a.store.AuthenticationGet(ctx, identifier)
	if err != nil {
		return err
	}
	if authentication == nil {
		return errors.New("unknown identifier")
	}

	if err := credentials.Verify(authentication.Credential, password); err != nil {
		if errors.Is(err, credentials.ErrDelegated) {
			// A $PAM$ credential needs the external checker this build
			// does not carry.
			return errors.New("delegated authentication not available")
		}
		return err
	}

	if err := a.store.AuthenticationSuccess(ctx, identifier); err != nil {
		logger.Warnw("failed to record login", "identifier", identifier, "error", err)
	}
	return nil
}

// sessionRequired gates a handler behind operator authentication and
// places the identifier in the request context. With authentication
// disabled in config, the basic-auth username is trusted as supplied.
func (s *Server) sessionRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier, password, ok := r.BasicAuth()
		if !ok || identifier == "" {
			s.challenge(w)
			return
		}

		if s.authnEnabled {
			if err := s.authenticator.Authenticate(r.Context(), identifier, password); err != nil {
				logger.Infow("authentication failed", "identifier", identifier, "error", err)
				s.challenge(w)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(manager.WithIdentifier(r.Context(), identifier)))
	})
}

func (s *Server) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="indie-auther"`)
	s.renderer.ErrorPage(w, http.StatusUnauthorized, []string{"authentication required"})
}

// resourceRequired gates the introspection endpoint behind the basic
// credentials of a provisioned resource server.
func (s *Server) resourceRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resourceID, secret, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="indie-auther-introspection"`)
			http.Error(w, "resource authentication required", http.StatusUnauthorized)
			return
		}

		resource, err := s.store.ResourceGet(r.Context(), resourceID)
		if err != nil {
			logger.Errorw("failed to look up resource", "resource_id", resourceID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if resource == nil || subtle.ConstantTimeCompare([]byte(resource.Secret), []byte(secret)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="indie-auther-introspection"`)
			http.Error(w, "resource authentication failed", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
