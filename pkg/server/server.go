// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server binds the manager's handlers, the operator console,
// and the healthcheck onto the configured routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/thylacine/indie-auther-sub000/pkg/chores"
	"github.com/thylacine/indie-auther-sub000/pkg/config"
	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/manager"
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// Server is the HTTP face of the service.
type Server struct {
	cfg           *config.Config
	store         storage.Store
	manager       *manager.Manager
	chores        *chores.Chores
	renderer      *Renderer
	authenticator Authenticator
	authnEnabled  bool

	httpServer *http.Server
}

// New assembles the server.
func New(
	cfg *config.Config,
	store storage.Store,
	mgr *manager.Manager,
	ch *chores.Chores,
	renderer *Renderer,
	authenticator Authenticator,
) *Server {
	s := &Server{
		cfg:           cfg,
		store:         store,
		manager:       mgr,
		chores:        ch,
		renderer:      renderer,
		authenticator: authenticator,
		authnEnabled:  cfg.Authenticator.AuthnEnabled,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router over the configured paths.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	route := s.cfg.Route

	r.Get(route.Landing, s.handleLanding)
	r.Get(route.Metadata, s.manager.HandleMetadata)
	r.Get("/.well-known/oauth-authorization-server", s.manager.HandleMetadata)
	r.Get(route.Healthcheck, s.handleHealthcheck)

	r.With(s.sessionRequired).Get(route.Authorization, s.manager.HandleAuthorize)
	r.Post(route.Authorization, s.manager.HandleAuthorizeRedemption)
	r.Post(route.Consent, s.manager.HandleConsent)
	r.Post(route.Token, s.manager.HandleToken)
	r.Post(route.Revocation, s.manager.HandleRevocation)
	r.With(s.resourceRequired).Post(route.Introspection, s.manager.HandleIntrospection)
	r.Post(route.UserInfo, s.manager.HandleUserInfo)
	r.Post(route.Ticket, s.manager.HandleProfferTicket)

	r.Group(func(r chi.Router) {
		r.Use(s.sessionRequired)
		r.Get(route.Admin, s.handleAdmin)
		r.Post(route.Admin, s.handleAdmin)
		r.Get(route.AdminTicket, s.handleAdminTicket)
		r.Post(route.AdminTicket, s.handleAdminTicket)
		r.Get(route.AdminMaintenance, s.handleAdminMaintenance)
		r.Post(route.AdminMaintenance, s.handleAdminMaintenance)
	})

	return r
}

// Run serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("listening", "address", s.cfg.ListenAddress)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// LandingPageData feeds the landing template.
type LandingPageData struct {
	MetadataPath string
	AdminPath    string
}

func (s *Server) handleLanding(w http.ResponseWriter, _ *http.Request) {
	s.renderer.LandingPage(w, LandingPageData{
		MetadataPath: s.cfg.Route.Metadata,
		AdminPath:    s.cfg.Route.Admin,
	})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		logger.Errorw("healthcheck failed", "error", err)
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requestLogger logs one line per request on the shared logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}
