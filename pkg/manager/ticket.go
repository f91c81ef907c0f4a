// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/thylacine/indie-auther-sub000/pkg/logger"
	"github.com/thylacine/indie-auther-sub000/pkg/scopes"
)

// MintTicketRequest is the admin ticket form.
type MintTicketRequest struct {
	// Identifier is the authenticated operator; Profile must be one of
	// their profiles.
	Identifier string
	Profile    string

	// Resource is what the ticket grants access to; Subject is who it
	// is granted to.
	Resource string
	Subject  string

	Scopes []string
}

// MintTicketResult reports the minted ticket and the delivery outcome.
// A failed delivery does not invalidate the ticket.
type MintTicketResult struct {
	Ticket         string
	TicketEndpoint string
	Delivered      bool
	DeliveryError  string
}

// MintTicket validates the admin form, packs a ticket envelope, and
// attempts delivery to the subject's ticket_endpoint.
func (m *Manager) MintTicket(ctx context.Context, req MintTicketRequest) (*MintTicketResult, error) {
	ps, err := m.store.ProfilesScopesByIdentifier(ctx, req.Identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	if !slices.Contains(ps.Profiles, req.Profile) {
		return nil, fmt.Errorf("profile does not belong to this identifier")
	}

	resource, err := url.Parse(req.Resource)
	if err != nil || !resource.IsAbs() {
		return nil, fmt.Errorf("resource must be an absolute URL")
	}
	subject, err := url.Parse(req.Subject)
	if err != nil || !subject.IsAbs() {
		return nil, fmt.Errorf("subject must be an absolute URL")
	}

	ticketScopes, dropped := scopes.Filter(req.Scopes)
	if len(dropped) > 0 {
		logger.Debugw("dropped invalid ticket scopes", "scopes", dropped)
	}
	if !hasActionScope(ticketScopes) {
		return nil, fmt.Errorf("ticket requires at least one action scope")
	}

	subjectInfo, err := m.fetcher.FetchProfile(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subject profile: %w", err)
	}
	if subjectInfo.TicketEndpoint == "" {
		return nil, fmt.Errorf("subject does not advertise a ticket endpoint")
	}

	now := time.Now()
	sealed, err := m.codec.Pack(Ticket{
		CodeID:     uuid.NewString(),
		Iss:        m.selfBaseURL,
		Exp:        now.Unix() + m.ticketLifespanSecs,
		Subject:    req.Subject,
		Resource:   req.Resource,
		Scopes:     ticketScopes,
		Identifier: req.Identifier,
		Profile:    req.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pack ticket: %w", err)
	}

	result := &MintTicketResult{
		Ticket:         sealed,
		TicketEndpoint: subjectInfo.TicketEndpoint,
	}

	deliverErr := m.fetcher.DeliverTicket(ctx, subjectInfo.TicketEndpoint, url.Values{
		"ticket":   {sealed},
		"resource": {req.Resource},
		"subject":  {req.Subject},
		"iss":      {m.selfBaseURL},
	})
	if deliverErr != nil {
		logger.Infow("ticket delivery failed", "endpoint", subjectInfo.TicketEndpoint, "error", deliverErr)
		result.DeliveryError = deliverErr.Error()
	} else {
		result.Delivered = true
	}

	return result, nil
}

// hasActionScope reports whether the set grants anything beyond the
// identity scopes.
func hasActionScope(set []string) bool {
	for _, scope := range set {
		if scope != "profile" && scope != "email" {
			return true
		}
	}
	return false
}

// ProfferedTicket is the message queued when a third party proffers a
// ticket to one of our operators.
type ProfferedTicket struct {
	Ticket   string `json:"ticket"`
	Resource string `json:"resource"`
	Subject  string `json:"subject"`
	Iss      string `json:"iss,omitempty"`
}

// HandleProfferTicket serves POST /ticket: accepting an unsolicited
// ticket and queueing it for asynchronous redemption.
func (m *Manager) HandleProfferTicket(w http.ResponseWriter, r *http.Request) {
	if m.queue == nil {
		writeTokenError(w, http.StatusBadRequest, ErrCodeTemporarilyUnavailable, "ticket queue is not configured")
		return
	}

	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed form submission")
		return
	}

	ticket := r.PostForm.Get("ticket")
	resource := r.PostForm.Get("resource")
	subject := r.PostForm.Get("subject")

	if ticket == "" {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "ticket is required")
		return
	}
	if u, err := url.Parse(resource); err != nil || !u.IsAbs() {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "resource must be an absolute URL")
		return
	}

	valid, err := m.store.ProfileIsValid(r.Context(), subject)
	if err != nil {
		logger.Errorw("failed to check subject profile", "subject", subject, "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "internal error")
		return
	}
	if !valid {
		writeTokenError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "subject is not recognized")
		return
	}

	message := ProfferedTicket{
		Ticket:   ticket,
		Resource: resource,
		Subject:  subject,
		Iss:      r.PostForm.Get("iss"),
	}
	if err := m.queue.Publish(r.Context(), m.queues.TicketPublishName, message); err != nil {
		logger.Errorw("failed to queue proffered ticket", "resource", resource, "error", err)
		writeTokenError(w, http.StatusInternalServerError, ErrCodeServerError, "could not queue ticket")
		return
	}

	logger.Infow("ticket proffer accepted", "resource", resource, "subject", subject)
	w.WriteHeader(http.StatusAccepted)
}
