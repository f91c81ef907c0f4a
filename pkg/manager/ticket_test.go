// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thylacine/indie-auther-sub000/pkg/config"
	"github.com/thylacine/indie-auther-sub000/pkg/indieauth"
)

func TestMintTicket(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// The subject's page advertises a ticket_endpoint, so the minted
	// ticket is delivered there.
	result, err := h.manager.MintTicket(context.Background(), MintTicketRequest{
		Identifier: testIdentifier,
		Profile:    h.profileURL,
		Resource:   h.site.URL + "/private/notes",
		Subject:    h.profileURL,
		Scopes:     []string{"read"},
	})
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.Empty(t, result.DeliveryError)
	assert.Equal(t, h.site.URL+"/ticket-endpoint", result.TicketEndpoint)
	assert.Equal(t, 1, h.ticketDeliveries)

	var ticket Ticket
	require.NoError(t, h.codec.Unpack(result.Ticket, &ticket))
	assert.Equal(t, "https://auth.example.com/", ticket.Iss)
	assert.Equal(t, h.profileURL, ticket.Subject)
	assert.Equal(t, h.site.URL+"/private/notes", ticket.Resource)
	assert.Equal(t, []string{"read"}, ticket.Scopes)
	assert.Equal(t, testIdentifier, ticket.Identifier)
	assert.InDelta(t, time.Now().Unix()+300, ticket.Exp, 5)
}

func TestMintTicketRefusals(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	base := MintTicketRequest{
		Identifier: testIdentifier,
		Profile:    h.profileURL,
		Resource:   h.site.URL + "/private",
		Subject:    h.profileURL,
		Scopes:     []string{"read"},
	}

	tests := []struct {
		name   string
		mutate func(*MintTicketRequest)
	}{
		{"foreign profile", func(r *MintTicketRequest) { r.Profile = "https://stranger.example.com/" }},
		{"relative resource", func(r *MintTicketRequest) { r.Resource = "/private" }},
		{"relative subject", func(r *MintTicketRequest) { r.Subject = "nowhere" }},
		{"identity scopes only", func(r *MintTicketRequest) { r.Scopes = []string{"profile", "email"} }},
		{"unreachable subject", func(r *MintTicketRequest) { r.Subject = h.site.URL + "/no-such-page" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := h.manager.MintTicket(context.Background(), req)
			assert.Error(t, err)
		})
	}
}

func TestMintTicketDeliveryFailureKeepsTicket(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// A subject page whose ticket endpoint refuses delivery.
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`<html><head><link rel="ticket_endpoint" href="/refuse"></head>` +
			`<body><div class="h-card"><a class="u-url p-name" href="/">Bob</a></div></body></html>`))
	}))
	t.Cleanup(refusing.Close)

	result, err := h.manager.MintTicket(context.Background(), MintTicketRequest{
		Identifier: testIdentifier,
		Profile:    h.profileURL,
		Resource:   h.site.URL + "/private",
		Subject:    refusing.URL + "/",
		Scopes:     []string{"read"},
	})
	require.NoError(t, err)
	assert.False(t, result.Delivered)
	assert.NotEmpty(t, result.DeliveryError)
	assert.NotEmpty(t, result.Ticket)

	// The undelivered ticket still redeems.
	form := url.Values{"grant_type": {"ticket"}, "ticket": {result.Ticket}}
	w := httptest.NewRecorder()
	h.manager.HandleToken(w, postForm("/token", form))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHandleProfferTicket(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	form := url.Values{
		"ticket":   {"an-opaque-foreign-ticket"},
		"resource": {"https://elsewhere.example.com/private"},
		"subject":  {h.profileURL},
		"iss":      {"https://elsewhere.example.com/"},
	}
	w := httptest.NewRecorder()
	h.manager.HandleProfferTicket(w, postForm("/ticket", form))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Len(t, h.publisher.messages, 1)
	assert.Equal(t, "ticket.proffered", h.publisher.messages[0].queueName)
	proffered, ok := h.publisher.messages[0].payload.(ProfferedTicket)
	require.True(t, ok)
	assert.Equal(t, "an-opaque-foreign-ticket", proffered.Ticket)
	assert.Equal(t, h.profileURL, proffered.Subject)
}

func TestHandleProfferTicketRefusals(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	tests := []struct {
		name string
		form url.Values
	}{
		{"missing ticket", url.Values{"resource": {"https://r.example.com/"}, "subject": {h.profileURL}}},
		{"relative resource", url.Values{"ticket": {"x"}, "resource": {"/private"}, "subject": {h.profileURL}}},
		{"unknown subject", url.Values{"ticket": {"x"}, "resource": {"https://r.example.com/"}, "subject": {"https://stranger.example.com/"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.manager.HandleProfferTicket(w, postForm("/ticket", tc.form))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	assert.Empty(t, h.publisher.messages)
}

func TestHandleProfferTicketWithoutQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	cfg := &config.Config{
		Dingus:  config.DingusConfig{SelfBaseURL: "https://auth.example.com/"},
		Manager: config.ManagerConfig{CodeValidityTimeoutMs: 1000, TicketLifespanSeconds: 300},
	}
	unqueued := New(h.store, h.codec, indieauth.NewFetcher(h.site.Client()), nil, h.pages, cfg)

	form := url.Values{
		"ticket":   {"x"},
		"resource": {"https://r.example.com/"},
		"subject":  {h.profileURL},
	}
	w := httptest.NewRecorder()
	unqueued.HandleProfferTicket(w, postForm("/ticket", form))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assertTokenError(t, w, ErrCodeTemporarilyUnavailable)
}
