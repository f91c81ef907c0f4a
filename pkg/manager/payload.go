// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"github.com/thylacine/indie-auther-sub000/pkg/storage"
)

// Envelope payloads. These ride through the client as sealed opaque
// strings; the field names are the wire format and must stay stable
// across releases or outstanding envelopes become unreadable.

// Continuation carries an in-flight authorization request from the
// authorize page to the consent submission.
type Continuation struct {
	ID               string   `json:"id"`
	ClientID         string   `json:"clientId"`
	ClientIdentifier string   `json:"clientIdentifier"`
	RedirectURI      string   `json:"redirectUri"`
	ResponseType     string   `json:"responseType"`
	State            string   `json:"state"`
	ChallengeMethod  string   `json:"codeChallengeMethod,omitempty"`
	Challenge        string   `json:"codeChallenge,omitempty"`
	Me               string   `json:"me,omitempty"`
	Profiles         []string `json:"profiles"`
	RequestedScopes  []string `json:"requestedScopes"`
	AuthenticationID string   `json:"authenticationId"`
}

// CodeGrant carries a consented authorization from the consent
// redirect to the token endpoint. Its CodeID equals the Continuation's
// ID.
type CodeGrant struct {
	CodeID          string               `json:"codeId"`
	ChallengeMethod string               `json:"codeChallengeMethod,omitempty"`
	Challenge       string               `json:"codeChallenge,omitempty"`
	ClientID        string               `json:"clientId"`
	RedirectURI     string               `json:"redirectUri"`
	AcceptedScopes  []string             `json:"acceptedScopes"`
	TokenLifespan   *int64               `json:"tokenLifespan,omitempty"`
	RefreshLifespan *int64               `json:"refreshLifespan,omitempty"`
	Me              string               `json:"me"`
	Profile         *storage.ProfileData `json:"profile,omitempty"`
	Identifier      string               `json:"identifier"`
	Minted          int64                `json:"minted"`
}

// AccessToken is the payload of issued bearer tokens.
type AccessToken struct {
	CodeID string `json:"c"`
	Issued int64  `json:"ts"`
	Exp    *int64 `json:"exp,omitempty"`
}

// RefreshToken is the payload of issued refresh tokens. Exp doubles as
// the anti-replay mark: once the row's refreshExpires advances past it
// the envelope is spent.
type RefreshToken struct {
	CodeID string `json:"rc"`
	Issued int64  `json:"ts"`
	Exp    int64  `json:"exp"`
}

// Ticket is the TicketAuth bearer artifact delivered to third parties.
type Ticket struct {
	CodeID     string   `json:"c"`
	Iss        string   `json:"iss"`
	Exp        int64    `json:"exp"`
	Subject    string   `json:"sub"`
	Resource   string   `json:"res"`
	Scopes     []string `json:"scope"`
	Identifier string   `json:"ident"`
	Profile    string   `json:"profile"`
}

// tokenProbe distinguishes access from refresh envelopes during
// revocation, where either kind may be submitted.
type tokenProbe struct {
	CodeID        string `json:"c"`
	RefreshCodeID string `json:"rc"`
}
