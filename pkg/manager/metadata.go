// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"net/http"
	"strings"
)

// Metadata is the OAuth authorization server metadata document.
// response_types_supported is emitted as a bare string rather than the
// RFC 8414 array, preserving wire compatibility with existing
// consumers of this service.
type Metadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	TicketEndpoint                             string   `json:"ticket_endpoint,omitempty"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint"`
	IntrospectionEndpointAuthMethodsSupported  []string `json:"introspection_endpoint_auth_methods_supported"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	RevocationEndpointAuthMethodsSupported     []string `json:"revocation_endpoint_auth_methods_supported"`
	ScopesSupported                            []string `json:"scopes_supported"`
	ResponseTypesSupported                     string   `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	ServiceDocumentation                       string   `json:"service_documentation"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	AuthorizationResponseIssParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	UserinfoEndpoint                           string   `json:"userinfo_endpoint"`
}

// HandleMetadata serves the metadata document at /metadata and the
// .well-known alias.
func (m *Manager) HandleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Metadata{
		Issuer:                                m.selfBaseURL,
		AuthorizationEndpoint:                 m.endpoint(m.routes.Authorization),
		TokenEndpoint:                         m.endpoint(m.routes.Token),
		TicketEndpoint:                        m.endpoint(m.routes.Ticket),
		IntrospectionEndpoint:                 m.endpoint(m.routes.Introspection),
		IntrospectionEndpointAuthMethodsSupported: []string{"Bearer"},
		RevocationEndpoint:                        m.endpoint(m.routes.Revocation),
		RevocationEndpointAuthMethodsSupported:    []string{"none"},
		ScopesSupported:                           []string{"profile", "email"},
		ResponseTypesSupported:                    "code",
		GrantTypesSupported:                       []string{"authorization_code", "refresh_token", "ticket"},
		ServiceDocumentation:                      "https://indieauth.spec.indieweb.org/",
		CodeChallengeMethodsSupported:             []string{"S256", "SHA256"},
		AuthorizationResponseIssParameterSupported: true,
		UserinfoEndpoint: m.endpoint(m.routes.UserInfo),
	})
}

// endpoint joins a configured route path onto the service base URL.
func (m *Manager) endpoint(route string) string {
	if route == "" {
		return ""
	}
	return strings.TrimSuffix(m.selfBaseURL, "/") + route
}
