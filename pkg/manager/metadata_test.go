// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleMetadata(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/metadata", nil)
	w := httptest.NewRecorder()
	h.manager.HandleMetadata(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var metadata map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metadata))

	assert.Equal(t, "https://auth.example.com/", metadata["issuer"])
	assert.Equal(t, "https://auth.example.com/authorize", metadata["authorization_endpoint"])
	assert.Equal(t, "https://auth.example.com/token", metadata["token_endpoint"])
	assert.Equal(t, "https://auth.example.com/ticket", metadata["ticket_endpoint"])
	assert.Equal(t, "https://auth.example.com/introspection", metadata["introspection_endpoint"])
	assert.Equal(t, "https://auth.example.com/revocation", metadata["revocation_endpoint"])
	assert.Equal(t, "https://auth.example.com/userinfo", metadata["userinfo_endpoint"])

	// A bare string, not an array, for compatibility with existing
	// consumers.
	assert.Equal(t, "code", metadata["response_types_supported"])

	assert.ElementsMatch(t, []any{"authorization_code", "refresh_token", "ticket"}, metadata["grant_types_supported"])
	assert.ElementsMatch(t, []any{"S256", "SHA256"}, metadata["code_challenge_methods_supported"])
	assert.ElementsMatch(t, []any{"profile", "email"}, metadata["scopes_supported"])
	assert.Equal(t, true, metadata["authorization_response_iss_parameter_supported"])
}
