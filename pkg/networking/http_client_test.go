// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPrivateIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ip   string
		want bool
	}{
		{"ipv4 loopback", "127.0.0.1", true},
		{"rfc1918 ten", "10.1.2.3", true},
		{"rfc1918 oneseventwo", "172.16.0.1", true},
		{"rfc1918 oneninetwo", "192.168.1.1", true},
		{"link local", "169.254.0.1", true},
		{"ipv6 loopback", "::1", true},
		{"ipv6 unique local", "fc00::1", true},
		{"public ipv4", "93.184.216.34", false},
		{"public ipv6", "2606:2800:220:1::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isPrivateIP(net.ParseIP(tt.ip)))
		})
	}
}

func TestAddressReferencesPrivateIP(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, addressReferencesPrivateIP("127.0.0.1:443"), ErrPrivateAddress)
	assert.NoError(t, addressReferencesPrivateIP("93.184.216.34:443"))
	assert.Error(t, addressReferencesPrivateIP("no-port"))
}

func TestBuildRejectsNonWebSchemes(t *testing.T) {
	t.Parallel()

	client, err := NewHTTPClientBuilder().WithPrivateIPs(true).Build()
	require.NoError(t, err)

	_, err = client.Get("ftp://example.com/thing")
	assert.ErrorContains(t, err, "not an http or https URL")
}

func TestBuildPrivateIPPolicy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// Default policy refuses the loopback test server.
	strict, err := NewHTTPClientBuilder().Build()
	require.NoError(t, err)
	_, err = strict.Get(srv.URL)
	require.Error(t, err)

	// Development policy reaches it.
	relaxed, err := NewHTTPClientBuilder().WithPrivateIPs(true).WithUserAgent("indie-auther-test").Build()
	require.NoError(t, err)
	resp, err := relaxed.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
