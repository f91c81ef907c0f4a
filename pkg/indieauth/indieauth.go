// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package indieauth implements the client-facing discovery pieces of
// the IndieAuth protocol: client-identifier validation and the
// microformats2 fetches for h-app and h-card documents.
package indieauth

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidClientIdentifier is wrapped by every client_id validation
// failure.
var ErrInvalidClientIdentifier = errors.New("invalid client identifier")

// ValidateClientIdentifier checks a client_id URL against the profile
// URL rules: absolute http/https URL, no userinfo, no fragment, no
// dot path segments, and an IP host only when it is a loopback
// literal.
func ValidateClientIdentifier(clientID string) (*url.URL, error) {
	u, err := url.Parse(clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidClientIdentifier, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidClientIdentifier)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientIdentifier)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: userinfo not allowed", ErrInvalidClientIdentifier)
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("%w: fragment not allowed", ErrInvalidClientIdentifier)
	}

	for _, segment := range strings.Split(u.EscapedPath(), "/") {
		if segment == "." || segment == ".." {
			return nil, fmt.Errorf("%w: dot path segments not allowed", ErrInvalidClientIdentifier)
		}
	}

	if ip := net.ParseIP(u.Hostname()); ip != nil && !ip.IsLoopback() {
		return nil, fmt.Errorf("%w: IP hosts must be loopback literals", ErrInvalidClientIdentifier)
	}

	return u, nil
}

// SameOrigin reports whether two URLs share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}
