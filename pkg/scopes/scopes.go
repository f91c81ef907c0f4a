// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scopes provides OAuth scope-string validation and set helpers.
package scopes

import (
	"slices"
	"strings"
)

// Valid reports whether s is a legal OAuth scope token: a non-empty
// string of characters from %x21 / %x23-5B / %x5D-7E (RFC 6749 §3.3).
// The excluded characters are space, double quote and backslash.
func Valid(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == 0x21:
		case c >= 0x23 && c <= 0x5b:
		case c >= 0x5d && c <= 0x7e:
		default:
			return false
		}
	}

	return true
}

// Split breaks a space-separated scope parameter into its tokens,
// dropping empty entries from repeated separators.
func Split(s string) []string {
	var out []string
	for _, tok := range strings.Fields(s) {
		out = append(out, tok)
	}
	return out
}

// Filter returns the members of requested that satisfy Valid, preserving
// order and dropping duplicates. Invalid entries are reported in the
// second return value so callers can log them.
func Filter(requested []string) (valid, dropped []string) {
	seen := make(map[string]bool, len(requested))
	for _, s := range requested {
		if seen[s] {
			continue
		}
		seen[s] = true
		if Valid(s) {
			valid = append(valid, s)
		} else {
			dropped = append(dropped, s)
		}
	}
	return valid, dropped
}

// Contains reports whether set includes scope.
func Contains(set []string, scope string) bool {
	return slices.Contains(set, scope)
}

// Remove returns set without any member of remove, preserving order.
// The result is always a subset of set.
func Remove(set, remove []string) []string {
	if len(remove) == 0 {
		return slices.Clone(set)
	}

	var out []string
	for _, s := range set {
		if !slices.Contains(remove, s) {
			out = append(out, s)
		}
	}
	return out
}

// IsSubset reports whether every member of sub appears in set.
func IsSubset(sub, set []string) bool {
	for _, s := range sub {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}
