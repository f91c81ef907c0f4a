// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"sort"
	"strings"
)

// OAuth protocol error codes, ordered from lowest to highest severity.
// When a request accumulates several errors the reported code is the
// most severe one.
const (
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrCodeServerError             = "server_error"
)

var errorSeverity = map[string]int{
	ErrCodeInvalidScope:            0,
	ErrCodeUnsupportedResponseType: 1,
	ErrCodeAccessDenied:            2,
	ErrCodeUnauthorizedClient:      3,
	ErrCodeInvalidGrant:            4,
	ErrCodeInvalidRequest:          5,
	ErrCodeTemporarilyUnavailable:  6,
	ErrCodeServerError:             7,
}

type collectedError struct {
	code        string
	description string
	order       int
}

// errorCollector accumulates protocol errors over the course of
// validating one request. The final error code is the most severe one
// observed; descriptions are kept in severity order, then observation
// order.
type errorCollector struct {
	errors []collectedError
}

func (c *errorCollector) add(code, description string) {
	c.errors = append(c.errors, collectedError{
		code:        code,
		description: sanitizeDescription(description),
		order:       len(c.errors),
	})
}

func (c *errorCollector) empty() bool {
	return len(c.errors) == 0
}

// code returns the most severe accumulated error code.
func (c *errorCollector) code() string {
	best := ""
	bestSeverity := -1
	for _, e := range c.errors {
		if s := errorSeverity[e.code]; s > bestSeverity {
			bestSeverity = s
			best = e.code
		}
	}
	return best
}

// descriptions returns every description, most severe first, ties in
// observation order.
func (c *errorCollector) descriptions() []string {
	sorted := make([]collectedError, len(c.errors))
	copy(sorted, c.errors)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := errorSeverity[sorted[i].code], errorSeverity[sorted[j].code]
		if si != sj {
			return si > sj
		}
		return sorted[i].order < sorted[j].order
	})

	out := make([]string, len(sorted))
	for i, e := range sorted {
		out[i] = e.description
	}
	return out
}

func (c *errorCollector) description() string {
	return strings.Join(c.descriptions(), ", ")
}

// sanitizeDescription restricts a description to the characters OAuth
// permits in error_description: printable ASCII minus '"' and '\'.
func sanitizeDescription(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r <= 0x7E && r != '"' && r != '\\' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
