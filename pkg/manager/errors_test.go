// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCollectorSeverity(t *testing.T) {
	t.Parallel()

	var ec errorCollector
	assert.True(t, ec.empty())

	ec.add(ErrCodeInvalidScope, "scope problem")
	ec.add(ErrCodeInvalidRequest, "first request problem")
	ec.add(ErrCodeUnsupportedResponseType, "response type problem")
	ec.add(ErrCodeInvalidRequest, "second request problem")

	assert.False(t, ec.empty())
	assert.Equal(t, ErrCodeInvalidRequest, ec.code())

	// Most severe first; equal severity keeps observation order.
	assert.Equal(t, []string{
		"first request problem",
		"second request problem",
		"response type problem",
		"scope problem",
	}, ec.descriptions())

	assert.Equal(t,
		"first request problem, second request problem, response type problem, scope problem",
		ec.description())
}

func TestErrorCollectorSingle(t *testing.T) {
	t.Parallel()

	var ec errorCollector
	ec.add(ErrCodeAccessDenied, "authorization was not granted")

	assert.Equal(t, ErrCodeAccessDenied, ec.code())
	assert.Equal(t, "authorization was not granted", ec.description())
}

func TestSanitizeDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "scope is required", "scope is required"},
		{"strips quotes", `bad "scope" value`, "bad scope value"},
		{"strips backslash", `a\b`, "ab"},
		{"strips control characters", "line\r\nbreak", "linebreak"},
		{"strips non-ascii", "café", "caf"},
		{"empty", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, sanitizeDescription(tc.in))
		})
	}
}
