// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"crypto/subtle"
	"regexp"

	"golang.org/x/oauth2"
)

// challengePattern is the base64url alphabet PKCE challenges must use.
var challengePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validChallengeMethod accepts the RFC 7636 S256 method and the SHA256
// alias some older IndieAuth clients send.
func validChallengeMethod(method string) bool {
	return method == "S256" || method == "SHA256"
}

// verifyChallenge checks a code_verifier against the challenge it was
// bound to at authorization time.
func verifyChallenge(method, challenge, verifier string) bool {
	if !validChallengeMethod(method) || verifier == "" {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
