// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credentials handles the opaque password-verifier strings stored
// on authentication rows. The string prefix encodes the algorithm; the
// only algorithm produced here is argon2id in the standard PHC format.
// The sentinel prefix "$PAM$" marks credentials whose verification is
// delegated to an external system check.
package credentials

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters per the RFC 9106 second recommended option,
// suitable for memory-constrained environments.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// PAMSentinel is the credential value meaning "delegate verification to
// an external check"; Verify refuses it with ErrDelegated.
const PAMSentinel = "$PAM$"

var (
	// ErrDelegated is returned by Verify for $PAM$ credentials, which
	// must be checked by the external authenticator collaborator.
	ErrDelegated = errors.New("credential verification is delegated")

	// ErrMalformedCredential is returned when a stored credential string
	// cannot be parsed.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrUnsupportedAlgorithm is returned for credential prefixes this
	// package does not know how to verify.
	ErrUnsupportedAlgorithm = errors.New("unsupported credential algorithm")
)

// Hash derives an argon2id verifier string for password, in the form
// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash> with standard base64
// (no padding) for the salt and hash fields.
func Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks password against a stored credential string. It returns
// nil on a match, ErrDelegated for $PAM$ credentials, and a descriptive
// error for anything else.
func Verify(credential, password string) error {
	if credential == PAMSentinel || strings.HasPrefix(credential, PAMSentinel) {
		return ErrDelegated
	}

	if !strings.HasPrefix(credential, "$argon2id$") {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithmPrefix(credential))
	}

	// $argon2id$v=19$m=...,t=...,p=...$salt$hash
	parts := strings.Split(credential, "$")
	if len(parts) != 6 {
		return ErrMalformedCredential
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return ErrMalformedCredential
	}
	if version != argon2.Version {
		return fmt.Errorf("%w: argon2 version %d", ErrUnsupportedAlgorithm, version)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return ErrMalformedCredential
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrMalformedCredential
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return ErrMalformedCredential
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return errors.New("credential mismatch")
	}

	return nil
}

func algorithmPrefix(credential string) string {
	if len(credential) == 0 || credential[0] != '$' {
		return ""
	}
	if i := strings.IndexByte(credential[1:], '$'); i >= 0 {
		return credential[:i+2]
	}
	return credential
}
