// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements the sealed-envelope codec: symmetric
// authenticated encryption of small structured values into opaque,
// URL-safe strings that the server can later reopen and trust.
//
// Envelopes carry all in-flight protocol state (continuations, codes,
// access tokens, refresh tokens, tickets) through the client, so the
// server holds no per-request session state. Expiration is never a
// property of the envelope itself; callers carry it as payload.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidEnvelope is returned by Unpack for any string that was not
// produced by Pack under the same secret, including truncated, tampered,
// or foreign-key envelopes. Callers must not distinguish the causes.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// ErrEmptySecret is returned by New when no secret is configured.
var ErrEmptySecret = errors.New("envelope secret must not be empty")

// Codec seals and opens envelopes under a single server secret.
// It is stateless and safe for concurrent use.
type Codec struct {
	key []byte
}

// New creates a Codec from the configured secret string. The AEAD key is
// the SHA-256 digest of the secret, so any non-empty string is usable.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := sha256.Sum256([]byte(secret))
	return &Codec{key: key[:]}, nil
}

// Pack seals v into an opaque URL-safe string. The value is JSON encoded
// and sealed with XChaCha20-Poly1305 under a fresh random nonce, so two
// packs of the same value never produce the same output.
func (c *Codec) Pack(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope payload: %w", err)
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to construct AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unpack opens a sealed envelope into v. It returns ErrInvalidEnvelope
// (possibly wrapped) when the string cannot be authenticated and decoded.
func (c *Codec) Unpack(s string, v any) error {
	sealed, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEnvelope, "malformed encoding")
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return fmt.Errorf("failed to construct AEAD: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return fmt.Errorf("%w: %s", ErrInvalidEnvelope, "too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEnvelope, "authentication failed")
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEnvelope, "malformed payload")
	}

	return nil
}
