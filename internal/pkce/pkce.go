// Package pkce implements the RFC 7636 Proof Key for Code Exchange
// primitives used by the authorization code flow: random state and
// code verifier generation, and the S256 code challenge.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// alphanumeric is the alphabet used for state and verifier generation.
// All 62 characters are valid in both the OAuth2 state parameter and a
// PKCE code verifier (unreserved characters per RFC 7636 §4.1).
const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Verifier and state lengths. RFC 7636 allows verifiers of 43-128
// characters; 64 keeps well above the minimum entropy.
const (
	stateLength    = 32
	verifierLength = 64
)

// RandomString returns a string of n alphanumeric characters drawn from
// a cryptographically secure source. Each random byte is mapped through
// the 62-character alphabet.
//
// A failing entropy source is not recoverable; callers should treat the
// error as fatal to the authentication flow.
func RandomString(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("random string length must be positive, got %d", n)
	}

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	out := make([]byte, n)
	for i, v := range b {
		out[i] = alphanumeric[int(v)%len(alphanumeric)]
	}
	return string(out), nil
}

// NewState generates a random state parameter for CSRF protection
// (32 characters).
func NewState() (string, error) {
	return RandomString(stateLength)
}

// NewVerifier generates a random PKCE code verifier (64 characters).
func NewVerifier() (string, error) {
	return RandomString(verifierLength)
}

// Challenge derives the S256 code challenge for a verifier:
// BASE64URL(SHA256(ASCII(verifier))), without padding. It is
// deterministic for a given verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
