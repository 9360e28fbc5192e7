// Package keycloak implements the OAuth2/OIDC client for a Keycloak
// identity provider: authorization and logout URL construction, the
// authorization-code and refresh-token exchanges, and user-info retrieval.
// The client is always a public one; no client secret is ever sent.
package keycloak

import (
	"time"
)

// TokenSet is the token response from a successful exchange or refresh.
// It is immutable once received; a refresh produces a brand-new TokenSet
// that fully replaces the previous one. Whatever refresh token the
// provider returns is authoritative.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExpiryAt computes the absolute expiry instant for the token set at the
// moment it was accepted: now + expires_in. When the provider omitted
// expires_in, the unverified exp claim of the ID token is the fallback.
// A zero time means no expiry could be determined.
func (t *TokenSet) ExpiryAt(now time.Time) time.Time {
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	if t.IDToken != "" {
		if exp, err := unverifiedExpiry(t.IDToken); err == nil {
			return exp
		}
	}
	return time.Time{}
}
