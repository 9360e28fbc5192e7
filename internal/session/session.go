// Package session persists the authentication session across restarts:
// the current token set with its absolute expiry and derived user claims,
// plus the transient state/verifier/redirect triple that only lives for
// the duration of one authorization redirect round trip.
package session

import (
	"time"

	"github.com/giftportal/keycloak-auth/internal/keycloak"
)

// State is the durable session record derived from an accepted TokenSet.
// The expiry is computed once, when the token set is accepted, and is
// never recomputed except on a full token replacement.
type State struct {
	AccessToken  string
	RefreshToken string
	IDToken      string

	// ExpiresAt is the absolute access token expiry instant.
	ExpiresAt time.Time

	// User is derived once per token set and never partially updated.
	User *keycloak.UserClaims
}

// NewState builds a session record from a token set accepted at the
// given instant.
func NewState(ts *keycloak.TokenSet, user *keycloak.UserClaims, now time.Time) *State {
	return &State{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		IDToken:      ts.IDToken,
		ExpiresAt:    ts.ExpiryAt(now),
		User:         user,
	}
}

// Expired reports whether the access token has expired as of now.
func (s *State) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(s.ExpiresAt)
}

// ExpiringWithin reports whether the access token expires within the
// given lead time. With a lead of 120s and a 300s token accepted at T,
// this becomes true at T+180s.
func (s *State) ExpiringWithin(lead time.Duration, now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(s.ExpiresAt.Add(-lead))
}

// PendingAuthorization is the transient record created immediately before
// redirecting to the identity provider and consumed exactly once when the
// callback returns. At most one exists at a time; starting a second login
// overwrites it, so only the most recent redirect can be completed.
type PendingAuthorization struct {
	State        string
	CodeVerifier string
	RedirectURI  string
}
