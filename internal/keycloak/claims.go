package keycloak

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserClaims is the identity derived from an ID token. It is decoded
// without signature verification, which is acceptable only because the
// token arrived directly from the identity provider inside the token
// exchange response, within the same trust boundary. Never decode a JWT
// from any other source this way.
//
// Claims are read-only once derived; profile edits belong to the identity
// provider's account console, not to local mutation of cached claims.
type UserClaims struct {
	Sub               string   `json:"sub"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Email             string   `json:"email,omitempty"`
	GivenName         string   `json:"given_name,omitempty"`
	FamilyName        string   `json:"family_name,omitempty"`
	Name              string   `json:"name,omitempty"`
	Roles             []string `json:"roles"`
	Groups            []string `json:"groups"`
}

// HasRole reports whether the user holds the given realm role.
func (u *UserClaims) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// InGroup reports whether the user belongs to the given group.
func (u *UserClaims) InGroup(group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// DecodeIDTokenClaims extracts UserClaims from an ID token's payload.
// The signature is not verified; see the UserClaims doc for the trust
// boundary this relies on.
func DecodeIDTokenClaims(idToken string) (*UserClaims, error) {
	claims, err := decodeJWTPayload(idToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decode id_token: %w", err)
	}
	return ClaimsFromMap(claims), nil
}

// ClaimsFromMap maps a raw claims object (from an ID token payload or a
// userinfo response) onto UserClaims. Roles come from realm_access.roles
// and default to empty, as do groups.
func ClaimsFromMap(claims map[string]interface{}) *UserClaims {
	u := &UserClaims{
		Sub:               claimString(claims, "sub"),
		PreferredUsername: claimString(claims, "preferred_username"),
		Email:             claimString(claims, "email"),
		GivenName:         claimString(claims, "given_name"),
		FamilyName:        claimString(claims, "family_name"),
		Name:              claimString(claims, "name"),
		Roles:             []string{},
		Groups:            []string{},
	}

	if realmAccess, ok := claims["realm_access"].(map[string]interface{}); ok {
		u.Roles = claimStringSlice(realmAccess, "roles")
	}
	u.Groups = claimStringSlice(claims, "groups")

	return u
}

// decodeJWTPayload extracts the payload of a JWT without verifying the
// signature.
func decodeJWTPayload(token string) (map[string]interface{}, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	return claims, nil
}

// unverifiedExpiry returns the exp claim of a JWT as an absolute instant.
func unverifiedExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse JWT: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("JWT has no usable exp claim")
	}
	return exp.Time, nil
}

// claimString extracts a string claim, returning "" when absent or not a
// string.
func claimString(claims map[string]interface{}, key string) string {
	s, _ := claims[key].(string)
	return s
}

// claimStringSlice extracts a string-array claim. Handles both []string
// and []interface{} shapes; returns an empty slice when absent.
func claimStringSlice(claims map[string]interface{}, key string) []string {
	switch v := claims[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}
