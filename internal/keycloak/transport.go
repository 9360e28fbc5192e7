package keycloak

import "context"

// ExchangeRequest carries the inputs for an authorization-code exchange.
type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
}

// TokenTransport performs the token operations against the identity
// provider. There are two implementations: DirectTransport talks to
// Keycloak itself, ProxyTransport delegates exchange and refresh to the
// backend token proxy. The contract is identical either way, so callers
// are indifferent to which transport is configured.
type TokenTransport interface {
	// Exchange redeems an authorization code (with its PKCE verifier)
	// for a TokenSet. Fails with *ExchangeError on a non-2xx response.
	Exchange(ctx context.Context, req ExchangeRequest) (*TokenSet, error)

	// Refresh exchanges a refresh token for a new TokenSet. Fails with
	// *RefreshError on a non-2xx response.
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)

	// UserInfo fetches the userinfo claims for an access token. Fails
	// with *UserInfoError on a non-2xx response or missing bearer.
	UserInfo(ctx context.Context, accessToken string) (map[string]interface{}, error)
}
