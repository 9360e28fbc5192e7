package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every identity provider request. A timed-out call
// fails like any other transport error; there is no built-in retry.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a provider error body is retained.
const maxErrorBody = 4096

// DirectTransport performs token operations straight against Keycloak's
// token and userinfo endpoints.
type DirectTransport struct {
	client     *Client
	httpClient *http.Client
}

// NewDirectTransport creates a transport for the given client. A
// non-positive timeout falls back to DefaultTimeout.
func NewDirectTransport(client *Client, timeout time.Duration) *DirectTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DirectTransport{
		client:     client,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Exchange implements TokenTransport. It sends
// grant_type=authorization_code with the PKCE verifier; never a client
// secret.
func (d *DirectTransport) Exchange(ctx context.Context, req ExchangeRequest) (*TokenSet, error) {
	if req.Code == "" || req.CodeVerifier == "" {
		return nil, fmt.Errorf("code and code verifier are required")
	}

	cfg := d.client.oauthConfig(req.RedirectURI)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.httpClient)

	tok, err := cfg.Exchange(ctx, req.Code,
		oauth2.SetAuthURLParam("code_verifier", req.CodeVerifier),
	)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			return nil, &ExchangeError{Status: retrieveStatus(rErr), Body: string(rErr.Body)}
		}
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}

	return tokenSetFrom(tok), nil
}

// Refresh implements TokenTransport with grant_type=refresh_token.
func (d *DirectTransport) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	cfg := d.client.oauthConfig("")
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.httpClient)

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			return nil, &RefreshError{Status: retrieveStatus(rErr), Body: string(rErr.Body)}
		}
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}

	return tokenSetFrom(tok), nil
}

// UserInfo implements TokenTransport.
func (d *DirectTransport) UserInfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	return fetchUserInfo(ctx, d.httpClient, d.client.Endpoints.UserInfo, accessToken)
}

// fetchUserInfo performs the bearer-authorized userinfo GET. Shared by
// both transports; the proxy does not relay userinfo.
func fetchUserInfo(ctx context.Context, client *http.Client, endpoint, accessToken string) (map[string]interface{}, error) {
	if accessToken == "" {
		return nil, &UserInfoError{Body: "missing bearer token"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UserInfoError{Status: resp.StatusCode, Body: string(body)}
	}

	var claims map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}

	return claims, nil
}

// tokenSetFrom converts an oauth2 token into a TokenSet, pulling the
// id_token extra and preserving the provider's expires_in.
func tokenSetFrom(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	// Older oauth2 responses surface only the absolute expiry.
	if ts.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry); d > 0 {
			ts.ExpiresIn = int64(d / time.Second)
		}
	}
	return ts
}

// retrieveStatus extracts the HTTP status from an oauth2 retrieve error.
func retrieveStatus(err *oauth2.RetrieveError) int {
	if err.Response != nil {
		return err.Response.StatusCode
	}
	return 0
}
