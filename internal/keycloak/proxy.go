package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProxyTransport delegates token exchange and refresh to the backend
// token proxy instead of calling Keycloak directly. The proxy keeps the
// identity provider unreachable from the client network; the request and
// response shapes are otherwise identical to the direct transport.
// Userinfo still goes straight to the identity provider, since it is a
// plain bearer-authorized read the proxy does not relay.
type ProxyTransport struct {
	baseURL     string
	userInfoURL string
	httpClient  *http.Client
}

// NewProxyTransport creates a transport that talks to the proxy at
// baseURL. The client supplies the userinfo endpoint.
func NewProxyTransport(baseURL string, client *Client, timeout time.Duration) (*ProxyTransport, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("proxy base url is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ProxyTransport{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		userInfoURL: client.Endpoints.UserInfo,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Exchange implements TokenTransport via POST /api/token-exchange.
func (p *ProxyTransport) Exchange(ctx context.Context, req ExchangeRequest) (*TokenSet, error) {
	if req.Code == "" || req.CodeVerifier == "" {
		return nil, fmt.Errorf("code and code verifier are required")
	}

	payload := map[string]string{
		"code":         req.Code,
		"codeVerifier": req.CodeVerifier,
		"redirectUri":  req.RedirectURI,
	}

	ts, status, body, err := p.post(ctx, "/api/token-exchange", payload)
	if err != nil {
		return nil, fmt.Errorf("proxy token exchange failed: %w", err)
	}
	if ts == nil {
		return nil, &ExchangeError{Status: status, Body: body}
	}
	return ts, nil
}

// Refresh implements TokenTransport via POST /api/token-refresh.
func (p *ProxyTransport) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	payload := map[string]string{"refreshToken": refreshToken}

	ts, status, body, err := p.post(ctx, "/api/token-refresh", payload)
	if err != nil {
		return nil, fmt.Errorf("proxy token refresh failed: %w", err)
	}
	if ts == nil {
		return nil, &RefreshError{Status: status, Body: body}
	}
	return ts, nil
}

// UserInfo implements TokenTransport directly against the identity
// provider.
func (p *ProxyTransport) UserInfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	return fetchUserInfo(ctx, p.httpClient, p.userInfoURL, accessToken)
}

// post sends a JSON request to the proxy. On a 2xx response it returns
// the decoded TokenSet; on any other status it returns (nil, status,
// body) so the caller can wrap the failure in its typed error.
func (p *ProxyTransport) post(ctx context.Context, path string, payload map[string]string) (*TokenSet, int, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, resp.StatusCode, string(body), nil
	}

	var ts TokenSet
	if err := json.NewDecoder(resp.Body).Decode(&ts); err != nil {
		return nil, 0, "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if ts.AccessToken == "" {
		return nil, 0, "", fmt.Errorf("token response missing access_token")
	}

	return &ts, resp.StatusCode, "", nil
}
