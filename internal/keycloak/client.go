package keycloak

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// scopes requested on every authorization. "openid" is mandatory for OIDC
// flows; profile and email supply the user claims the portal renders.
var scopes = []string{"openid", "profile", "email"}

// Endpoints holds the fixed Keycloak protocol endpoints for a realm.
type Endpoints struct {
	Authorization string
	Token         string
	UserInfo      string
	Logout        string
}

// EndpointsForIssuer derives the protocol endpoints from a realm issuer
// URL ({base}/realms/{realm}). Keycloak serves these at well-known paths,
// so no discovery round trip is needed.
func EndpointsForIssuer(issuer string) Endpoints {
	base := strings.TrimSuffix(issuer, "/") + "/protocol/openid-connect"
	return Endpoints{
		Authorization: base + "/auth",
		Token:         base + "/token",
		UserInfo:      base + "/userinfo",
		Logout:        base + "/logout",
	}
}

// Client builds the identity provider URLs for a single public OIDC
// client. It carries no secret by design.
type Client struct {
	ClientID  string
	Endpoints Endpoints
}

// NewClient creates a client for the given realm issuer.
func NewClient(clientID, issuer string) (*Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	return &Client{
		ClientID:  clientID,
		Endpoints: EndpointsForIssuer(issuer),
	}, nil
}

// AuthorizationParams are the per-login inputs for the authorization
// redirect. Extra carries identity-provider hints (e.g., kc_idp_hint to
// force a specific upstream social provider) without the client needing
// to know provider-specific vocabulary.
type AuthorizationParams struct {
	State         string
	CodeChallenge string
	RedirectURI   string
	Extra         map[string]string
}

// AuthorizationURL constructs the authorization redirect URL. It always
// includes response_type=code, the openid/profile/email scopes, and
// code_challenge_method=S256.
func (c *Client) AuthorizationURL(p AuthorizationParams) (string, error) {
	if p.State == "" {
		return "", fmt.Errorf("state is required")
	}
	if p.CodeChallenge == "" {
		return "", fmt.Errorf("code challenge is required")
	}
	if p.RedirectURI == "" {
		return "", fmt.Errorf("redirect uri is required")
	}

	cfg := c.oauthConfig(p.RedirectURI)
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", p.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	for k, v := range p.Extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return cfg.AuthCodeURL(p.State, opts...), nil
}

// LogoutURL constructs the end-session redirect URL. The ID token hint
// lets Keycloak skip its logout confirmation page.
func (c *Client) LogoutURL(postLogoutRedirectURI, idTokenHint string) (string, error) {
	u, err := url.Parse(c.Endpoints.Logout)
	if err != nil {
		return "", fmt.Errorf("failed to parse logout endpoint: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", c.ClientID)
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// oauthConfig builds the oauth2 configuration for this client. The client
// secret is always empty and credentials go in the request body, matching
// how Keycloak expects public clients to authenticate.
func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.ClientID,
		RedirectURL: redirectURI,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.Endpoints.Authorization,
			TokenURL:  c.Endpoints.Token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
