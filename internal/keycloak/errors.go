package keycloak

import "fmt"

// ExchangeError is returned when the authorization-code token exchange
// fails with a non-2xx response. It carries the HTTP status and provider
// error body for diagnostics; callers surface only a generic failure to
// end users.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: status=%d body=%s", e.Status, e.Body)
}

// RefreshError is returned when the refresh-token exchange fails with a
// non-2xx response.
type RefreshError struct {
	Status int
	Body   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: status=%d body=%s", e.Status, e.Body)
}

// UserInfoError is returned when the userinfo request fails or the bearer
// token is missing.
type UserInfoError struct {
	Status int
	Body   string
}

func (e *UserInfoError) Error() string {
	return fmt.Sprintf("userinfo request failed: status=%d body=%s", e.Status, e.Body)
}
