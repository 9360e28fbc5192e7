// Package auth implements the authentication lifecycle: initialization
// with callback detection and duplicate suppression, automatic token
// refresh, and logout. It composes the token transport and session store
// and publishes state changes to subscribers.
package auth

// Status is the externally observable lifecycle state.
type Status int

const (
	// StatusUninitialized means Initialize has not been called yet.
	StatusUninitialized Status = iota

	// StatusInitializing means the first (and only) initialization probe
	// is in flight. Consumers should wait for completion rather than
	// treat this as a definitive answer.
	StatusInitializing

	// StatusUnauthenticated means there is no usable session.
	StatusUnauthenticated

	// StatusAuthenticated means a valid session is held and the refresh
	// timer is armed.
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusInitializing:
		return "initializing"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}
