package auth

import (
	"errors"
	"time"
)

var (
	// ErrStateMismatch indicates the callback state did not match the
	// pending authorization. Treated as a potential CSRF attempt: the
	// exchange is never attempted and the detail is not shown to end
	// users.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrNotInitialized indicates an operation that requires a completed
	// initialization probe.
	ErrNotInitialized = errors.New("authentication manager not initialized")

	// ErrClosed indicates the manager has been shut down.
	ErrClosed = errors.New("authentication manager closed")
)

// AuthError is the single current-error slot consumers may render and
// dismiss. Dismissing it does not change authentication state.
type AuthError struct {
	Message string
	Time    time.Time
}
