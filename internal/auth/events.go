package auth

// Event is pushed to subscribers on every externally observable state
// transition, replacing any polling of the authentication status.
type Event struct {
	Status Status

	// Err is set when the transition was caused by a failure.
	Err *AuthError
}
