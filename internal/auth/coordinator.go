package auth

import "sync"

// Coordinator is the process-wide guard against duplicate processing of
// the same authorization callback. The authorization code is single-use:
// if two manager instances observe the same callback URL concurrently,
// only the one that acquires the guard performs the exchange; the other
// skips processing and relies on the first caller's committed result.
//
// The coordinator is owned by the application's composition root and
// injected into each manager, so tests can reset it between cases.
type Coordinator struct {
	mu       sync.Mutex
	inFlight bool
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// TryAcquire attempts to claim callback processing. It returns false when
// another observer already holds the guard.
func (c *Coordinator) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return false
	}
	c.inFlight = true
	return true
}

// Release clears the guard. Called on completion or failure of callback
// processing.
func (c *Coordinator) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
}

// Reset returns the coordinator to idle. Intended for tests.
func (c *Coordinator) Reset() {
	c.Release()
}
