package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/giftportal/keycloak-auth/internal/keycloak"
	"github.com/giftportal/keycloak-auth/internal/pkce"
	"github.com/giftportal/keycloak-auth/internal/session"
)

// DefaultRefreshLead is how long before token expiry the automatic
// refresh fires.
const DefaultRefreshLead = 2 * time.Minute

// Options configures a Manager. Client, Transport, Store, Coordinator
// and RedirectURI are required.
type Options struct {
	Client      *keycloak.Client
	Transport   keycloak.TokenTransport
	Store       *session.Store
	Coordinator *Coordinator

	// RedirectURI is the application's OAuth callback URL, normally the
	// application origin root.
	RedirectURI string

	// PostLogoutRedirectURI is where the identity provider sends the
	// browser after logout.
	PostLogoutRedirectURI string

	// RefreshLead overrides DefaultRefreshLead when positive.
	RefreshLead time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// InitResult is the outcome of the initialization probe. CleanURL is the
// current URL with the callback query parameters stripped; the embedding
// UI applies it with a non-navigating history replace so a page refresh
// never re-submits a spent authorization code.
type InitResult struct {
	Status   Status
	CleanURL string
}

// Manager drives the authentication lifecycle. It exclusively owns the
// session state; the store is passive persistence and UI consumers only
// read the exposed snapshots.
type Manager struct {
	client                *keycloak.Client
	transport             keycloak.TokenTransport
	store                 *session.Store
	coord                 *Coordinator
	redirectURI           string
	postLogoutRedirectURI string
	lead                  time.Duration
	now                   func() time.Time

	mu           sync.Mutex
	status       Status
	ready        bool
	sess         *session.State
	epoch        uint64
	lastErr      *AuthError
	refreshTimer *time.Timer
	initStarted  bool
	initDone     chan struct{}
	initResult   InitResult
	initErr      error
	subs         map[int]chan Event
	nextSubID    int
	closed       bool
}

// NewManager creates a lifecycle manager in the Uninitialized state.
func NewManager(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("keycloak client is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("token transport is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if opts.RedirectURI == "" {
		return nil, fmt.Errorf("redirect uri is required")
	}

	lead := opts.RefreshLead
	if lead <= 0 {
		lead = DefaultRefreshLead
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		client:                opts.Client,
		transport:             opts.Transport,
		store:                 opts.Store,
		coord:                 opts.Coordinator,
		redirectURI:           opts.RedirectURI,
		postLogoutRedirectURI: opts.PostLogoutRedirectURI,
		lead:                  lead,
		now:                   now,
		status:                StatusUninitialized,
		subs:                  make(map[int]chan Event),
	}, nil
}

// Initialize runs the one-time initialization probe: callback processing
// when the current URL carries code and state, otherwise a silent session
// resume. It is idempotent; concurrent and repeated calls share the
// single probe and its result, so a duplicated mount never double-spends
// an authorization code.
func (m *Manager) Initialize(ctx context.Context, currentURL string) (InitResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return InitResult{}, ErrClosed
	}
	if m.initStarted {
		done := m.initDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return InitResult{}, ctx.Err()
		}
		m.mu.Lock()
		res, err := m.initResult, m.initErr
		m.mu.Unlock()
		return res, err
	}
	m.initStarted = true
	m.initDone = make(chan struct{})
	m.status = StatusInitializing
	m.publishLocked(Event{Status: StatusInitializing})
	m.mu.Unlock()

	res, err := m.probe(ctx, currentURL)

	m.mu.Lock()
	m.initResult, m.initErr = res, err
	m.ready = true
	close(m.initDone)
	m.mu.Unlock()

	return res, err
}

// probe branches on whether the current URL is an OAuth callback.
func (m *Manager) probe(ctx context.Context, currentURL string) (InitResult, error) {
	code, state, isCallback := callbackParams(currentURL)
	cleanURL := stripCallbackParams(currentURL)

	if isCallback {
		return m.processCallback(ctx, code, state, cleanURL)
	}
	return m.resumeStored(ctx, cleanURL)
}

// processCallback validates the callback against the pending
// authorization and performs the one token exchange. The callback
// parameters are stripped from the returned URL on success and failure
// alike.
func (m *Manager) processCallback(ctx context.Context, code, state, cleanURL string) (InitResult, error) {
	if !m.coord.TryAcquire() {
		// Another observer of the same callback already owns the
		// exchange. Skip it and read whatever that caller committed.
		slog.Debug("callback already being processed, skipping exchange")
		return m.resumeStored(ctx, cleanURL)
	}
	defer m.coord.Release()

	pending, err := m.store.LoadPending()
	if err != nil || pending == nil || pending.State != state {
		_ = m.store.ClearPending()
		slog.Error("callback state validation failed",
			"pending_present", pending != nil,
			"error", err,
		)
		m.toUnauthenticated("authentication failed", false)
		return InitResult{Status: StatusUnauthenticated, CleanURL: cleanURL}, ErrStateMismatch
	}

	// Consumed exactly once, before the outcome is known: a failed
	// exchange must not be retried with the same single-use code.
	_ = m.store.ClearPending()

	ts, err := m.transport.Exchange(ctx, keycloak.ExchangeRequest{
		Code:         code,
		CodeVerifier: pending.CodeVerifier,
		RedirectURI:  pending.RedirectURI,
	})
	if err != nil {
		slog.Error("token exchange failed", "error", err)
		m.toUnauthenticated("authentication failed", true)
		return InitResult{Status: StatusUnauthenticated, CleanURL: cleanURL}, err
	}

	claims, err := m.deriveClaims(ctx, ts)
	if err != nil {
		slog.Error("failed to derive user claims", "error", err)
		m.toUnauthenticated("authentication failed", true)
		return InitResult{Status: StatusUnauthenticated, CleanURL: cleanURL}, err
	}

	m.mu.Lock()
	m.commitLocked(ts, claims)
	m.mu.Unlock()

	slog.Info("authentication completed", "sub", claims.Sub)
	return InitResult{Status: StatusAuthenticated, CleanURL: cleanURL}, nil
}

// resumeStored restores a session from the durable store: valid access
// token wins outright, an expired one with a refresh token gets exactly
// one refresh attempt, anything else is unauthenticated.
func (m *Manager) resumeStored(ctx context.Context, cleanURL string) (InitResult, error) {
	sess, err := m.store.LoadSession()
	if err != nil {
		slog.Warn("failed to load stored session", "error", err)
	}
	if sess == nil {
		m.toUnauthenticated("", false)
		return InitResult{Status: StatusUnauthenticated, CleanURL: cleanURL}, nil
	}

	if !sess.Expired(m.now()) {
		m.mu.Lock()
		m.sess = sess
		m.epoch++
		epoch := m.epoch
		m.status = StatusAuthenticated
		m.armRefreshLocked(epoch)
		m.publishLocked(Event{Status: StatusAuthenticated})
		m.mu.Unlock()

		// Freshen the profile in the background; failure is non-fatal.
		go m.refreshProfile(epoch)

		return InitResult{Status: StatusAuthenticated, CleanURL: cleanURL}, nil
	}

	if sess.RefreshToken != "" {
		ts, err := m.transport.Refresh(ctx, sess.RefreshToken)
		if err != nil {
			slog.Warn("stored session refresh failed", "error", err)
			m.toUnauthenticated("session expired", true)
			return InitResult{Status: StatusUnauthenticated, CleanURL: cleanURL}, nil
		}

		m.mu.Lock()
		m.commitLocked(ts, m.claimsForRefresh(ts, sess.User))
		m.mu.Unlock()

		return InitResult{Status: StatusAuthenticated, CleanURL: cleanURL}, nil
	}

	m.toUnauthenticated("", true)
	return InitResult{Status: StatusUnauthenticated, CleanURL: cleanURL}, nil
}

// Login starts a fresh authorization: it generates and persists a new
// pending authorization (overwriting any previous one) and returns the
// authorization URL for the embedding UI to redirect to. Execution
// resumes only via the callback branch of Initialize after the redirect
// round trip.
func (m *Manager) Login(ctx context.Context) (string, error) {
	return m.LoginWithProvider(ctx, "")
}

// LoginWithProvider is Login with a kc_idp_hint forcing a specific
// upstream identity provider.
func (m *Manager) LoginWithProvider(_ context.Context, idpHint string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if !m.ready {
		m.mu.Unlock()
		return "", ErrNotInitialized
	}
	m.mu.Unlock()

	state, err := pkce.NewState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	verifier, err := pkce.NewVerifier()
	if err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}

	pending := &session.PendingAuthorization{
		State:        state,
		CodeVerifier: verifier,
		RedirectURI:  m.redirectURI,
	}
	if err := m.store.SavePending(pending); err != nil {
		return "", fmt.Errorf("failed to persist pending authorization: %w", err)
	}

	var extra map[string]string
	if idpHint != "" {
		extra = map[string]string{"kc_idp_hint": idpHint}
	}

	return m.client.AuthorizationURL(keycloak.AuthorizationParams{
		State:         state,
		CodeChallenge: pkce.Challenge(verifier),
		RedirectURI:   m.redirectURI,
		Extra:         extra,
	})
}

// Logout clears the session (store and memory) and cancels the refresh
// timer. When redirect is true it returns the identity provider's
// end-session URL for the embedding UI to navigate to; otherwise the
// logout is local only.
func (m *Manager) Logout(redirect bool) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.cancelRefreshLocked()
	sess := m.sess
	m.sess = nil
	m.epoch++
	if err := m.store.ClearSession(); err != nil {
		slog.Warn("failed to clear stored session", "error", err)
	}
	m.status = StatusUnauthenticated
	m.publishLocked(Event{Status: StatusUnauthenticated})
	m.mu.Unlock()

	if !redirect {
		return "", nil
	}

	idTokenHint := ""
	if sess != nil {
		idTokenHint = sess.IDToken
	}
	return m.client.LogoutURL(m.postLogoutRedirectURI, idTokenHint)
}

// Status returns the current lifecycle status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Ready reports whether the initial probe has completed, i.e. whether
// the authenticated/unauthenticated answer is definitive.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// CurrentUser returns the claims of the authenticated user, or nil.
func (m *Manager) CurrentUser() *keycloak.UserClaims {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.User
}

// Session returns the current session snapshot, or nil. Callers must
// treat it as read-only.
func (m *Manager) Session() *session.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// LastError returns the current error slot, or nil.
func (m *Manager) LastError() *AuthError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// DismissError clears the error slot without changing authentication
// state.
func (m *Manager) DismissError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = nil
}

// Subscribe registers for state-change events. The returned cancel
// function unregisters and closes the channel. Slow subscribers drop
// events rather than block transitions.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan Event, 8)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Close tears the manager down: the refresh timer is cancelled so it
// cannot outlive the session, and subscribers are closed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cancelRefreshLocked()
	m.epoch++
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

// commitLocked atomically replaces the session with one built from a
// freshly accepted token set: all derived fields are computed first, the
// store write and the in-memory swap happen under the lock, and only then
// is the transition published. Requires m.mu held.
func (m *Manager) commitLocked(ts *keycloak.TokenSet, claims *keycloak.UserClaims) {
	state := session.NewState(ts, claims, m.now())
	if err := m.store.SaveSession(state); err != nil {
		slog.Warn("failed to persist session", "error", err)
	}
	m.sess = state
	m.epoch++
	m.lastErr = nil
	m.status = StatusAuthenticated
	m.armRefreshLocked(m.epoch)
	m.publishLocked(Event{Status: StatusAuthenticated})
}

// toUnauthenticated clears any partial state and transitions to
// Unauthenticated, optionally clearing the durable session.
func (m *Manager) toUnauthenticated(errMsg string, clearStore bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelRefreshLocked()
	m.sess = nil
	m.epoch++
	if clearStore {
		if err := m.store.ClearSession(); err != nil {
			slog.Warn("failed to clear stored session", "error", err)
		}
	}
	m.status = StatusUnauthenticated
	ev := Event{Status: StatusUnauthenticated}
	if errMsg != "" {
		m.lastErr = &AuthError{Message: errMsg, Time: m.now()}
		ev.Err = m.lastErr
	}
	m.publishLocked(ev)
}

// armRefreshLocked arms the automatic refresh timer at expiry minus the
// lead time, first cancelling any existing timer so timers are re-armed,
// never stacked. Requires m.mu held.
func (m *Manager) armRefreshLocked(epoch uint64) {
	m.cancelRefreshLocked()
	if m.sess == nil || m.sess.ExpiresAt.IsZero() {
		return
	}
	d := m.sess.ExpiresAt.Add(-m.lead).Sub(m.now())
	if d < 0 {
		d = 0
	}
	m.refreshTimer = time.AfterFunc(d, func() { m.autoRefresh(epoch) })
}

// cancelRefreshLocked stops any armed refresh timer. Requires m.mu held.
func (m *Manager) cancelRefreshLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

// autoRefresh is the timer callback. A single failure transitions to
// Unauthenticated with no retry: repeated failure almost always means the
// refresh token itself is dead and the user must re-authenticate. A
// result arriving after logout or a session replacement is discarded.
func (m *Manager) autoRefresh(epoch uint64) {
	m.mu.Lock()
	if m.closed || m.epoch != epoch || m.status != StatusAuthenticated || m.sess == nil {
		m.mu.Unlock()
		return
	}
	refreshToken := m.sess.RefreshToken
	prior := m.sess.User
	m.mu.Unlock()

	if refreshToken == "" {
		m.toUnauthenticated("session expired", true)
		return
	}

	ts, err := m.transport.Refresh(context.Background(), refreshToken)

	m.mu.Lock()
	if m.closed || m.epoch != epoch || m.status != StatusAuthenticated {
		// Logged out (or replaced) while the refresh was in flight.
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.mu.Unlock()
		slog.Warn("automatic token refresh failed", "error", err)
		m.toUnauthenticated("session expired", true)
		return
	}
	m.commitLocked(ts, m.claimsForRefresh(ts, prior))
	m.mu.Unlock()
}

// refreshProfile re-reads userinfo in the background after a silent
// resume. Failure is non-fatal: stale claims beat a forced logout for a
// non-critical read.
func (m *Manager) refreshProfile(epoch uint64) {
	m.mu.Lock()
	if m.closed || m.epoch != epoch || m.sess == nil {
		m.mu.Unlock()
		return
	}
	accessToken := m.sess.AccessToken
	m.mu.Unlock()

	raw, err := m.transport.UserInfo(context.Background(), accessToken)
	if err != nil {
		slog.Debug("background profile refresh failed", "error", err)
		return
	}
	claims := keycloak.ClaimsFromMap(raw)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.epoch != epoch || m.sess == nil {
		return
	}
	updated := *m.sess
	updated.User = claims
	if err := m.store.SaveSession(&updated); err != nil {
		slog.Warn("failed to persist refreshed profile", "error", err)
	}
	m.sess = &updated
}

// claimsForRefresh derives claims for a refreshed token set, falling back
// to the previous claims when the response carried no decodable ID token.
func (m *Manager) claimsForRefresh(ts *keycloak.TokenSet, prior *keycloak.UserClaims) *keycloak.UserClaims {
	if ts.IDToken != "" {
		if claims, err := keycloak.DecodeIDTokenClaims(ts.IDToken); err == nil {
			return claims
		}
	}
	return prior
}

// deriveClaims extracts the user identity from a token set obtained via
// the exchange: the ID token payload when present, otherwise a userinfo
// round trip.
func (m *Manager) deriveClaims(ctx context.Context, ts *keycloak.TokenSet) (*keycloak.UserClaims, error) {
	if ts.IDToken != "" {
		return keycloak.DecodeIDTokenClaims(ts.IDToken)
	}
	raw, err := m.transport.UserInfo(ctx, ts.AccessToken)
	if err != nil {
		return nil, err
	}
	return keycloak.ClaimsFromMap(raw), nil
}

// publishLocked fans an event out to subscribers without blocking.
// Requires m.mu held.
func (m *Manager) publishLocked(ev Event) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// callbackParams reports whether rawURL is an OAuth callback URL, i.e.
// carries both code and state query parameters.
func callbackParams(rawURL string) (code, state string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}
	q := u.Query()
	code, state = q.Get("code"), q.Get("state")
	return code, state, code != "" && state != ""
}

// stripCallbackParams removes the callback query parameters from a URL,
// leaving everything else intact. Keycloak appends session_state and iss
// alongside code and state.
func stripCallbackParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for _, p := range []string{"code", "state", "session_state", "iss"} {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
