package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giftportal/keycloak-auth/internal/keycloak"
	"github.com/giftportal/keycloak-auth/internal/session"
)

// fakeTransport is a scripted TokenTransport that counts calls.
type fakeTransport struct {
	mu sync.Mutex

	exchangeTS    *keycloak.TokenSet
	exchangeErr   error
	exchangeDelay time.Duration
	exchangeCalls int
	lastExchange  keycloak.ExchangeRequest

	refreshTS    *keycloak.TokenSet
	refreshErr   error
	refreshCalls int
	lastRefresh  string

	userInfoClaims map[string]interface{}
	userInfoErr    error
	userInfoCalls  int
}

func (f *fakeTransport) Exchange(ctx context.Context, req keycloak.ExchangeRequest) (*keycloak.TokenSet, error) {
	f.mu.Lock()
	f.exchangeCalls++
	f.lastExchange = req
	delay := f.exchangeDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchangeTS, nil
}

func (f *fakeTransport) Refresh(ctx context.Context, refreshToken string) (*keycloak.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	f.lastRefresh = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshTS, nil
}

func (f *fakeTransport) UserInfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userInfoCalls++
	if f.userInfoErr != nil {
		return nil, f.userInfoErr
	}
	return f.userInfoClaims, nil
}

func (f *fakeTransport) counts() (exchange, refresh, userInfo int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeCalls, f.refreshCalls, f.userInfoCalls
}

// makeIDToken builds an unsigned ID token for the given subject.
func makeIDToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "."
}

const testRedirectURI = "http://localhost:3000/"

type testEnv struct {
	client    *keycloak.Client
	transport *fakeTransport
	store     *session.Store
	coord     *Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	client, err := keycloak.NewClient("giftportal", "https://id.example.com/realms/gifts")
	if err != nil {
		t.Fatal(err)
	}
	store, err := session.NewStore(session.NewMemoryBackend(), session.NewMemoryBackend())
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{
		client: client,
		transport: &fakeTransport{
			userInfoErr: errors.New("userinfo unavailable"),
		},
		store: store,
		coord: NewCoordinator(),
	}
}

func (e *testEnv) manager(t *testing.T, opts ...func(*Options)) *Manager {
	t.Helper()

	o := Options{
		Client:                e.client,
		Transport:             e.transport,
		Store:                 e.store,
		Coordinator:           e.coord,
		RedirectURI:           testRedirectURI,
		PostLogoutRedirectURI: testRedirectURI,
	}
	for _, fn := range opts {
		fn(&o)
	}

	m, err := NewManager(o)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestFreshLoginFlow(t *testing.T) {
	env := newTestEnv(t)

	// First page load: no callback, no stored session.
	m := env.manager(t)
	res, err := m.Initialize(context.Background(), testRedirectURI)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if res.Status != StatusUnauthenticated {
		t.Fatalf("Status = %v, want Unauthenticated", res.Status)
	}

	authURL, err := m.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("authorization URL does not parse: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "giftportal" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") == "" || q.Get("state") == "" {
		t.Error("code_challenge and state must be present")
	}

	pending, err := env.store.LoadPending()
	if err != nil || pending == nil {
		t.Fatalf("expected a pending authorization, got (%+v, %v)", pending, err)
	}
	if pending.State != q.Get("state") {
		t.Error("persisted state does not match the authorization URL")
	}

	// The redirect returns; a fresh manager (the reloaded page) processes
	// the callback.
	env.transport.exchangeTS = &keycloak.TokenSet{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IDToken:      makeIDToken(t, map[string]interface{}{"sub": "user-1", "preferred_username": "alice"}),
		ExpiresIn:    300,
	}

	callbackURL := testRedirectURI + "?code=the-code&state=" + pending.State + "&session_state=ss&iss=" + url.QueryEscape("https://id.example.com/realms/gifts")
	m2 := env.manager(t)
	res, err = m2.Initialize(context.Background(), callbackURL)
	if err != nil {
		t.Fatalf("callback Initialize: %v", err)
	}
	if res.Status != StatusAuthenticated {
		t.Fatalf("Status = %v, want Authenticated", res.Status)
	}

	// Callback parameters are stripped from the clean URL.
	for _, p := range []string{"code=", "state=", "session_state=", "iss="} {
		if strings.Contains(res.CleanURL, p) {
			t.Errorf("CleanURL %q still contains %s", res.CleanURL, p)
		}
	}

	exchanges, _, _ := env.transport.counts()
	if exchanges != 1 {
		t.Errorf("exchange calls = %d, want 1", exchanges)
	}
	if env.transport.lastExchange.Code != "the-code" {
		t.Errorf("exchanged code = %q", env.transport.lastExchange.Code)
	}
	if env.transport.lastExchange.CodeVerifier != pending.CodeVerifier {
		t.Error("exchange did not use the persisted code verifier")
	}

	user := m2.CurrentUser()
	if user == nil || user.Sub != "user-1" || user.PreferredUsername != "alice" {
		t.Errorf("CurrentUser = %+v", user)
	}

	// The pending authorization was consumed.
	if pending, _ := env.store.LoadPending(); pending != nil {
		t.Error("pending authorization should be cleared after the callback")
	}

	// The session was persisted for the next start.
	if sess, _ := env.store.LoadSession(); sess == nil || sess.AccessToken != "access-1" {
		t.Errorf("stored session = %+v", sess)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.transport.exchangeDelay = 20 * time.Millisecond
	env.transport.exchangeTS = &keycloak.TokenSet{
		AccessToken: "access-1",
		IDToken:     makeIDToken(t, map[string]interface{}{"sub": "user-1"}),
		ExpiresIn:   300,
	}

	m := env.manager(t)
	if err := env.store.SavePending(&session.PendingAuthorization{
		State:        "state-1",
		CodeVerifier: "verifier-1",
		RedirectURI:  testRedirectURI,
	}); err != nil {
		t.Fatal(err)
	}

	callbackURL := testRedirectURI + "?code=c&state=state-1"

	var wg sync.WaitGroup
	results := make([]InitResult, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Initialize(context.Background(), callbackURL)
			if err != nil {
				t.Errorf("Initialize %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	exchanges, _, _ := env.transport.counts()
	if exchanges != 1 {
		t.Errorf("exchange calls = %d, want exactly 1", exchanges)
	}
	for i, res := range results {
		if res.Status != StatusAuthenticated {
			t.Errorf("result %d status = %v, want Authenticated", i, res.Status)
		}
	}

	// A later repeated call returns the same result without a new probe.
	res, err := m.Initialize(context.Background(), callbackURL)
	if err != nil || res.Status != StatusAuthenticated {
		t.Errorf("repeated Initialize = (%+v, %v)", res, err)
	}
	if exchanges, _, _ := env.transport.counts(); exchanges != 1 {
		t.Errorf("repeated Initialize performed another exchange")
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)

	if err := env.store.SavePending(&session.PendingAuthorization{
		State:        "expected-state",
		CodeVerifier: "verifier-1",
		RedirectURI:  testRedirectURI,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := m.Initialize(context.Background(), testRedirectURI+"?code=c&state=forged-state")
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("err = %v, want ErrStateMismatch", err)
	}
	if res.Status != StatusUnauthenticated {
		t.Errorf("Status = %v, want Unauthenticated", res.Status)
	}

	if exchanges, _, _ := env.transport.counts(); exchanges != 0 {
		t.Errorf("exchange calls = %d, want 0 on state mismatch", exchanges)
	}
	if pending, _ := env.store.LoadPending(); pending != nil {
		t.Error("pending authorization should be cleared on mismatch")
	}
	if m.LastError() == nil {
		t.Error("expected the error slot to be populated")
	}
}

func TestCallbackWithoutPending(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)

	res, err := m.Initialize(context.Background(), testRedirectURI+"?code=c&state=s")
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("err = %v, want ErrStateMismatch", err)
	}
	if res.Status != StatusUnauthenticated {
		t.Errorf("Status = %v", res.Status)
	}
	if exchanges, _, _ := env.transport.counts(); exchanges != 0 {
		t.Errorf("exchange calls = %d, want 0", exchanges)
	}
}

func TestExchangeFailureSetsError(t *testing.T) {
	env := newTestEnv(t)
	env.transport.exchangeErr = &keycloak.ExchangeError{Status: 400, Body: `{"error":"invalid_grant"}`}
	m := env.manager(t)

	if err := env.store.SavePending(&session.PendingAuthorization{
		State:        "state-1",
		CodeVerifier: "verifier-1",
		RedirectURI:  testRedirectURI,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := m.Initialize(context.Background(), testRedirectURI+"?code=spent&state=state-1")
	var xErr *keycloak.ExchangeError
	if !errors.As(err, &xErr) {
		t.Fatalf("err = %v, want *ExchangeError", err)
	}
	if res.Status != StatusUnauthenticated {
		t.Errorf("Status = %v", res.Status)
	}

	// The pending record was consumed even though the exchange failed, so
	// the spent code can never be retried.
	if pending, _ := env.store.LoadPending(); pending != nil {
		t.Error("pending authorization should be consumed on failure")
	}

	authErr := m.LastError()
	if authErr == nil || authErr.Message != "authentication failed" {
		t.Errorf("LastError = %+v", authErr)
	}

	// Dismissing the error does not change authentication state.
	m.DismissError()
	if m.LastError() != nil {
		t.Error("expected the error slot to be cleared")
	}
	if m.Status() != StatusUnauthenticated {
		t.Error("dismissing the error must not change status")
	}
}

func TestSilentResume(t *testing.T) {
	env := newTestEnv(t)

	stored := &session.State{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         &keycloak.UserClaims{Sub: "user-1", PreferredUsername: "alice"},
	}
	if err := env.store.SaveSession(stored); err != nil {
		t.Fatal(err)
	}

	m := env.manager(t)
	res, err := m.Initialize(context.Background(), testRedirectURI)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if res.Status != StatusAuthenticated {
		t.Fatalf("Status = %v, want Authenticated", res.Status)
	}

	user := m.CurrentUser()
	if user == nil || user.Sub != "user-1" {
		t.Errorf("CurrentUser = %+v", user)
	}

	// No token operations were needed for the resume itself.
	exchanges, refreshes, _ := env.transport.counts()
	if exchanges != 0 || refreshes != 0 {
		t.Errorf("calls = (%d exchanges, %d refreshes), want none", exchanges, refreshes)
	}

	// The background profile refresh fails (userinfo unavailable) and that
	// is non-fatal: still authenticated with the stored claims.
	time.Sleep(50 * time.Millisecond)
	if m.Status() != StatusAuthenticated {
		t.Error("profile refresh failure must not end the session")
	}
	if user := m.CurrentUser(); user == nil || user.Sub != "user-1" {
		t.Errorf("claims changed after failed profile refresh: %+v", user)
	}
}

func TestSilentResumeProfileRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.transport.userInfoErr = nil
	env.transport.userInfoClaims = map[string]interface{}{
		"sub":                "user-1",
		"preferred_username": "alice-renamed",
	}

	if err := env.store.SaveSession(&session.State{
		AccessToken: "access-1",
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        &keycloak.UserClaims{Sub: "user-1", PreferredUsername: "alice"},
	}); err != nil {
		t.Fatal(err)
	}

	m := env.manager(t)
	if _, err := m.Initialize(context.Background(), testRedirectURI); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if user := m.CurrentUser(); user != nil && user.PreferredUsername == "alice-renamed" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("background profile refresh never updated the claims")
}

func TestResumeExpiredWithRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.transport.refreshTS = &keycloak.TokenSet{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		IDToken:      makeIDToken(t, map[string]interface{}{"sub": "user-1"}),
		ExpiresIn:    300,
	}

	if err := env.store.SaveSession(&session.State{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         &keycloak.UserClaims{Sub: "user-1"},
	}); err != nil {
		t.Fatal(err)
	}

	m := env.manager(t)
	res, err := m.Initialize(context.Background(), testRedirectURI)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if res.Status != StatusAuthenticated {
		t.Fatalf("Status = %v, want Authenticated", res.Status)
	}

	_, refreshes, _ := env.transport.counts()
	if refreshes != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", refreshes)
	}
	if env.transport.lastRefresh != "refresh-1" {
		t.Errorf("refreshed with %q", env.transport.lastRefresh)
	}

	// The new token set fully replaced the old one, in memory and on disk.
	if sess := m.Session(); sess == nil || sess.AccessToken != "access-2" || sess.RefreshToken != "refresh-2" {
		t.Errorf("session = %+v", sess)
	}
	if stored, _ := env.store.LoadSession(); stored == nil || stored.AccessToken != "access-2" {
		t.Errorf("stored session = %+v", stored)
	}
}

func TestResumeExpiredRefreshRejected(t *testing.T) {
	env := newTestEnv(t)
	env.transport.refreshErr = &keycloak.RefreshError{Status: 400, Body: `{"error":"invalid_grant"}`}

	if err := env.store.SaveSession(&session.State{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	m := env.manager(t)
	res, err := m.Initialize(context.Background(), testRedirectURI)
	if err != nil {
		t.Fatalf("a failed resume is not an initialization error: %v", err)
	}
	if res.Status != StatusUnauthenticated {
		t.Fatalf("Status = %v, want Unauthenticated", res.Status)
	}

	// Exactly one attempt, and the dead session is gone from the store.
	if _, refreshes, _ := env.transport.counts(); refreshes != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshes)
	}
	if stored, _ := env.store.LoadSession(); stored != nil {
		t.Errorf("stored session should be cleared, got %+v", stored)
	}
	if authErr := m.LastError(); authErr == nil || authErr.Message != "session expired" {
		t.Errorf("LastError = %+v", authErr)
	}
}

func TestResumeExpiredWithoutRefreshToken(t *testing.T) {
	env := newTestEnv(t)

	if err := env.store.SaveSession(&session.State{
		AccessToken: "access-1",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	m := env.manager(t)
	res, err := m.Initialize(context.Background(), testRedirectURI)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusUnauthenticated {
		t.Errorf("Status = %v", res.Status)
	}
	if _, refreshes, _ := env.transport.counts(); refreshes != 0 {
		t.Errorf("refresh calls = %d, want 0 without a refresh token", refreshes)
	}
}

func TestAutoRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.transport.refreshTS = &keycloak.TokenSet{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresIn:    3600,
	}

	if err := env.store.SaveSession(&session.State{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(60 * time.Millisecond),
		User:         &keycloak.UserClaims{Sub: "user-1"},
	}); err != nil {
		t.Fatal(err)
	}

	m := env.manager(t, func(o *Options) {
		o.RefreshLead = 40 * time.Millisecond
	})
	if _, err := m.Initialize(context.Background(), testRedirectURI); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sess := m.Session(); sess != nil && sess.AccessToken == "access-2" {
			if _, refreshes, _ := env.transport.counts(); refreshes != 1 {
				t.Errorf("refresh calls = %d, want 1", refreshes)
			}
			if m.Status() != StatusAuthenticated {
				t.Error("expected to stay authenticated across the refresh")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("automatic refresh never fired")
}

func TestAutoRefreshFailureEndsSession(t *testing.T) {
	env := newTestEnv(t)
	env.transport.refreshErr = &keycloak.RefreshError{Status: 400}

	if err := env.store.SaveSession(&session.State{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(50 * time.Millisecond),
	}); err != nil {
		t.Fatal(err)
	}

	m := env.manager(t, func(o *Options) {
		o.RefreshLead = 40 * time.Millisecond
	})
	if _, err := m.Initialize(context.Background(), testRedirectURI); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == StatusUnauthenticated {
			// One failure, no retry.
			if _, refreshes, _ := env.transport.counts(); refreshes != 1 {
				t.Errorf("refresh calls = %d, want 1", refreshes)
			}
			if stored, _ := env.store.LoadSession(); stored != nil {
				t.Error("stored session should be cleared")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("failed refresh never transitioned to Unauthenticated")
}

func TestLogoutCancelsRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.transport.refreshTS = &keycloak.TokenSet{AccessToken: "access-2", ExpiresIn: 3600}

	idToken := makeIDToken(t, map[string]interface{}{"sub": "user-1"})
	if err := env.store.SaveSession(&session.State{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IDToken:      idToken,
		ExpiresAt:    time.Now().Add(80 * time.Millisecond),
		User:         &keycloak.UserClaims{Sub: "user-1"},
	}); err != nil {
		t.Fatal(err)
	}

	m := env.manager(t, func(o *Options) {
		o.RefreshLead = 40 * time.Millisecond
	})
	if _, err := m.Initialize(context.Background(), testRedirectURI); err != nil {
		t.Fatal(err)
	}

	logoutURL, err := m.Logout(true)
	if err != nil {
		t.Fatalf("Logout: %v", err)
	}

	u, err := url.Parse(logoutURL)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("id_token_hint") != idToken {
		t.Error("logout URL missing the id_token_hint")
	}
	if u.Query().Get("post_logout_redirect_uri") != testRedirectURI {
		t.Error("logout URL missing post_logout_redirect_uri")
	}

	if m.Status() != StatusUnauthenticated {
		t.Errorf("Status = %v after logout", m.Status())
	}
	if m.CurrentUser() != nil {
		t.Error("CurrentUser should be nil after logout")
	}
	if stored, _ := env.store.LoadSession(); stored != nil {
		t.Error("stored session should be cleared on logout")
	}

	// The armed refresh timer must not fire after logout.
	time.Sleep(150 * time.Millisecond)
	if _, refreshes, _ := env.transport.counts(); refreshes != 0 {
		t.Errorf("refresh calls = %d after logout, want 0", refreshes)
	}
	if m.Status() != StatusUnauthenticated {
		t.Error("status changed after logout")
	}
}

func TestLocalLogout(t *testing.T) {
	env := newTestEnv(t)

	if err := env.store.SaveSession(&session.State{
		AccessToken: "access-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	m := env.manager(t)
	if _, err := m.Initialize(context.Background(), testRedirectURI); err != nil {
		t.Fatal(err)
	}

	redirect, err := m.Logout(false)
	if err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if redirect != "" {
		t.Errorf("local logout returned a redirect URL: %q", redirect)
	}
	if m.Status() != StatusUnauthenticated {
		t.Errorf("Status = %v", m.Status())
	}
}

func TestDuplicateCallbackSuppression(t *testing.T) {
	env := newTestEnv(t)
	env.transport.exchangeDelay = 30 * time.Millisecond
	env.transport.exchangeTS = &keycloak.TokenSet{
		AccessToken: "access-1",
		IDToken:     makeIDToken(t, map[string]interface{}{"sub": "user-1"}),
		ExpiresIn:   300,
	}

	if err := env.store.SavePending(&session.PendingAuthorization{
		State:        "state-1",
		CodeVerifier: "verifier-1",
		RedirectURI:  testRedirectURI,
	}); err != nil {
		t.Fatal(err)
	}

	// Two managers observing the same callback share one coordinator, the
	// way two mounts of the same page would.
	m1 := env.manager(t)
	m2 := env.manager(t)

	callbackURL := testRedirectURI + "?code=c&state=state-1"

	var wg sync.WaitGroup
	for _, m := range []*Manager{m1, m2} {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			_, _ = m.Initialize(context.Background(), callbackURL)
		}(m)
	}
	wg.Wait()

	if exchanges, _, _ := env.transport.counts(); exchanges != 1 {
		t.Errorf("exchange calls = %d, want exactly 1 across both managers", exchanges)
	}
}

func TestLoginBeforeInitialize(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)

	if _, err := m.Login(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestClosedManager(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)
	if _, err := m.Initialize(context.Background(), testRedirectURI); err != nil {
		t.Fatal(err)
	}
	m.Close()

	if _, err := m.Login(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Login err = %v, want ErrClosed", err)
	}
	if _, err := m.Logout(false); !errors.Is(err, ErrClosed) {
		t.Errorf("Logout err = %v, want ErrClosed", err)
	}
	if _, err := m.Initialize(context.Background(), testRedirectURI); !errors.Is(err, ErrClosed) {
		t.Errorf("Initialize err = %v, want ErrClosed", err)
	}
}

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t)

	events, cancel := m.Subscribe()

	if _, err := m.Initialize(context.Background(), testRedirectURI); err != nil {
		t.Fatal(err)
	}

	want := []Status{StatusInitializing, StatusUnauthenticated}
	for _, status := range want {
		select {
		case ev := <-events:
			if ev.Status != status {
				t.Errorf("event status = %v, want %v", ev.Status, status)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %v event", status)
		}
	}

	cancel()
	if _, ok := <-events; ok {
		t.Error("expected the channel to be closed after cancel")
	}
}

func TestStripCallbackParams(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "all callback params",
			in:   "http://localhost:3000/?code=c&state=s&session_state=ss&iss=x",
			want: "http://localhost:3000/",
		},
		{
			name: "other params survive",
			in:   "http://localhost:3000/wishlist?code=c&state=s&tab=shared",
			want: "http://localhost:3000/wishlist?tab=shared",
		},
		{
			name: "no callback params",
			in:   "http://localhost:3000/wishlist",
			want: "http://localhost:3000/wishlist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCallbackParams(tt.in); got != tt.want {
				t.Errorf("stripCallbackParams(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCoordinator(t *testing.T) {
	c := NewCoordinator()

	if !c.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if c.TryAcquire() {
		t.Error("second acquire should fail while held")
	}
	c.Release()
	if !c.TryAcquire() {
		t.Error("acquire after release should succeed")
	}
	c.Reset()
	if !c.TryAcquire() {
		t.Error("acquire after reset should succeed")
	}
}
