package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giftportal/keycloak-auth/internal/keycloak"
)

// Storage key layout. Durable keys survive a restart; transient keys only
// exist between starting a login and processing its callback.
const (
	keyTokens    = "auth_tokens"
	keyExpiresAt = "auth_expires_at"
	keyUser      = "auth_user"

	keyOAuthState   = "oauth_state"
	keyCodeVerifier = "code_verifier"
	keyRedirectURI  = "redirect_uri"
)

// tokenRecord is the JSON shape stored under auth_tokens.
type tokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Store persists session state over two backends: a durable one for the
// token set and claims, and a transient one for the in-flight
// authorization. It is a passive persistence layer; the lifecycle manager
// owns all mutation decisions.
type Store struct {
	durable   Backend
	transient Backend
}

// NewStore creates a store over the given backends. Passing the same
// backend for both is fine for tests.
func NewStore(durable, transient Backend) (*Store, error) {
	if durable == nil || transient == nil {
		return nil, fmt.Errorf("both backends are required")
	}
	return &Store{durable: durable, transient: transient}, nil
}

// SaveSession writes the complete session record. All derived fields are
// computed by the caller before this single call, so a reader never
// observes tokens without claims or vice versa within one process.
func (s *Store) SaveSession(state *State) error {
	if state == nil {
		return fmt.Errorf("session state is required")
	}

	tokens, err := json.Marshal(tokenRecord{
		AccessToken:  state.AccessToken,
		RefreshToken: state.RefreshToken,
		IDToken:      state.IDToken,
	})
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}

	user := []byte("null")
	if state.User != nil {
		if user, err = json.Marshal(state.User); err != nil {
			return fmt.Errorf("failed to encode user claims: %w", err)
		}
	}

	if err := s.durable.Set(keyTokens, string(tokens)); err != nil {
		return err
	}
	if err := s.durable.Set(keyExpiresAt, strconv.FormatInt(state.ExpiresAt.UnixMilli(), 10)); err != nil {
		return err
	}
	return s.durable.Set(keyUser, string(user))
}

// LoadSession reads the stored session. It returns (nil, nil) when no
// usable session exists; a partially-present or corrupt record is treated
// as absent rather than surfaced as a half-authenticated state.
func (s *Store) LoadSession() (*State, error) {
	rawTokens, ok, err := s.durable.Get(keyTokens)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var tokens tokenRecord
	if err := json.Unmarshal([]byte(rawTokens), &tokens); err != nil || tokens.AccessToken == "" {
		return nil, nil
	}

	state := &State{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
	}

	if rawExpiry, ok, err := s.durable.Get(keyExpiresAt); err != nil {
		return nil, err
	} else if ok {
		ms, err := strconv.ParseInt(rawExpiry, 10, 64)
		if err != nil {
			return nil, nil
		}
		state.ExpiresAt = time.UnixMilli(ms)
	}

	if rawUser, ok, err := s.durable.Get(keyUser); err != nil {
		return nil, err
	} else if ok && rawUser != "null" {
		var user keycloak.UserClaims
		if err := json.Unmarshal([]byte(rawUser), &user); err == nil {
			state.User = &user
		}
	}

	return state, nil
}

// ClearSession removes the durable session record.
func (s *Store) ClearSession() error {
	for _, key := range []string{keyTokens, keyExpiresAt, keyUser} {
		if err := s.durable.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// SavePending records the in-flight authorization, overwriting any
// previous one: only the most recent redirect can be completed.
func (s *Store) SavePending(p *PendingAuthorization) error {
	if p == nil || p.State == "" || p.CodeVerifier == "" {
		return fmt.Errorf("pending authorization requires state and code verifier")
	}
	if err := s.transient.Set(keyOAuthState, p.State); err != nil {
		return err
	}
	if err := s.transient.Set(keyCodeVerifier, p.CodeVerifier); err != nil {
		return err
	}
	return s.transient.Set(keyRedirectURI, p.RedirectURI)
}

// LoadPending reads the in-flight authorization, or (nil, nil) when none
// is recorded or the record is incomplete.
func (s *Store) LoadPending() (*PendingAuthorization, error) {
	state, ok, err := s.transient.Get(keyOAuthState)
	if err != nil || !ok {
		return nil, err
	}
	verifier, ok, err := s.transient.Get(keyCodeVerifier)
	if err != nil || !ok {
		return nil, err
	}
	redirectURI, _, err := s.transient.Get(keyRedirectURI)
	if err != nil {
		return nil, err
	}

	return &PendingAuthorization{
		State:        state,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
	}, nil
}

// ClearPending deletes the in-flight authorization. Called exactly once
// per callback, on success or failure.
func (s *Store) ClearPending() error {
	for _, key := range []string{keyOAuthState, keyCodeVerifier, keyRedirectURI} {
		if err := s.transient.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
