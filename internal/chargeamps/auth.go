package chargeamps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Cloud tokens expire after roughly an hour. The first renewal runs early
// so a clock hiccup at startup cannot push the first refresh past expiry;
// after that renewals repeat just under the hour.
const (
	FirstRenewalAfter = 30 * time.Minute
	RenewalInterval   = 59 * time.Minute
)

var (
	// ErrCredentialsMissing is returned by Login before any network call
	// when the account is not fully configured.
	ErrCredentialsMissing = errors.New("chargeamps: email, password and api key are required")

	// ErrNotAuthenticated is returned when an operation needs a token but
	// no login has succeeded yet.
	ErrNotAuthenticated = errors.New("chargeamps: not authenticated")
)

// Session holds the bearer token for one cloud account and knows how to
// obtain and renew it. It is safe for concurrent use; the token is read on
// every poll while renewals swap it in the background.
type Session struct {
	client   *Client
	email    string
	password string
	apiKey   string

	mu           sync.RWMutex
	token        string
	refreshToken string
}

// NewSession creates a session for one account. No network traffic happens
// until Login is called.
func NewSession(client *Client, email, password, apiKey string) *Session {
	return &Session{
		client:   client,
		email:    email,
		password: password,
		apiKey:   apiKey,
	}
}

// Login authenticates against the cloud and stores the resulting tokens.
// Incomplete credentials fail before any request is sent.
func (s *Session) Login(ctx context.Context) error {
	if s.email == "" || s.password == "" || s.apiKey == "" {
		return ErrCredentialsMissing
	}

	res, err := s.client.Login(ctx, s.email, s.password, s.apiKey)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	s.mu.Lock()
	s.token = res.Token
	s.refreshToken = res.RefreshToken
	s.mu.Unlock()

	return nil
}

// Renew exchanges the current token pair for a fresh one. On failure the
// previous tokens stay in place, so the caller can keep using them until
// the next renewal tick or until the cloud starts rejecting them.
func (s *Session) Renew(ctx context.Context) error {
	s.mu.RLock()
	token, refresh := s.token, s.refreshToken
	s.mu.RUnlock()

	if token == "" {
		return ErrNotAuthenticated
	}

	res, err := s.client.RenewToken(ctx, token, refresh)
	if err != nil {
		return fmt.Errorf("renew token: %w", err)
	}

	s.mu.Lock()
	s.token = res.Token
	s.refreshToken = res.RefreshToken
	s.mu.Unlock()

	return nil
}

// Token returns the current bearer token, or the empty string before the
// first successful login.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authenticated reports whether a login has succeeded.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}
