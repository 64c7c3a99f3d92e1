// Package auth handles OAuth2 token management and persistence.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hal9000y/gmail-notifier/internal/model"
)

// ErrTokenNotSet indicates no OAuth token is available.
var ErrTokenNotSet = errors.New("no token defined")

// TokenStore persists a single OAuth2 token.
type TokenStore interface {
	// Load returns ErrTokenNotSet when nothing is stored.
	Load() (*oauth2.Token, error)
	Save(*oauth2.Token) error
	Remove() error
}

// Token manages OAuth2 tokens with thread-safe operations.
type Token struct {
	mu         sync.RWMutex
	cfg        *oauth2.Config
	token      *oauth2.Token
	store      TokenStore
	stateStore map[string]time.Time
	authorized chan struct{}
	once       sync.Once
}

// NewToken creates a Token manager, loading a stored token if there is one.
func NewToken(cfg *oauth2.Config, store TokenStore) (*Token, error) {
	t := &Token{
		cfg:        cfg,
		store:      store,
		stateStore: make(map[string]time.Time),
		authorized: make(chan struct{}),
	}

	tok, err := store.Load()
	if err != nil {
		if errors.Is(err, ErrTokenNotSet) {
			return t, nil
		}
		return nil, fmt.Errorf("store.Load failed: %w", err)
	}
	t.token = tok

	return t, nil
}

// RedirectURL generates the OAuth2 authorization URL with a secure random state.
func (t *Token) RedirectURL() (string, error) {
	state, err := t.generateState()
	if err != nil {
		return "", fmt.Errorf("generateState failed: %w", err)
	}

	return t.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

func (t *Token) generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read failed: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(b)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.stateStore[state] = now.Add(5 * time.Minute)

	for s, exp := range t.stateStore {
		if exp.Before(now) {
			delete(t.stateStore, s)
		}
	}

	return state, nil
}

func (t *Token) validateState(state string) bool {
	if state == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, exists := t.stateStore[state]
	if !exists {
		return false
	}

	delete(t.stateStore, state)

	return !time.Now().After(expiry)
}

// AuthorizeCode exchanges an authorization code for an access token after validating state.
func (t *Token) AuthorizeCode(ctx context.Context, code string, state string) error {
	if !t.validateState(state) {
		return errors.New("invalid or expired state parameter")
	}

	tok, err := t.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("cfg.Exchange failed: %w", err)
	}

	t.mu.Lock()
	t.token = tok
	t.mu.Unlock()

	t.once.Do(func() { close(t.authorized) })

	return nil
}

// Authorized is closed after the first successful AuthorizeCode.
func (t *Token) Authorized() <-chan struct{} {
	return t.authorized
}

// OAuthToken returns the current OAuth2 token.
func (t *Token) OAuthToken() (*oauth2.Token, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.token == nil {
		return nil, ErrTokenNotSet
	}

	return t.token, nil
}

// Refresh renews the access token when it has expired and persists the
// result. Failures that need a new interactive login wrap model.ErrFatalAuth;
// other failures wrap model.ErrFetch.
func (t *Token) Refresh(ctx context.Context) error {
	current, err := t.OAuthToken()
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrFatalAuth, err)
	}

	if current.Valid() {
		return nil
	}
	if current.RefreshToken == "" {
		return fmt.Errorf("%w: token expired and has no refresh token", model.ErrFatalAuth)
	}

	fresh, err := t.cfg.TokenSource(ctx, current).Token()
	if err != nil {
		if isRevoked(err) {
			return fmt.Errorf("%w: refresh rejected: %w", model.ErrFatalAuth, err)
		}
		return fmt.Errorf("%w: token refresh failed: %w", model.ErrFetch, err)
	}

	t.mu.Lock()
	t.token = fresh
	t.mu.Unlock()

	if err := t.Persist(); err != nil {
		return fmt.Errorf("persist refreshed token failed: %w", err)
	}

	return nil
}

func isRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}

	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}

	return false
}

// Invalidate drops the in-memory token and removes the stored one.
func (t *Token) Invalidate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.token = nil
	if err := t.store.Remove(); err != nil {
		return fmt.Errorf("store.Remove failed: %w", err)
	}

	return nil
}

// Persist saves the token to the store.
func (t *Token) Persist() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.token == nil {
		return nil
	}

	if err := t.store.Save(t.token); err != nil {
		return fmt.Errorf("store.Save failed: %w", err)
	}

	return nil
}
