package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// Refresher forces a credential refresh. Sync and dispatch call this once
// after an Unauthorized error before retrying the failed call.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Session holds the current provider token for one account and re-fetches it
// on demand. It implements oauth2.TokenSource, so provider adapters consume
// it directly.
type Session struct {
	mu    sync.RWMutex
	token *Token
	fetch func(ctx context.Context) (*Token, error)
}

// NewSession creates a session backed by the given token fetcher.
func NewSession(fetch func(ctx context.Context) (*Token, error)) *Session {
	return &Session{fetch: fetch}
}

// Refresh discards the cached token and fetches a new one.
func (s *Session) Refresh(ctx context.Context) error {
	tok, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("refresh credentials: %w", err)
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return nil
}

// Token returns the current token, fetching one if none is cached yet.
// Satisfies oauth2.TokenSource.
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()

	if tok == nil {
		if err := s.Refresh(context.Background()); err != nil {
			return nil, err
		}
		s.mu.RLock()
		tok = s.token
		s.mu.RUnlock()
	}

	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

var (
	_ Refresher          = (*Session)(nil)
	_ oauth2.TokenSource = (*Session)(nil)
)
