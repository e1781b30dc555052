package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Caller is the authenticated principal extracted from a control-surface JWT.
type Caller struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// JWTVerifier validates control-surface JWTs against a cached JWKS.
type JWTVerifier struct {
	jwksURL string
	cache   *jwk.Cache
}

// NewJWTVerifier registers the JWKS URL with a refreshing cache and does one
// warm-up fetch so the first request never pays the network cost.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{jwksURL: jwksURL, cache: cache}, nil
}

// CallerFromRequest parses and validates the Authorization header token.
func (v *JWTVerifier) CallerFromRequest(r *http.Request) (*Caller, error) {
	keySet, err := v.cache.Get(r.Context(), v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS: %w", err)
	}

	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	sub := token.Subject()
	if sub == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}

	return &Caller{ID: sub, Email: email}, nil
}
