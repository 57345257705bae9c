// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rightfit/fieldsync/fieldapi"
)

// TokenSource supplies the bearer token for gateway requests. Refresh is
// invoked once after a 401; a refresh failure is a permanent auth error
// that surfaces to the caller rather than being queued.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a fixed token with no refresh capability, mostly useful
// in tests and development setups.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }

func (t StaticToken) Refresh(ctx context.Context) (string, error) {
	return "", fmt.Errorf("static token cannot be refreshed: %w", fieldapi.ErrAuth)
}

// RefreshingToken caches the current bearer token and exchanges it through
// a refresh callback. Expiry is checked locally from the JWT exp claim
// (parsed without signature verification; the server remains the
// authority), so a token known to be dead is refreshed proactively instead
// of burning a round trip on a guaranteed 401.
type RefreshingToken struct {
	mu      sync.Mutex
	current string
	refresh func(ctx context.Context) (string, error)
	leeway  time.Duration
}

// NewRefreshingToken wraps an initial token and a refresh callback.
func NewRefreshingToken(initial string, refresh func(ctx context.Context) (string, error)) *RefreshingToken {
	return &RefreshingToken{current: initial, refresh: refresh, leeway: 30 * time.Second}
}

func (t *RefreshingToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	current := t.current
	t.mu.Unlock()

	if current != "" && !tokenExpired(current, t.leeway) {
		return current, nil
	}
	return t.Refresh(ctx)
}

func (t *RefreshingToken) Refresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refresh == nil {
		return "", fmt.Errorf("no refresh callback configured: %w", fieldapi.ErrAuth)
	}
	token, err := t.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", fieldapi.ErrAuth)
	}
	t.current = token
	return token, nil
}

// tokenExpired reports whether the JWT's exp claim is within leeway of
// expiry. Opaque (non-JWT) tokens are assumed valid until the server says
// otherwise.
func tokenExpired(token string, leeway time.Duration) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Add(leeway).After(exp.Time)
}
