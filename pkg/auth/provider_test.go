package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeSource hands out sequential tokens.
type fakeSource struct {
	fetches int
	err     error
	expires time.Time
}

func (s *fakeSource) Fetch(ctx context.Context) (Token, error) {
	if s.err != nil {
		return Token{}, s.err
	}
	s.fetches++
	return Token{
		AccessToken: fmt.Sprintf("tok-%d", s.fetches),
		ExpiresAt:   s.expires,
	}, nil
}

func TestCachedProvider_CachesToken(t *testing.T) {
	source := &fakeSource{}
	provider := NewCachedProvider(source)
	ctx := context.Background()

	first, err := provider.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	second, err := provider.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	if first != second {
		t.Errorf("Expected cached token, got %q then %q", first, second)
	}
	if source.fetches != 1 {
		t.Errorf("Fetches = %d, want 1", source.fetches)
	}
}

func TestCachedProvider_InvalidateForcesRefetch(t *testing.T) {
	source := &fakeSource{}
	provider := NewCachedProvider(source)
	ctx := context.Background()

	first, _ := provider.Token(ctx)
	provider.Invalidate()
	second, err := provider.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	if first == second {
		t.Errorf("Expected a fresh token after invalidation, got %q twice", first)
	}
	if source.fetches != 2 {
		t.Errorf("Fetches = %d, want 2", source.fetches)
	}
}

func TestCachedProvider_ExpiredTokenRefetched(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{expires: now.Add(10 * time.Minute)}
	provider := NewCachedProvider(source)
	provider.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := provider.Token(ctx); err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	// Move past the expiry; the cache must not serve the stale token.
	now = now.Add(11 * time.Minute)
	if _, err := provider.Token(ctx); err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	if source.fetches != 2 {
		t.Errorf("Fetches = %d, want 2", source.fetches)
	}
}

func TestCachedProvider_NearExpiryRefetched(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{expires: now.Add(10 * time.Minute)}
	provider := NewCachedProvider(source)
	provider.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := provider.Token(ctx); err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	// Inside the expiry skew window the token counts as expired.
	now = now.Add(10*time.Minute - 10*time.Second)
	if _, err := provider.Token(ctx); err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	if source.fetches != 2 {
		t.Errorf("Fetches = %d, want 2", source.fetches)
	}
}

func TestCachedProvider_FetchError(t *testing.T) {
	fetchErr := errors.New("auth server unreachable")
	provider := NewCachedProvider(&fakeSource{err: fetchErr})

	_, err := provider.Token(context.Background())
	if !errors.Is(err, fetchErr) {
		t.Errorf("Expected wrapped fetch error, got %v", err)
	}
}

func TestStaticProvider(t *testing.T) {
	provider := StaticProvider("fixed-token")

	token, err := provider.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if token != "fixed-token" {
		t.Errorf("Token = %q, want %q", token, "fixed-token")
	}

	provider.Invalidate()
	token, _ = provider.Token(context.Background())
	if token != "fixed-token" {
		t.Errorf("Token after Invalidate = %q, want %q", token, "fixed-token")
	}
}
