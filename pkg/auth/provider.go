// Package auth provides the shared bearer-credential lifecycle: fetch, cache,
// and invalidate. The executor reads the credential before each call and
// invalidates it on a 401; the next caller triggers a re-fetch.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/clientcredentials"
)

// expirySkew is subtracted from the token expiry so a token is refreshed
// slightly before the upstream rejects it.
const expirySkew = 30 * time.Second

// Provider resolves and invalidates the shared bearer credential.
type Provider interface {
	// Token returns a valid bearer token, fetching one if needed.
	Token(ctx context.Context) (string, error)

	// Invalidate discards the cached token so the next Token call re-fetches.
	Invalidate()
}

// Token is a bearer credential with its expiry.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Source fetches a fresh credential from the authorization server.
type Source interface {
	Fetch(ctx context.Context) (Token, error)
}

// CachedProvider caches a token from a Source until it expires or is
// explicitly invalidated.
type CachedProvider struct {
	source Source
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	token Token
	valid bool
}

// NewCachedProvider creates a caching provider around a token source.
func NewCachedProvider(source Source) *CachedProvider {
	return &CachedProvider{
		source: source,
		now:    time.Now,
		logger: log.With().Str("component", "auth").Logger(),
	}
}

// Token returns the cached token, fetching a fresh one when the cache is
// empty, invalidated, or expired. Two callers racing through an invalidation
// window may both fetch; both tokens are valid, so the extra fetch is only
// wasteful, not wrong.
func (p *CachedProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.valid && (p.token.ExpiresAt.IsZero() || p.now().Before(p.token.ExpiresAt.Add(-expirySkew))) {
		token := p.token.AccessToken
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	token, err := p.source.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}

	p.logger.Debug().Time("expires_at", token.ExpiresAt).Msg("Fetched fresh token")

	p.mu.Lock()
	p.token = token
	p.valid = true
	p.mu.Unlock()

	return token.AccessToken, nil
}

// Invalidate discards the cached token.
func (p *CachedProvider) Invalidate() {
	p.mu.Lock()
	p.valid = false
	p.mu.Unlock()

	p.logger.Debug().Msg("Credential invalidated")
}

// SetClock sets a custom time source (for testing).
func (p *CachedProvider) SetClock(now func() time.Time) {
	p.now = now
}

// ClientCredentialsSource fetches tokens via the OAuth2 client-credentials grant.
type ClientCredentialsSource struct {
	config clientcredentials.Config
}

// NewClientCredentialsSource creates an OAuth2 client-credentials token source.
func NewClientCredentialsSource(clientID, clientSecret, tokenURL string) *ClientCredentialsSource {
	return &ClientCredentialsSource{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		},
	}
}

// Fetch requests a fresh token from the authorization server.
func (s *ClientCredentialsSource) Fetch(ctx context.Context) (Token, error) {
	tok, err := s.config.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// StaticProvider is a fixed-token Provider for tests and local development.
type StaticProvider string

// Token returns the fixed token.
func (p StaticProvider) Token(context.Context) (string, error) {
	return string(p), nil
}

// Invalidate is a no-op; the token never changes.
func (p StaticProvider) Invalidate() {}
