package gcp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ymatsuda/drive-triage/internal/models"
)

const (
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"
	jwtBearerGrantType  = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// assertionLifetime is the exp claim window of the signed assertion.
	assertionLifetime = time.Hour
	// cacheMargin is shaved off the real token lifetime so a cached token is
	// never handed out moments before it expires (55 of 60 minutes).
	cacheMargin = 5 * time.Minute
)

// Identity names a service account and the scope a token is requested for.
// Tokens are cached per identity.
type Identity struct {
	ClientEmail string
	Scope       string
}

func (id Identity) key() string {
	return id.ClientEmail + "|" + id.Scope
}

type cachedToken struct {
	bearer  string
	expires time.Time
}

// TokenBroker builds signed service-account assertions, exchanges them for
// bearer tokens and caches the result per identity. The cache is owned by
// the broker instance, not by the package, so tests and callers control its
// scope explicitly.
type TokenBroker struct {
	signingKey *rsa.PrivateKey
	tokenURL   string
	httpClient *http.Client
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
	group singleflight.Group
}

// NewTokenBroker parses the PEM-encoded service-account private key and
// returns a broker exchanging assertions at the given endpoint (the Google
// OAuth endpoint when tokenURL is empty).
func NewTokenBroker(privateKeyPEM []byte, tokenURL string) (*TokenBroker, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account private key: %w", err)
	}
	if tokenURL == "" {
		tokenURL = googleTokenEndpoint
	}
	return &TokenBroker{
		signingKey: key,
		tokenURL:   tokenURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		cache:      make(map[string]cachedToken),
	}, nil
}

// GetToken returns a bearer token for the identity, reusing a cached one
// while it is still comfortably within its lifetime. Concurrent callers for
// the same identity share a single exchange.
func (b *TokenBroker) GetToken(ctx context.Context, id Identity) (string, error) {
	tok, err := b.getToken(ctx, id)
	if err != nil {
		return "", err
	}
	return tok.bearer, nil
}

func (b *TokenBroker) getToken(ctx context.Context, id Identity) (cachedToken, error) {
	b.mu.Lock()
	tok, ok := b.cache[id.key()]
	b.mu.Unlock()
	if ok && b.now().Before(tok.expires) {
		return tok, nil
	}

	v, err, _ := b.group.Do(id.key(), func() (interface{}, error) {
		fresh, err := b.exchange(ctx, id)
		if err != nil {
			return cachedToken{}, err
		}
		b.mu.Lock()
		b.cache[id.key()] = fresh
		b.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return cachedToken{}, err
	}
	return v.(cachedToken), nil
}

// Invalidate drops the cached token for an identity. Callers use this after
// observing a 401 so the next call performs a fresh exchange.
func (b *TokenBroker) Invalidate(id Identity) {
	b.mu.Lock()
	delete(b.cache, id.key())
	b.mu.Unlock()
}

// exchange signs the assertion and trades it for a bearer token.
func (b *TokenBroker) exchange(ctx context.Context, id Identity) (cachedToken, error) {
	if id.ClientEmail == "" || id.Scope == "" {
		return cachedToken{}, &models.CredentialError{
			Identity: id.ClientEmail,
			Cause:    fmt.Errorf("identity is missing client email or scope"),
		}
	}

	issuedAt := b.now()
	claims := jwt.MapClaims{
		"iss":   id.ClientEmail,
		"scope": id.Scope,
		"aud":   b.tokenURL,
		"iat":   issuedAt.Unix(),
		"exp":   issuedAt.Add(assertionLifetime).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(b.signingKey)
	if err != nil {
		return cachedToken{}, &models.CredentialError{Identity: id.ClientEmail, Cause: fmt.Errorf("failed to sign assertion: %w", err)}
	}

	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, &models.CredentialError{Identity: id.ClientEmail, Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return cachedToken{}, &models.CredentialError{Identity: id.ClientEmail, Cause: fmt.Errorf("token exchange request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cachedToken{}, &models.CredentialError{
			Identity: id.ClientEmail,
			Cause:    fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body)),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return cachedToken{}, &models.CredentialError{Identity: id.ClientEmail, Cause: fmt.Errorf("failed to decode token response: %w", err)}
	}
	if payload.AccessToken == "" {
		return cachedToken{}, &models.CredentialError{Identity: id.ClientEmail, Cause: fmt.Errorf("token response contained no access_token")}
	}

	lifetime := time.Duration(payload.ExpiresIn) * time.Second
	if lifetime > cacheMargin {
		lifetime -= cacheMargin
	}
	log.Printf("[Identity: %s] Obtained bearer token, caching for %s.", id.ClientEmail, lifetime)
	return cachedToken{
		bearer:  payload.AccessToken,
		expires: issuedAt.Add(lifetime),
	}, nil
}

// TokenSource adapts the broker to oauth2.TokenSource so generated Google
// API clients can consume it via option.WithTokenSource.
func (b *TokenBroker) TokenSource(ctx context.Context, id Identity) oauth2.TokenSource {
	return &brokerTokenSource{ctx: ctx, broker: b, id: id}
}

type brokerTokenSource struct {
	ctx    context.Context
	broker *TokenBroker
	id     Identity
}

func (s *brokerTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.broker.getToken(s.ctx, s.id)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok.bearer, Expiry: tok.expires}, nil
}
