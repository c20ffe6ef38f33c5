package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/italolelis/gamecloud_sync/internal/logctx"
	"golang.org/x/oauth2"
)

var (
	// ErrNoToken is returned when the session has no bearer token to hand out.
	ErrNoToken = errors.New("no authentication token available")
	// ErrUnauthenticated is returned when the token endpoint rejects the session.
	ErrUnauthenticated = errors.New("session is not authenticated")
)

// expiryDelta is how long before the JWT exp claim a cached token is
// considered stale.
const expiryDelta = 30 * time.Second

// defaultLifetime bounds how long a token without an exp claim is reused.
const defaultLifetime = time.Minute

// TokenProvider yields the bearer token for the current session.
// A nil error always comes with a non-empty token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenResponse is the body of the session token endpoint.
type TokenResponse struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user,omitempty"`
}

// EndpointSource fetches tokens from the session's token endpoint
// (GET /api/token). It implements oauth2.TokenSource so it can be wrapped
// by oauth2.ReuseTokenSource.
type EndpointSource struct {
	ctx        context.Context
	url        string
	cookie     *http.Cookie
	httpClient *http.Client
}

// NewEndpointSource creates a source for tokenURL. When cookieValue is
// non-empty it is sent as the session cookie named cookieName.
func NewEndpointSource(ctx context.Context, tokenURL, cookieName, cookieValue string, httpClient *http.Client) *EndpointSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	s := &EndpointSource{
		ctx:        ctx,
		url:        tokenURL,
		httpClient: httpClient,
	}

	if cookieValue != "" {
		s.cookie = &http.Cookie{Name: cookieName, Value: cookieValue}
	}

	return s
}

// Token implements oauth2.TokenSource.
func (s *EndpointSource) Token() (*oauth2.Token, error) {
	logger := logctx.LoggerFromContext(s.ctx)

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	if s.cookie != nil {
		req.AddCookie(s.cookie)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.ErrorContext(s.ctx, "failed to get auth token", "err", err)

		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return nil, fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, string(b))
	}

	var body TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	if body.Token == "" {
		return nil, ErrNoToken
	}

	return &oauth2.Token{
		AccessToken: body.Token,
		TokenType:   "Bearer",
		Expiry:      tokenExpiry(body.Token, time.Now()),
	}, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend verifies it. Tokens without a readable exp live for
// defaultLifetime from now.
func tokenExpiry(token string, now time.Time) time.Time {
	parsed, _, err := gojwt.NewParser().ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return now.Add(defaultLifetime)
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(defaultLifetime)
	}

	return exp.Add(-expiryDelta)
}

// Resetter is implemented by providers that cache tokens.
type Resetter interface {
	Reset()
}

// Reset drops the cached token of p, if it keeps one.
func Reset(p TokenProvider) {
	if r, ok := p.(Resetter); ok {
		r.Reset()
	}
}

// Provider adapts an oauth2.TokenSource to TokenProvider, reusing the
// current token until it expires or Reset is called.
type Provider struct {
	src oauth2.TokenSource

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewProvider wraps src in oauth2.ReuseTokenSource.
func NewProvider(src oauth2.TokenSource) *Provider {
	return &Provider{
		src:    src,
		source: oauth2.ReuseTokenSource(nil, src),
	}
}

// Reset forgets the cached token so the next call fetches a new one.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.source = oauth2.ReuseTokenSource(nil, p.src)
}

// Token implements TokenProvider.
func (p *Provider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	source := p.source
	p.mu.Unlock()

	tok, err := source.Token()
	if err != nil {
		return "", err
	}

	if tok == nil || tok.AccessToken == "" {
		return "", ErrNoToken
	}

	return tok.AccessToken, nil
}

// Static is a TokenProvider that always returns the same token.
type Static string

// Token implements TokenProvider.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}

	return string(s), nil
}

// Func adapts a function to TokenProvider.
type Func func(ctx context.Context) (string, error)

// Token implements TokenProvider.
func (f Func) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
