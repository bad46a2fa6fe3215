package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evetrade/ledger-engine/internal/metrics"
	"github.com/evetrade/ledger-engine/internal/model"
)

const (
	// DefaultTokenURL is the EVE SSO token endpoint.
	DefaultTokenURL = "https://login.eveonline.com/v2/oauth/token"

	tokenSafetyMargin = 60 * time.Second
	defaultExpiresIn  = 1200
)

// TokenSource hands out bearer tokens for stored principals.
type TokenSource interface {
	AccessToken(ctx context.Context, p *model.Principal) (string, error)
}

// RefreshTokenStore persists a rotated refresh token.
type RefreshTokenStore interface {
	UpdateRefreshToken(ctx context.Context, principalID int64, token string) error
}

// Sealer protects refresh tokens at rest. *secret.Box satisfies it.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(value string) (string, error)
}

// CredentialsConfig is the shared SSO client identity.
type CredentialsConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

type cachedToken struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Credentials exchanges stored refresh tokens for short-lived access
// tokens and caches them per principal. Refreshes for one principal are
// serialised; different principals refresh independently.
type Credentials struct {
	cfg    CredentialsConfig
	http   *http.Client
	store  RefreshTokenStore
	sealer Sealer
	clock  Clock
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[int64]*cachedToken
}

var _ TokenSource = (*Credentials)(nil)

// NewCredentials creates a token cache. sealer may be nil, in which case
// refresh tokens are stored as given.
func NewCredentials(cfg CredentialsConfig, store RefreshTokenStore, sealer Sealer, clock Clock, logger *slog.Logger) *Credentials {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Credentials{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		store:  store,
		sealer: sealer,
		clock:  clock,
		logger: logger,
		tokens: make(map[int64]*cachedToken),
	}
}

// WithHTTPClient replaces the client used for the token endpoint.
func (c *Credentials) WithHTTPClient(hc *http.Client) *Credentials {
	c.http = hc
	return c
}

func (c *Credentials) slot(principalID int64) *cachedToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.tokens[principalID]
	if !ok {
		s = &cachedToken{}
		c.tokens[principalID] = s
	}
	return s
}

// AccessToken returns a token valid for at least another minute. On a
// rotation the new refresh token is persisted before the access token is
// cached, and p.RefreshToken is updated in place.
func (c *Credentials) AccessToken(ctx context.Context, p *model.Principal) (string, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return "", configError("EVE_CLIENT_ID and EVE_CLIENT_SECRET must be set for ESI calls")
	}

	s := c.slot(p.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.expiresAt.Add(-tokenSafetyMargin).After(c.clock.Now()) {
		return s.token, nil
	}

	if p.RefreshToken == "" {
		return "", configError(fmt.Sprintf("principal %s has no refresh token stored", p.Name))
	}
	stored := p.RefreshToken
	refresh, err := c.open(stored)
	if err != nil {
		return "", &Error{Kind: KindConfig, Status: -1, Message: "refresh token cannot be opened", Err: err}
	}

	tr, err := c.exchange(ctx, refresh)
	if err != nil {
		metrics.ESITokenRefreshTotal.WithLabelValues("error").Inc()
		return "", err
	}

	if tr.RefreshToken != "" && tr.RefreshToken != refresh {
		sealed, err := c.seal(tr.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("sealing rotated refresh token: %w", err)
		}
		if err := c.store.UpdateRefreshToken(ctx, p.ID, sealed); err != nil {
			return "", fmt.Errorf("persisting rotated refresh token for principal %d: %w", p.ID, err)
		}
		p.RefreshToken = sealed
		metrics.ESITokenRefreshTotal.WithLabelValues("rotated").Inc()
	} else {
		metrics.ESITokenRefreshTotal.WithLabelValues("ok").Inc()
	}

	s.token = tr.AccessToken
	s.expiresAt = c.clock.Now().Add(time.Duration(tr.expiresIn()) * time.Second)
	c.logger.Debug("access token refreshed", "principal", p.ID, "expires_at", s.expiresAt.UTC().Format(time.RFC3339))
	return s.token, nil
}

// Forget drops a cached access token, e.g. after the principal relinks.
func (c *Credentials) Forget(principalID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, principalID)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    *int   `json:"expires_in"`

	now time.Time
}

// expiresIn falls back to the JWT exp claim, then to 20 minutes.
func (t *tokenResponse) expiresIn() int {
	if t.ExpiresIn != nil && *t.ExpiresIn > 0 {
		return *t.ExpiresIn
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		if secs := int(claims.ExpiresAt.Sub(t.now).Seconds()); secs > 0 {
			return secs
		}
	}
	return defaultExpiresIn
}

func (c *Credentials) exchange(ctx context.Context, refresh string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Path: c.cfg.TokenURL, Status: -1, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Path: c.cfg.TokenURL, Status: resp.StatusCode, Message: err.Error(), Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindServer, Path: c.cfg.TokenURL, Status: resp.StatusCode, Message: "token endpoint error"}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: KindClient, Path: c.cfg.TokenURL, Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	tr := &tokenResponse{now: c.clock.Now()}
	if err := json.Unmarshal(body, tr); err != nil || tr.AccessToken == "" {
		return nil, &Error{Kind: KindServer, Path: c.cfg.TokenURL, Status: resp.StatusCode, Message: "token response has no access_token"}
	}
	return tr, nil
}

func (c *Credentials) open(v string) (string, error) {
	if c.sealer == nil {
		return v, nil
	}
	return c.sealer.Open(v)
}

func (c *Credentials) seal(v string) (string, error) {
	if c.sealer == nil {
		return v, nil
	}
	return c.sealer.Seal(v)
}
