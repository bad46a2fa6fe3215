// Package esi is the gateway to the EVE Swagger Interface. It caches GET
// responses, paces and retries requests, honours the error-limit budget,
// and authenticates as the public, a stored principal, or a raw token.
package esi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/evetrade/ledger-engine/internal/metrics"
)

const (
	// DefaultBaseURL is the public ESI host.
	DefaultBaseURL = "https://esi.evetech.net"
	// DefaultUserAgent identifies this client to CCP.
	DefaultUserAgent = "evetrade-ledger/0.1"

	// CompatDateSetting is the stored setting consulted when no
	// compatibility date is configured.
	CompatDateSetting = "esi.compatibility_date"

	headerErrorRemain = "X-ESI-Error-Limit-Remain"
	headerErrorReset  = "X-ESI-Error-Limit-Reset"

	maxBodyBytes = 32 << 20
)

// Config tunes the gateway. Zero values take the defaults below.
type Config struct {
	BaseURL    string
	UserAgent  string
	CompatDate string

	MaxRetries  int           // default 3
	BackoffBase time.Duration // default 500ms, doubled per attempt
	LowWater    int           // default 2; remaining budget that arms a cooldown

	RequestTimeout time.Duration // default 20s
	ConnectTimeout time.Duration // default 10s

	// RatePerSecond paces outbound requests. Zero disables pacing.
	RatePerSecond float64
	RateBurst     int
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.LowWater <= 0 {
		c.LowWater = 2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

// SettingsStore supplies the stored compatibility date.
type SettingsStore interface {
	GetOrCreateSetting(ctx context.Context, key, def string) (string, error)
}

// Gateway performs ESI GET requests. It is safe for concurrent use; the
// cooldown and cache are shared by every caller.
type Gateway struct {
	cfg      Config
	http     *http.Client
	cache    Cache
	gov      *governor
	tokens   TokenSource
	settings SettingsStore
	limiter  *rate.Limiter
	clock    Clock
	logger   *slog.Logger
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithCache sets the response cache. Default is a MemoryCache.
func WithCache(c Cache) Option { return func(g *Gateway) { g.cache = c } }

// WithClock sets the time source for cooldowns, backoff and expiry.
func WithClock(c Clock) Option { return func(g *Gateway) { g.clock = c } }

// WithHTTPClient replaces the transport client.
func WithHTTPClient(hc *http.Client) Option { return func(g *Gateway) { g.http = hc } }

// WithSettings enables the stored compatibility-date fallback.
func WithSettings(s SettingsStore) Option { return func(g *Gateway) { g.settings = s } }

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }

// NewGateway builds a gateway. tokens may be nil if no principal calls
// are made.
func NewGateway(cfg Config, tokens TokenSource, opts ...Option) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{
		cfg:    cfg,
		tokens: tokens,
		clock:  SystemClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.http == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = dialer.DialContext
		transport.TLSHandshakeTimeout = cfg.ConnectTimeout
		g.http = &http.Client{Timeout: cfg.RequestTimeout, Transport: transport}
	}
	if g.cache == nil {
		g.cache = NewMemoryCache(g.clock)
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	g.limiter = rate.NewLimiter(limit, cfg.RateBurst)
	g.gov = newGovernor(g.clock, g.logger)
	return g
}

// PausedUntil reports the active cooldown deadline, zero when clear.
func (g *Gateway) PausedUntil() time.Time { return g.gov.pausedUntil() }

// Fingerprint is the cache key for a request.
func Fingerprint(path string, params url.Values, auth Auth) string {
	return "GET|" + path + "|" + params.Encode() + "|" + auth.Identity()
}

// Fetch GETs path and returns the JSON body. Unless forceRefresh is set a
// live cached response is returned without touching the network.
func (g *Gateway) Fetch(ctx context.Context, path string, params url.Values, auth Auth, forceRefresh bool) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, &Error{Kind: KindClient, Path: path, Status: -1, Message: "path must start with '/'"}
	}

	key := Fingerprint(path, params, auth)
	var cached *CacheEntry
	if !forceRefresh {
		entry, err := g.cache.Get(ctx, key)
		switch {
		case err == nil && entry.Live(g.clock.Now()):
			metrics.ESICacheTotal.WithLabelValues("hit").Inc()
			return entry.Data, nil
		case err == nil && entry.ETag != "":
			cached = entry
		case err != nil && !errors.Is(err, ErrCacheMiss):
			g.logger.Warn("ESI cache read failed", "path", path, "err", err)
		}
		metrics.ESICacheTotal.WithLabelValues("miss").Inc()
	}

	headers, err := g.headers(ctx, auth)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		headers.Set("If-None-Match", cached.ETag)
	}

	resp, err := g.do(ctx, path, params, headers, cached != nil)
	if err != nil {
		return nil, err
	}

	if resp.status == http.StatusNotModified && cached != nil {
		metrics.ESICacheTotal.WithLabelValues("revalidated").Inc()
		expires := cached.ExpiresAt
		if t, ok := parseExpires(resp.header); ok {
			expires = t
		}
		g.store(ctx, key, CacheEntry{Data: cached.Data, ETag: cached.ETag, ExpiresAt: expires})
		return cached.Data, nil
	}

	if !json.Valid(resp.body) {
		return nil, &Error{Kind: KindServer, Path: path, Status: resp.status, Message: "response body is not valid JSON"}
	}
	data := json.RawMessage(resp.body)

	g.logger.Debug("ESI GET",
		"path", path,
		"params", params.Encode(),
		"status", resp.status,
		"error_remain", resp.header.Get(headerErrorRemain),
	)

	if expires, ok := parseExpires(resp.header); ok {
		g.store(ctx, key, CacheEntry{Data: data, ETag: resp.header.Get("ETag"), ExpiresAt: expires})
	}
	return data, nil
}

// Fetcher is the subset of Gateway used by callers that only read.
type Fetcher interface {
	Fetch(ctx context.Context, path string, params url.Values, auth Auth, forceRefresh bool) (json.RawMessage, error)
}

var _ Fetcher = (*Gateway)(nil)

// FetchInto decodes the response of f.Fetch into a value of type T.
func FetchInto[T any](ctx context.Context, f Fetcher, path string, params url.Values, auth Auth, forceRefresh bool) (T, error) {
	var out T
	data, err := f.Fetch(ctx, path, params, auth, forceRefresh)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &Error{Kind: KindServer, Path: path, Status: -1, Message: "unexpected response shape", Err: err}
	}
	return out, nil
}

// store caches only entries whose expiry lies in the future.
func (g *Gateway) store(ctx context.Context, key string, e CacheEntry) {
	if !e.ExpiresAt.After(g.clock.Now()) {
		return
	}
	if err := g.cache.Set(ctx, key, e); err != nil {
		g.logger.Warn("ESI cache write failed", "err", err)
	}
}

func (g *Gateway) headers(ctx context.Context, auth Auth) (http.Header, error) {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("User-Agent", g.cfg.UserAgent)
	if d := g.compatDate(ctx); d != "" {
		h.Set("X-Compatibility-Date", d)
	}

	switch auth.kind {
	case authPrincipal:
		if auth.principal == nil {
			return nil, configError("a principal is required for authenticated ESI calls")
		}
		if g.tokens == nil {
			return nil, configError("no token source configured for principal calls")
		}
		token, err := g.tokens.AccessToken(ctx, auth.principal)
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", "Bearer "+token)
	case authToken:
		if auth.token == "" {
			return nil, configError("explicit access token is empty")
		}
		h.Set("Authorization", "Bearer "+auth.token)
	}
	return h, nil
}

func (g *Gateway) compatDate(ctx context.Context) string {
	if g.cfg.CompatDate != "" {
		return g.cfg.CompatDate
	}
	if g.settings == nil {
		return ""
	}
	today := g.clock.Now().UTC().Format("2006-01-02")
	v, err := g.settings.GetOrCreateSetting(ctx, CompatDateSetting, today)
	if err != nil {
		g.logger.Warn("reading compatibility date setting failed", "err", err)
		return ""
	}
	return v
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do runs the retry loop for a single GET.
func (g *Gateway) do(ctx context.Context, path string, params url.Values, headers http.Header, conditional bool) (*response, error) {
	target := g.cfg.BaseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		last := attempt == g.cfg.MaxRetries

		if err := g.gov.awaitClearance(ctx); err != nil {
			return nil, err
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := g.attempt(ctx, target, headers)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.ESIRequestsTotal.WithLabelValues("transport").Inc()
			if last {
				g.logger.Error("ESI request failed after retries", "path", path, "err", err)
				return nil, &Error{Kind: KindTransport, Path: path, Status: -1, Message: err.Error(), Err: err}
			}
			if err := g.sleep(ctx, g.backoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}
		metrics.ESIRequestsTotal.WithLabelValues(strconv.Itoa(resp.status)).Inc()

		remain, reset, ok := errorLimit(resp.header)
		if ok && remain <= g.cfg.LowWater {
			g.gov.arm(reset, "error-limit low")
		}
		resetOr := func(def int) int {
			if r, err := strconv.Atoi(resp.header.Get(headerErrorReset)); err == nil && r > 0 {
				return r
			}
			return def
		}

		switch {
		case resp.status == http.StatusNotModified && conditional:
			return resp, nil

		case resp.status == 420:
			g.gov.arm(resetOr(60), "error-limit hit")
			return nil, &Error{Kind: KindThrottle, Path: path, Status: resp.status, Message: "ESI error-limit reached"}

		case resp.status == http.StatusTooManyRequests:
			g.gov.arm(resetOr(10), "rate limited")
			if last {
				return nil, &Error{Kind: KindThrottle, Path: path, Status: resp.status, Message: "ESI rate limit reached"}
			}

		case resp.status >= 500 && resp.status < 600:
			if last {
				g.logger.Error("ESI request failed after retries", "path", path, "status", resp.status)
				return nil, &Error{Kind: KindServer, Path: path, Status: resp.status, Message: fmt.Sprintf("ESI server error %d", resp.status)}
			}

		case resp.status >= 400:
			msg := strings.TrimSpace(string(resp.body))
			if msg == "" {
				msg = "ESI request failed"
			}
			return nil, &Error{Kind: KindClient, Path: path, Status: resp.status, Message: msg}

		default:
			return resp, nil
		}

		if err := g.sleep(ctx, g.backoff(attempt)); err != nil {
			return nil, err
		}
	}

	return nil, &Error{Kind: KindTransport, Path: path, Status: -1, Message: "ESI request retry loop exhausted"}
}

func (g *Gateway) attempt(ctx context.Context, target string, headers http.Header) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()

	start := time.Now()
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, maxBodyBytes)); err != nil {
		return nil, err
	}
	metrics.ESIRequestDuration.Observe(time.Since(start).Seconds())
	return &response{status: resp.StatusCode, header: resp.Header, body: buf.Bytes()}, nil
}

// backoff is BackoffBase * 2^(attempt-1).
func (g *Gateway) backoff(attempt int) time.Duration {
	return g.cfg.BackoffBase * time.Duration(1<<(attempt-1))
}

func (g *Gateway) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-g.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errorLimit reads the error-budget headers. ok is false unless both are
// present and numeric.
func errorLimit(h http.Header) (remain, reset int, ok bool) {
	rs, ts := h.Get(headerErrorRemain), h.Get(headerErrorReset)
	if rs == "" || ts == "" {
		return 0, 0, false
	}
	remain, err1 := strconv.Atoi(rs)
	reset, err2 := strconv.Atoi(ts)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return remain, reset, true
}

func parseExpires(h http.Header) (time.Time, bool) {
	v := h.Get("Expires")
	if v == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
