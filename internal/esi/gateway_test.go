package esi_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetrade/ledger-engine/internal/esi"
	"github.com/evetrade/ledger-engine/internal/model"
)

var epoch = time.Date(2025, 11, 17, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticTokens struct {
	mu    sync.Mutex
	calls int
}

func (s *staticTokens) AccessToken(_ context.Context, p *model.Principal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "access-for-" + p.Name, nil
}

type settingsMap map[string]string

func (m settingsMap) GetOrCreateSetting(_ context.Context, key, def string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	m[key] = def
	return def, nil
}

func newGateway(t *testing.T, srv *httptest.Server, clock *esi.FakeClock, opts ...esi.Option) *esi.Gateway {
	t.Helper()
	cache := esi.NewMemoryCache(clock)
	t.Cleanup(func() { cache.Close() })
	all := append([]esi.Option{
		esi.WithClock(clock),
		esi.WithCache(cache),
		esi.WithLogger(discardLogger()),
	}, opts...)
	return esi.NewGateway(esi.Config{BaseURL: srv.URL}, &staticTokens{}, all...)
}

func TestFetch_RetriesRateLimitWithDoublingBackoff(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	clock := esi.NewFakeClock(epoch)
	gw := newGateway(t, srv, clock)

	data, err := gw.Fetch(context.Background(), "/latest/status/", nil, esi.Public(), false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))

	// Each 429 arms a 10s cooldown; backoff of 0.5s then 1s runs inside it.
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, 9500 * time.Millisecond,
		1 * time.Second, 9 * time.Second,
	}, clock.Waits())
	assert.Equal(t, 20*time.Second, clock.Elapsed())
}

func TestFetch_RateLimitExhaustsRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("X-ESI-Error-Limit-Reset", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gw := newGateway(t, srv, esi.NewFakeClock(epoch))
	_, err := gw.Fetch(context.Background(), "/latest/status/", nil, esi.Public(), false)

	require.Error(t, err)
	assert.True(t, esi.IsThrottled(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits), "429 is retried up to the ceiling")
}

func TestFetch_LowErrorBudgetBlocksNextRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/first/" {
			w.Header().Set("X-ESI-Error-Limit-Remain", "1")
			w.Header().Set("X-ESI-Error-Limit-Reset", "30")
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	clock := esi.NewFakeClock(epoch)
	gw := newGateway(t, srv, clock)
	ctx := context.Background()

	_, err := gw.Fetch(ctx, "/first/", nil, esi.Public(), false)
	require.NoError(t, err, "a low budget does not fail the response that reported it")
	assert.Equal(t, epoch.Add(30*time.Second), gw.PausedUntil())
	assert.Zero(t, clock.Elapsed())

	_, err = gw.Fetch(ctx, "/second/", nil, esi.Public(), false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, clock.Elapsed(), 30*time.Second)
}

func TestFetch_NoExpiresMeansNoCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"n":1}`))
	}))
	defer srv.Close()

	gw := newGateway(t, srv, esi.NewFakeClock(epoch))
	for i := 0; i < 2; i++ {
		_, err := gw.Fetch(context.Background(), "/x/", nil, esi.Public(), false)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestFetch_CacheNeverServedPastExpiry(t *testing.T) {
	clock := esi.NewFakeClock(epoch)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		w.Header().Set("Expires", clock.Now().Add(60*time.Second).Format(http.TimeFormat))
		w.Write([]byte(`{"n":` + string(rune('0'+n)) + `}`))
	}))
	defer srv.Close()

	gw := newGateway(t, srv, clock)
	ctx := context.Background()

	first, err := gw.Fetch(ctx, "/x/", nil, esi.Public(), false)
	require.NoError(t, err)
	again, err := gw.Fetch(ctx, "/x/", nil, esi.Public(), false)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(again))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "live entry served from cache")

	clock.Advance(60 * time.Second)
	fresh, err := gw.Fetch(ctx, "/x/", nil, esi.Public(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits), "entry at its expiry must not be served")
	assert.JSONEq(t, `{"n":2}`, string(fresh))
}

func TestFetch_ForceRefreshBypassesCache(t *testing.T) {
	clock := esi.NewFakeClock(epoch)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Expires", clock.Now().Add(time.Hour).Format(http.TimeFormat))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	gw := newGateway(t, srv, clock)
	ctx := context.Background()
	_, err := gw.Fetch(ctx, "/x/", nil, esi.Public(), false)
	require.NoError(t, err)
	_, err = gw.Fetch(ctx, "/x/", nil, esi.Public(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestFetch_RevalidatesWithETag(t *testing.T) {
	clock := esi.NewFakeClock(epoch)
	var hits, notModified int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Expires", clock.Now().Add(60*time.Second).Format(http.TimeFormat))
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&notModified, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"orders":[1,2,3]}`))
	}))
	defer srv.Close()

	gw := newGateway(t, srv, clock)
	ctx := context.Background()

	_, err := gw.Fetch(ctx, "/orders/", nil, esi.Public(), false)
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	data, err := gw.Fetch(ctx, "/orders/", nil, esi.Public(), false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orders":[1,2,3]}`, string(data))
	assert.EqualValues(t, 1, atomic.LoadInt32(&notModified))

	// The 304 refreshed the expiry, so this one is a plain cache hit.
	_, err = gw.Fetch(ctx, "/orders/", nil, esi.Public(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestFetch_ErrorLimitHitFailsImmediately(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("X-ESI-Error-Limit-Reset", "5")
		w.WriteHeader(420)
	}))
	defer srv.Close()

	clock := esi.NewFakeClock(epoch)
	gw := newGateway(t, srv, clock)
	_, err := gw.Fetch(context.Background(), "/x/", nil, esi.Public(), false)

	require.Error(t, err)
	assert.Equal(t, esi.KindThrottle, esi.KindOf(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "420 is never retried in the same call")
	assert.Equal(t, epoch.Add(5*time.Second), gw.PausedUntil())
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"Type not found"}`))
	}))
	defer srv.Close()

	gw := newGateway(t, srv, esi.NewFakeClock(epoch))
	_, err := gw.Fetch(context.Background(), "/latest/universe/types/1/", nil, esi.Public(), false)

	var e *esi.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, esi.KindClient, e.Kind)
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.Equal(t, "/latest/universe/types/1/", e.Path)
	assert.Contains(t, e.Message, "Type not found")
	assert.False(t, esi.IsRetryable(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestFetch_ServerErrorExhaustsRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := esi.NewFakeClock(epoch)
	gw := newGateway(t, srv, clock)
	_, err := gw.Fetch(context.Background(), "/x/", nil, esi.Public(), false)

	var e *esi.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, esi.KindServer, e.Kind)
	assert.Equal(t, http.StatusBadGateway, e.Status)
	assert.True(t, esi.IsRetryable(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, clock.Waits())
}

func TestFetch_TransportErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	clock := esi.NewFakeClock(epoch)
	gw := newGateway(t, srv, clock)
	_, err := gw.Fetch(context.Background(), "/x/", nil, esi.Public(), false)

	require.Error(t, err)
	assert.Equal(t, esi.KindTransport, esi.KindOf(err))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, clock.Waits())
}

func TestFetch_RequestHeaders(t *testing.T) {
	var got http.Header
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		query = r.URL.Query()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	settings := settingsMap{}
	gw := newGateway(t, srv, esi.NewFakeClock(epoch), esi.WithSettings(settings))
	ctx := context.Background()

	params := url.Values{"page": {"2"}}
	_, err := gw.Fetch(ctx, "/latest/characters/9001/wallet/transactions/", params, esi.AsPrincipal(&model.Principal{ID: 1, Name: "Alpha"}), false)
	require.NoError(t, err)

	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, esi.DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "Bearer access-for-Alpha", got.Get("Authorization"))
	assert.Equal(t, "2025-11-17", got.Get("X-Compatibility-Date"))
	assert.Equal(t, "2025-11-17", settings[esi.CompatDateSetting], "compatibility date is stored on first use")
	assert.Equal(t, "2", query.Get("page"))

	_, err = gw.Fetch(ctx, "/verify/", nil, esi.WithToken("fresh-token"), false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh-token", got.Get("Authorization"))

	_, err = gw.Fetch(ctx, "/latest/status/", nil, esi.Public(), false)
	require.NoError(t, err)
	assert.Empty(t, got.Get("Authorization"))
}

func TestFetch_ConfiguredCompatDateWins(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Compatibility-Date")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	clock := esi.NewFakeClock(epoch)
	gw := esi.NewGateway(esi.Config{BaseURL: srv.URL, CompatDate: "2020-01-01"}, nil,
		esi.WithClock(clock), esi.WithSettings(settingsMap{esi.CompatDateSetting: "2025-01-01"}), esi.WithLogger(discardLogger()))
	_, err := gw.Fetch(context.Background(), "/x/", nil, esi.Public(), false)
	require.NoError(t, err)
	assert.Equal(t, "2020-01-01", got)
}

func TestFetch_CachePartitionedByIdentity(t *testing.T) {
	clock := esi.NewFakeClock(epoch)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Expires", clock.Now().Add(time.Hour).Format(http.TimeFormat))
		w.Write([]byte(`{"auth":"` + r.Header.Get("Authorization") + `"}`))
	}))
	defer srv.Close()

	gw := newGateway(t, srv, clock)
	ctx := context.Background()
	a, err := gw.Fetch(ctx, "/me/", nil, esi.WithToken("token-a"), false)
	require.NoError(t, err)
	b, err := gw.Fetch(ctx, "/me/", nil, esi.WithToken("token-b"), false)
	require.NoError(t, err)

	assert.NotEqual(t, string(a), string(b))
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestFetch_RejectsRelativePath(t *testing.T) {
	gw := esi.NewGateway(esi.Config{}, nil, esi.WithLogger(discardLogger()))
	_, err := gw.Fetch(context.Background(), "latest/status/", nil, esi.Public(), false)
	assert.Equal(t, esi.KindClient, esi.KindOf(err))
}

func TestFetch_PrincipalWithoutTokenSource(t *testing.T) {
	gw := esi.NewGateway(esi.Config{}, nil, esi.WithLogger(discardLogger()))
	_, err := gw.Fetch(context.Background(), "/x/", nil, esi.AsPrincipal(&model.Principal{ID: 1}), false)
	require.ErrorIs(t, err, esi.ErrNotConfigured)
}

func TestFetchInto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"Tritanium","volume":0.01}`))
	}))
	defer srv.Close()

	type typeInfo struct {
		Name   string  `json:"name"`
		Volume float64 `json:"volume"`
	}
	gw := newGateway(t, srv, esi.NewFakeClock(epoch))
	info, err := esi.FetchInto[typeInfo](context.Background(), gw, "/latest/universe/types/34/", nil, esi.Public(), false)
	require.NoError(t, err)
	assert.Equal(t, "Tritanium", info.Name)
	assert.InDelta(t, 0.01, info.Volume, 1e-9)

	_, err = esi.FetchInto[[]int](context.Background(), gw, "/latest/universe/types/34/", nil, esi.Public(), false)
	assert.Equal(t, esi.KindServer, esi.KindOf(err))
}

func TestAuthIdentity(t *testing.T) {
	assert.Equal(t, "public", esi.Public().Identity())
	assert.Equal(t, "public", esi.Auth{}.Identity())
	assert.Equal(t, "principal:7", esi.AsPrincipal(&model.Principal{ID: 7}).Identity())

	id := esi.WithToken("super-secret-access-token").Identity()
	assert.True(t, strings.HasPrefix(id, "token:"))
	assert.Len(t, id, len("token:")+12)
	assert.NotContains(t, id, "super-secret")
	assert.Equal(t, id, esi.WithToken("super-secret-access-token").Identity(), "identity is stable")

	key := esi.Fingerprint("/x/", url.Values{"b": {"2"}, "a": {"1"}}, esi.WithToken("super-secret-access-token"))
	assert.NotContains(t, key, "super-secret")
	assert.Equal(t, "GET|/x/|a=1&b=2|"+id, key)
}

func TestMemoryCache_RetainsTaggedEntriesForRevalidation(t *testing.T) {
	clock := esi.NewFakeClock(epoch)
	c := esi.NewMemoryCache(clock)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "tagged", esi.CacheEntry{Data: json.RawMessage(`1`), ETag: "e", ExpiresAt: epoch.Add(time.Minute)}))
	require.NoError(t, c.Set(ctx, "plain", esi.CacheEntry{Data: json.RawMessage(`2`), ExpiresAt: epoch.Add(time.Minute)}))

	clock.Advance(2 * time.Minute)

	e, err := c.Get(ctx, "tagged")
	require.NoError(t, err)
	assert.False(t, e.Live(clock.Now()), "retained entry must not be live")
	_, err = c.Get(ctx, "plain")
	assert.ErrorIs(t, err, esi.ErrCacheMiss)

	clock.Advance(esi.RevalidateGrace)
	_, err = c.Get(ctx, "tagged")
	assert.ErrorIs(t, err, esi.ErrCacheMiss)
}
