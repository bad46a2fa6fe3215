package esi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evetrade/ledger-engine/internal/esi"
	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/secret"
)

type tokenStore struct {
	mu      sync.Mutex
	updates map[int64]string
	fail    error
}

func (s *tokenStore) UpdateRefreshToken(_ context.Context, principalID int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.updates == nil {
		s.updates = map[int64]string{}
	}
	s.updates[principalID] = token
	return nil
}

type tokenEndpoint struct {
	hits        int32
	lastRefresh string
	body        func(n int32) string
}

func (e *tokenEndpoint) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&e.hits, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		e.lastRefresh = r.PostForm.Get("refresh_token")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(e.body(n)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newCredentials(srvURL string, store esi.RefreshTokenStore, sealer esi.Sealer, clock esi.Clock) *esi.Credentials {
	return esi.NewCredentials(esi.CredentialsConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     srvURL,
	}, store, sealer, clock, discardLogger())
}

func TestAccessToken_RefreshesAndCaches(t *testing.T) {
	ep := &tokenEndpoint{body: func(n int32) string {
		return `{"access_token":"at-` + string(rune('0'+n)) + `","expires_in":1200}`
	}}
	srv := ep.server(t)

	clock := esi.NewFakeClock(epoch)
	creds := newCredentials(srv.URL, &tokenStore{}, nil, clock)
	p := &model.Principal{ID: 1, Name: "Alpha", RefreshToken: "rt-1"}
	ctx := context.Background()

	tok, err := creds.AccessToken(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
	assert.Equal(t, "rt-1", ep.lastRefresh)

	clock.Advance(1100 * time.Second)
	tok, err = creds.AccessToken(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok, "token with more than a minute left is reused")

	clock.Advance(50 * time.Second)
	tok, err = creds.AccessToken(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok, "token inside the safety margin is refreshed")
	assert.EqualValues(t, 2, atomic.LoadInt32(&ep.hits))
}

func TestAccessToken_PersistsRotationBeforeCaching(t *testing.T) {
	ep := &tokenEndpoint{body: func(int32) string {
		return `{"access_token":"at","refresh_token":"rt-rotated","expires_in":1200}`
	}}
	srv := ep.server(t)

	store := &tokenStore{fail: errors.New("database is down")}
	creds := newCredentials(srv.URL, store, nil, esi.NewFakeClock(epoch))
	p := &model.Principal{ID: 1, Name: "Alpha", RefreshToken: "rt-1"}
	ctx := context.Background()

	_, err := creds.AccessToken(ctx, p)
	require.Error(t, err, "a rotation that cannot be persisted fails the call")
	assert.Equal(t, "rt-1", p.RefreshToken)

	store.fail = nil
	tok, err := creds.AccessToken(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "at", tok)
	assert.EqualValues(t, 2, atomic.LoadInt32(&ep.hits), "nothing was cached by the failed attempt")
	assert.Equal(t, "rt-rotated", store.updates[1])
	assert.Equal(t, "rt-rotated", p.RefreshToken)
}

func TestAccessToken_SealedRefreshTokens(t *testing.T) {
	ep := &tokenEndpoint{body: func(int32) string {
		return `{"access_token":"at","refresh_token":"rt-rotated","expires_in":1200}`
	}}
	srv := ep.server(t)

	box, err := secret.New("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	sealed, err := box.Seal("rt-1")
	require.NoError(t, err)

	store := &tokenStore{}
	creds := newCredentials(srv.URL, store, box, esi.NewFakeClock(epoch))
	p := &model.Principal{ID: 4, Name: "Delta", RefreshToken: sealed}

	_, err = creds.AccessToken(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", ep.lastRefresh, "endpoint receives the opened token")
	assert.True(t, secret.IsSealed(store.updates[4]), "rotated token is sealed at rest")

	opened, err := box.Open(store.updates[4])
	require.NoError(t, err)
	assert.Equal(t, "rt-rotated", opened)
}

func TestAccessToken_ExpiryFromJWTClaim(t *testing.T) {
	clock := esi.NewFakeClock(epoch)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "CHARACTER:EVE:9001",
		ExpiresAt: jwt.NewNumericDate(epoch.Add(300 * time.Second)),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	ep := &tokenEndpoint{body: func(int32) string { return `{"access_token":"` + signed + `"}` }}
	srv := ep.server(t)
	creds := newCredentials(srv.URL, &tokenStore{}, nil, clock)
	p := &model.Principal{ID: 1, Name: "Alpha", RefreshToken: "rt-1"}
	ctx := context.Background()

	_, err = creds.AccessToken(ctx, p)
	require.NoError(t, err)

	clock.Advance(230 * time.Second)
	_, err = creds.AccessToken(ctx, p)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ep.hits))

	clock.Advance(20 * time.Second)
	_, err = creds.AccessToken(ctx, p)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&ep.hits), "exp claim minus margin has passed")
}

func TestAccessToken_ConfigurationErrors(t *testing.T) {
	ctx := context.Background()

	unconfigured := esi.NewCredentials(esi.CredentialsConfig{}, &tokenStore{}, nil, nil, discardLogger())
	_, err := unconfigured.AccessToken(ctx, &model.Principal{ID: 1, RefreshToken: "rt"})
	require.ErrorIs(t, err, esi.ErrNotConfigured)
	assert.Equal(t, esi.KindConfig, esi.KindOf(err))

	creds := newCredentials("http://127.0.0.1:1", &tokenStore{}, nil, nil)
	_, err = creds.AccessToken(ctx, &model.Principal{ID: 2, Name: "Bravo"})
	require.ErrorIs(t, err, esi.ErrNotConfigured)
	assert.Contains(t, err.Error(), "Bravo")
}

func TestAccessToken_RejectedRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	creds := newCredentials(srv.URL, &tokenStore{}, nil, esi.NewFakeClock(epoch))
	_, err := creds.AccessToken(context.Background(), &model.Principal{ID: 1, Name: "Alpha", RefreshToken: "revoked"})

	var e *esi.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, esi.KindClient, e.Kind)
	assert.Contains(t, e.Message, "invalid_grant")
}
