package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/store"
)

func newTestSession(baseURL string) *Session {
	return &Session{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		provider:   config.Provider{AuthBaseURL: baseURL, ClientID: "client-1"},
		now:        time.Now,
	}
}

func tokenEndpoint(t *testing.T, calls *atomic.Int32, accessToken string, expiresIn int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("Auth0-Client"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh_token", body["grant_type"])
		require.Equal(t, "client-1", body["client_id"])

		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionValidityBoundary(t *testing.T) {
	base := time.Now()
	current := base
	s := newTestSession("http://unused")
	s.now = func() time.Time { return current }

	s.AdoptTokens("tok", "ref", "", 360)
	expiry := base.Add(360 * time.Second)

	current = expiry.Add(-31 * time.Second)
	assert.True(t, s.IsValid(), "token must be valid before the expiry buffer")

	current = expiry.Add(-30 * time.Second)
	assert.False(t, s.IsValid(), "token must be treated as expired inside the 30s buffer")

	current = expiry.Add(time.Second)
	assert.False(t, s.IsValid())
	assert.True(t, s.IsRefreshable(), "expiry never touches the refresh token")
}

func TestSessionNoTokensIsUnauthenticated(t *testing.T) {
	s := newTestSession("http://unused")
	_, err := s.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAccessTokenRefreshesWhenExpired(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, &calls, "fresh-token", 3600)

	s := newTestSession(srv.URL)
	s.refreshToken = "ref"

	token, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, s.IsValid())
}

func TestConcurrentAccessRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, &calls, "fresh-token", 3600)

	s := newTestSession(srv.URL)
	s.refreshToken = "ref"

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := s.AccessToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "fresh-token", token)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "concurrent callers must share one refresh")
}

func TestRefreshFailureKeepsRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	s.refreshToken = "ref"

	err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthErrorType(err, "auth_invalid"))
	assert.True(t, s.IsRefreshable(), "a failed refresh must not clear the refresh token")
	assert.False(t, s.IsValid())
}

func TestRefreshNetworkErrorIsTyped(t *testing.T) {
	s := newTestSession("http://127.0.0.1:1")
	s.refreshToken = "ref"
	s.httpClient = &http.Client{Timeout: 200 * time.Millisecond}

	err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.True(t, s.IsRefreshable())
}

func TestRefreshTokenRotation(t *testing.T) {
	rotate := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"access_token": "tok", "expires_in": 3600}
		if rotate {
			resp["refresh_token"] = "rotated"
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	s.refreshToken = "original"

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, "rotated", s.refreshToken)

	rotate = false
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, "rotated", s.refreshToken, "an omitted refresh token keeps the previous one")
}

func TestInvalidateAccessKeepsRefreshToken(t *testing.T) {
	s := newTestSession("http://unused")
	s.AdoptTokens("tok", "ref", "id-tok", 3600)
	require.True(t, s.IsValid())

	s.InvalidateAccess()

	assert.False(t, s.IsValid())
	assert.True(t, s.IsRefreshable())
	status := s.Status()
	assert.False(t, status.Valid)
	assert.True(t, status.Refreshable)
	assert.True(t, status.Expiry.IsZero())
}

func TestSessionPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)

	cfg := &config.Config{DataDir: dir, Provider: config.Provider{AuthBaseURL: "http://unused"}}

	first := NewSession(cfg, st)
	first.AdoptTokens("tok", "ref", "", 3600)

	second := NewSession(cfg, st)
	assert.True(t, second.IsValid(), "a restarted session must resume from the store")
	assert.True(t, second.IsRefreshable())

	token, err := second.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
}
