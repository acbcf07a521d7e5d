package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["username"] != "alice" || body["password"] != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(TokenPair{AccessToken: "acc-1", RefreshToken: "ref-1", TokenType: "bearer"})
	})
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["refresh_token"] != "ref-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "refresh token invalid"})
			return
		}
		_ = json.NewEncoder(w).Encode(TokenPair{AccessToken: "acc-2", RefreshToken: "ref-2", TokenType: "bearer"})
	})
	mux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer acc-1", "Bearer acc-2":
			_ = json.NewEncoder(w).Encode(User{ID: 7, Username: "alice", Email: "alice@example.com", Role: "user"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginAndMe(t *testing.T) {
	srv := authTestServer(t)
	c := NewClient(srv.URL)

	_, ok := c.Credential()
	assert.False(t, ok)

	require.NoError(t, c.Login(context.Background(), "alice", "s3cret"))
	token, ok := c.Credential()
	require.True(t, ok)
	assert.Equal(t, "acc-1", token)

	u, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, int64(7), u.ID)
}

func TestLoginRejected(t *testing.T) {
	srv := authTestServer(t)
	c := NewClient(srv.URL)

	err := c.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, ok := c.Credential()
	assert.False(t, ok)
}

func TestDoRetriesThroughRefreshOn401(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TokenPair{AccessToken: "fresh", RefreshToken: "fresh-r"})
	})
	mux.HandleFunc("GET /protected", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	c.setTokens(TokenPair{AccessToken: "stale", RefreshToken: "old-r"})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/protected", nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), hits.Load())
	token, ok := c.Credential()
	require.True(t, ok)
	assert.Equal(t, "fresh", token)
}

func TestRefreshFailureLogsOut(t *testing.T) {
	srv := authTestServer(t)
	c := NewClient(srv.URL)
	c.setTokens(TokenPair{AccessToken: "acc-x", RefreshToken: "bogus"})

	err := c.Refresh(context.Background())
	require.Error(t, err)
	_, ok := c.Credential()
	assert.False(t, ok)
}

func TestFileTokenCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	cache := &FileTokenCache{Path: path}

	pair, err := cache.Load()
	require.NoError(t, err)
	assert.Nil(t, pair)

	require.NoError(t, cache.Save(TokenPair{AccessToken: "a", RefreshToken: "r"}))
	pair, err = cache.Load()
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "a", pair.AccessToken)
	assert.Equal(t, "r", pair.RefreshToken)

	require.NoError(t, cache.Clear())
	pair, err = cache.Load()
	require.NoError(t, err)
	assert.Nil(t, pair)
	require.NoError(t, cache.Clear())
}

func TestClientLoadsCachedTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	cache := &FileTokenCache{Path: path}
	require.NoError(t, cache.Save(TokenPair{AccessToken: "cached", RefreshToken: "cached-r"}))

	c := NewClient("http://example.test", WithTokenCache(cache))
	token, ok := c.Credential()
	require.True(t, ok)
	assert.Equal(t, "cached", token)
}
