package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrUnauthorized is returned when credentials are rejected and cannot be
// refreshed.
var ErrUnauthorized = errors.New("unauthorized")

// User is the /auth/me response body.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// TokenCache persists a token pair across client restarts. The zero
// implementation is no persistence at all.
type TokenCache interface {
	Load() (*TokenPair, error)
	Save(TokenPair) error
	Clear() error
}

// Client talks to the jarvis auth endpoints and holds the current token
// pair. Do attaches the bearer token and retries once through a refresh on
// 401, mirroring the web front end's authFetch. Client implements
// chat.CredentialSource.
type Client struct {
	baseURL string
	http    *http.Client
	cache   TokenCache

	mu     sync.Mutex
	tokens *TokenPair
}

type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithTokenCache wires a persistent token cache; previously cached tokens
// are loaded eagerly.
func WithTokenCache(cache TokenCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache != nil {
		if pair, err := c.cache.Load(); err == nil && pair != nil {
			c.tokens = pair
		}
	}
	return c
}

// Login exchanges username/password for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var pair TokenPair
	err := c.postJSON(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &pair)
	if err != nil {
		return err
	}
	c.setTokens(pair)
	return nil
}

// Refresh exchanges the refresh token for a fresh pair. On failure the
// stored tokens are cleared: the session is effectively logged out.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	tokens := c.tokens
	c.mu.Unlock()
	if tokens == nil || tokens.RefreshToken == "" {
		return errors.Wrap(ErrUnauthorized, "no refresh token")
	}

	var pair TokenPair
	err := c.postJSON(ctx, "/auth/refresh", map[string]string{
		"refresh_token": tokens.RefreshToken,
	}, &pair)
	if err != nil {
		c.Logout()
		return err
	}
	c.setTokens(pair)
	return nil
}

// Me fetches the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return User{}, errors.Wrap(err, "build me request")
	}
	resp, err := c.Do(req)
	if err != nil {
		return User{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return User{}, errors.Wrapf(ErrUnauthorized, "me returned %d", resp.StatusCode)
	}
	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return User{}, errors.Wrap(err, "decode me response")
	}
	return u, nil
}

// Do performs an authenticated request, retrying once through a refresh when
// the server answers 401.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	token, ok := c.Credential()
	if ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "auth request")
	}
	if resp.StatusCode != http.StatusUnauthorized || !ok {
		return resp, nil
	}
	_ = resp.Body.Close()

	log.Debug().Str("component", "auth_client").Msg("access token rejected, refreshing")
	if err := c.Refresh(req.Context()); err != nil {
		return nil, err
	}
	fresh, _ := c.Credential()
	req.Header.Set("Authorization", "Bearer "+fresh)
	resp, err = c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "auth request after refresh")
	}
	return resp, nil
}

// Credential returns the current access token. Implements the chat
// session's CredentialSource.
func (c *Client) Credential() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == nil || c.tokens.AccessToken == "" {
		return "", false
	}
	return c.tokens.AccessToken, true
}

// Logout discards the stored tokens.
func (c *Client) Logout() {
	c.mu.Lock()
	c.tokens = nil
	cache := c.cache
	c.mu.Unlock()
	if cache != nil {
		if err := cache.Clear(); err != nil {
			log.Warn().Err(err).Str("component", "auth_client").Msg("failed to clear token cache")
		}
	}
}

func (c *Client) setTokens(pair TokenPair) {
	c.mu.Lock()
	c.tokens = &pair
	cache := c.cache
	c.mu.Unlock()
	if cache != nil {
		if err := cache.Save(pair); err != nil {
			log.Warn().Err(err).Str("component", "auth_client").Msg("failed to persist tokens")
		}
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail := readDetail(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return errors.Wrapf(ErrUnauthorized, "%s: %s", path, detail)
		}
		return errors.Errorf("POST %s returned %d: %s", path, resp.StatusCode, detail)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "decode %s response", path)
		}
	}
	return nil
}

func readDetail(r io.Reader) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil || body.Detail == "" {
		return "request failed"
	}
	return body.Detail
}
