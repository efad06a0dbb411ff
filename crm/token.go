package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	tokenPath                 = "/v1/token"
	defaultTokenTTL           = time.Hour
	defaultTokenSafetyMargin  = time.Minute
	maxTokenResponseBodyBytes = 1 << 20 // 1 MiB
)

// HTTPDoer is the minimal HTTP client surface the package depends on.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource provides a bearer token for API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type tokenCacheConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	SafetyMargin time.Duration
	Now          func() time.Time
	HTTPClient   HTTPDoer
}

// tokenCache fetches client-credentials tokens and reuses them until they
// come within the safety margin of expiry. Concurrent refreshes are benign;
// the last writer wins and every caller holds a valid token.
type tokenCache struct {
	config tokenCacheConfig

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenCache(cfg tokenCacheConfig) (*tokenCache, error) {
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("crm: token url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("crm: client id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("crm: client secret is required")
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = defaultTokenSafetyMargin
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &tokenCache{config: cfg}, nil
}

func (c *tokenCache) Token(ctx context.Context) (string, error) {
	if c == nil {
		return "", fmt.Errorf("crm: token cache is nil")
	}
	now := c.config.Now()

	c.mu.Lock()
	if c.token != "" && now.Before(c.expiresAt.Add(-c.config.SafetyMargin)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	token, expiresAt, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.token = token
	c.expiresAt = expiresAt
	c.mu.Unlock()
	return token, nil
}

// Invalidate drops the cached token so the next call refreshes. Used after a
// 401 from the API, which means the token died before its advertised expiry.
func (c *tokenCache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

type tokenEndpointPayload struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *tokenCache) fetch(ctx context.Context) (string, time.Time, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.config.TokenURL,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", time.Time{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	response, err := c.config.HTTPClient.Do(httpReq)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("crm: token request failed: %w", err)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxTokenResponseBodyBytes+1))
	if readErr != nil {
		return "", time.Time{}, fmt.Errorf("crm: read token response: %w", readErr)
	}
	if int64(len(body)) > maxTokenResponseBodyBytes {
		return "", time.Time{}, fmt.Errorf("crm: token response exceeds %d bytes", maxTokenResponseBodyBytes)
	}

	var payload tokenEndpointPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("crm: decode token response: %w", err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return "", time.Time{}, fmt.Errorf(
			"crm: token endpoint error (%d): %s",
			response.StatusCode,
			describeTokenError(payload),
		)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", time.Time{}, fmt.Errorf("crm: token endpoint response missing access token")
	}

	ttl := defaultTokenTTL
	if payload.ExpiresIn > 0 {
		ttl = time.Duration(payload.ExpiresIn) * time.Second
	}
	return payload.AccessToken, c.config.Now().Add(ttl), nil
}

func describeTokenError(payload tokenEndpointPayload) string {
	if desc := strings.TrimSpace(payload.ErrorDescription); desc != "" {
		return desc
	}
	if code := strings.TrimSpace(payload.ErrorCode); code != "" {
		return code
	}
	return "unknown error"
}

var _ TokenSource = (*tokenCache)(nil)
