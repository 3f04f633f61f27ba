package gigachat

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAuthURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	defaultAPIURL  = "https://gigachat.devices.sberbank.ru/api/v1/chat/completions"

	// Tokens are refreshed this long before their reported expiry.
	refreshMargin = 5 * time.Minute
)

// TokenProvider hands out a valid access token, refreshing it internally
// when it is about to expire. Callers never see the refresh lifecycle.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// tokenProvider caches the GigaChat OAuth token behind a mutex.
type tokenProvider struct {
	authKey    string // base64("client_id:client_secret")
	scope      string
	authURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Token returns the cached token, or fetches a fresh one if the cache is
// empty or inside the refresh margin.
func (p *tokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt.Add(-refreshMargin)) {
		return p.token, nil
	}

	form := url.Values{"scope": {p.scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", uuid.New().String())
	req.Header.Set("Authorization", "Basic "+p.authKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth request returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"` // unix milliseconds
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("auth response contained no access token")
	}

	p.token = payload.AccessToken
	p.expiresAt = time.UnixMilli(payload.ExpiresAt)
	p.logger.Info("Obtained new GigaChat access token.", "expiresAt", p.expiresAt)
	return p.token, nil
}

// Client is a thin gateway over the GigaChat completion API. The model is
// consumed purely as an untyped text-completion oracle.
type Client struct {
	tokens     TokenProvider
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customizes a Client, mainly for tests pointing at a local server.
type Option func(*Client, *tokenProvider)

// WithAuthURL overrides the OAuth endpoint.
func WithAuthURL(u string) Option {
	return func(_ *Client, p *tokenProvider) { p.authURL = u }
}

// WithAPIURL overrides the completion endpoint.
func WithAPIURL(u string) Option {
	return func(c *Client, _ *tokenProvider) { c.apiURL = u }
}

// NewClient creates a GigaChat client with its own token provider.
// insecureTLS disables certificate verification for the Sberbank CA chain.
func NewClient(logger *slog.Logger, authKey, scope string, insecureTLS bool, opts ...Option) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if insecureTLS {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	provider := &tokenProvider{
		authKey:    authKey,
		scope:      scope,
		authURL:    defaultAuthURL,
		httpClient: httpClient,
		logger:     logger,
	}
	c := &Client{
		tokens:     provider,
		apiURL:     defaultAPIURL,
		httpClient: httpClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c, provider)
	}
	return c
}

// Complete sends a system instruction plus user text and returns the raw
// completion content. Callers are responsible for interpreting it.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain access token: %w", err)
	}

	reqBody, err := json.Marshal(map[string]any{
		"model": "GigaChat",
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": 0.1,
		"max_tokens":  300,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(string(reqBody)))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion request returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", fmt.Errorf("completion response contained no choices")
	}

	c.logger.Debug("Received completion.", "length", len(payload.Choices[0].Message.Content))
	return payload.Choices[0].Message.Content, nil
}
