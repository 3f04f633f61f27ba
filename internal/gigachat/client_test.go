package gigachat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAuthServer(t *testing.T, calls *atomic.Int64, expiresAt time.Time) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.NotEmpty(t, r.Header.Get("RqUID"))
		assert.Contains(t, r.Header.Get("Authorization"), "Basic ")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_at":   expiresAt.UnixMilli(),
		})
	}))
}

func TestTokenIsCachedUntilNearExpiry(t *testing.T) {
	var calls atomic.Int64
	auth := newAuthServer(t, &calls, time.Now().Add(time.Hour))
	defer auth.Close()

	c := NewClient(testLogger(), "auth-key", "GIGACHAT_API_PERS", false, WithAuthURL(auth.URL))

	for i := 0; i < 3; i++ {
		tok, err := c.tokens.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-1", tok)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestTokenRefreshedWhenInsideMargin(t *testing.T) {
	var calls atomic.Int64
	// Expiry inside the refresh margin forces a new fetch every call.
	auth := newAuthServer(t, &calls, time.Now().Add(time.Minute))
	defer auth.Close()

	c := NewClient(testLogger(), "auth-key", "GIGACHAT_API_PERS", false, WithAuthURL(auth.URL))

	_, err := c.tokens.Token(context.Background())
	require.NoError(t, err)
	_, err = c.tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCompleteReturnsFirstChoiceContent(t *testing.T) {
	var calls atomic.Int64
	auth := newAuthServer(t, &calls, time.Now().Add(time.Hour))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "GigaChat", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": `{"title":"X"}`}},
			},
		})
	}))
	defer api.Close()

	c := NewClient(testLogger(), "auth-key", "GIGACHAT_API_PERS", false,
		WithAuthURL(auth.URL), WithAPIURL(api.URL))

	got, err := c.Complete(context.Background(), "system prompt", "user text")
	require.NoError(t, err)
	assert.Equal(t, `{"title":"X"}`, got)
}

func TestCompleteSurfacesNonSuccessStatus(t *testing.T) {
	var calls atomic.Int64
	auth := newAuthServer(t, &calls, time.Now().Add(time.Hour))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer api.Close()

	c := NewClient(testLogger(), "auth-key", "GIGACHAT_API_PERS", false,
		WithAuthURL(auth.URL), WithAPIURL(api.URL))

	_, err := c.Complete(context.Background(), "system", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
