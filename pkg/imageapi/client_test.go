package imageapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(url string) *Client {
	return NewClient(url, "sk-test", "gpt-4o-image", 5*time.Second, zap.NewNop())
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, GenerateRequest{Model: "gpt-4o-image", Prompt: "a red fox", N: 1, Size: "1024x1792", Quality: "standard"}, req)
		_, _ = w.Write([]byte(`{"created":1,"data":[{"url":"https://img.example.com/fox.png","revised_prompt":"a red fox in snow"}]}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Generate(context.Background(), "a red fox", "1024x1792")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/fox.png", res.URL)
	assert.Equal(t, "a red fox in snow", res.RevisedPrompt)
}

func TestGenerateFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"string error", http.StatusBadRequest, `{"error":"prompt rejected"}`, func(t *testing.T, err error) {
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
			assert.Equal(t, "prompt rejected", apiErr.Message)
		}},
		{"object error", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, func(t *testing.T, err error) {
			assert.Contains(t, err.Error(), "slow down")
		}},
		{"no url", http.StatusOK, `{"data":[]}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNoImage)
		}},
		{"malformed", http.StatusOK, `not json`, func(t *testing.T, err error) {
			assert.Error(t, err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Generate(context.Background(), "p", "1024x1024")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestGenerateHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	// release runs first so Close does not wait on a parked handler
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL).Generate(ctx, "p", "1024x1024")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
