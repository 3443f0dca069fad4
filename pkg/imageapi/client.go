// Package imageapi talks to an OpenAI-compatible image generation endpoint.
package imageapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrNoImage is returned when a successful response carries no image URL.
var ErrNoImage = errors.New("imageapi: response has no image url")

type GenerateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size"`
	Quality string `json:"quality,omitempty"`
}

type ImageData struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt"`
}

type GenerateResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// Result is the single image produced by one call.
type Result struct {
	URL           string
	RevisedPrompt string
}

type Client struct {
	url        string
	apiKey     string
	model      string
	quality    string
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithQuality(quality string) Option {
	return func(c *Client) { c.quality = quality }
}

func NewClient(url, apiKey, model string, timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 150 * time.Second // generations can take minutes
	}
	c := &Client{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		quality:    "standard",
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("imageapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate requests exactly one image. Cancellation of ctx aborts the call.
func (c *Client) Generate(ctx context.Context, prompt, size string) (*Result, error) {
	payload := GenerateRequest{
		Model:   c.model,
		Prompt:  prompt,
		N:       1,
		Size:    size,
		Quality: c.quality,
	}
	body, err := c.doPostRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	var resp GenerateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("failed to unmarshal generate response", zap.Error(err), zap.String("body", truncate(string(body), 512)))
		return nil, fmt.Errorf("failed to unmarshal generate response: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, ErrNoImage
	}
	return &Result{URL: resp.Data[0].URL, RevisedPrompt: resp.Data[0].RevisedPrompt}, nil
}

func (c *Client) doPostRequest(ctx context.Context, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send request", zap.Error(err))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := apiErrorMessage(body)
		c.logger.Warn("API request failed", zap.Int("status", resp.StatusCode), zap.String("error", msg))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("image API request failed with status %d: %s", e.StatusCode, e.Message)
}

// apiErrorMessage accepts both {"error":"..."} and {"error":{"message":"..."}}.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		var s string
		if json.Unmarshal(envelope.Error, &s) == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	if len(body) == 0 {
		return "API request failed"
	}
	return truncate(string(body), 256)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
