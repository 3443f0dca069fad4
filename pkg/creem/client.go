package creem

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Metadata travels with the checkout session and comes back on the webhook.
type Metadata struct {
	UserID  string `json:"userId"`
	OrderID string `json:"orderId"`
	PlanID  string `json:"planId"`
}

type checkoutRequest struct {
	RequestID string   `json:"request_id"`
	ProductID string   `json:"product_id"`
	Metadata  Metadata `json:"metadata"`
}

// Session is the subset of the checkout response the service needs.
type Session struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
	RequestID   string `json:"request_id"`
}

type Client struct {
	checkoutURL string
	apiKey      string
	productID   string
	httpClient  *http.Client
	logger      *zap.Logger
}

func NewClient(checkoutURL, apiKey, productID string, logger *zap.Logger) *Client {
	return &Client{
		checkoutURL: checkoutURL,
		apiKey:      apiKey,
		productID:   productID,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger.Named("creem"),
	}
}

// RequestID derives a stable 128-bit request id for an order, so a retried
// checkout for the same order reuses the same id.
func RequestID(orderID string) (string, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("create blake2b-128 hasher: %w", err)
	}
	h.Write([]byte(orderID))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CreateCheckoutSession opens a hosted checkout for the order.
func (c *Client) CreateCheckoutSession(ctx context.Context, meta Metadata) (*Session, error) {
	requestID, err := RequestID(meta.OrderID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(checkoutRequest{RequestID: requestID, ProductID: c.productID, Metadata: meta})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.checkoutURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send checkout request", zap.Error(err))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		c.logger.Warn("checkout request failed", zap.Int("status", resp.StatusCode), zap.String("body", string(body)))
		return nil, fmt.Errorf("checkout request failed with status %d", resp.StatusCode)
	}

	var session Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to decode checkout response: %w", err)
	}
	if session.CheckoutURL == "" {
		return nil, fmt.Errorf("checkout response has no checkout_url")
	}
	c.logger.Debug("checkout session created", zap.String("order_id", meta.OrderID), zap.String("session_id", session.ID))
	return &session, nil
}
