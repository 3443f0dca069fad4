package creem

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "creem_test_secret"

func TestSignMatchesWireFormat(t *testing.T) {
	params := []Param{{Key: "checkout_id", Value: "xyz"}, {Key: "order_id", Value: "abc"}}
	sum := sha256.Sum256([]byte("checkout_id=xyz|order_id=abc|salt=" + secret))

	assert.Equal(t, hex.EncodeToString(sum[:]), Sign(params, secret))
	assert.NotEqual(t, Sign(params, secret), Sign(params, "other"))
}

func TestVerifyRejectsTamperedOrderID(t *testing.T) {
	q := url.Values{}
	q.Set("checkout_id", "xyz")
	q.Set("order_id", "abc")
	q.Set("signature", Sign([]Param{{"checkout_id", "xyz"}, {"order_id", "abc"}}, secret))

	assert.True(t, Verify(ParseCallback(q), secret))

	q.Set("order_id", "abd")
	assert.False(t, Verify(ParseCallback(q), secret))
}

func TestVerifyRequiresSignature(t *testing.T) {
	q := url.Values{}
	q.Set("order_id", "abc")
	assert.False(t, Verify(ParseCallback(q), secret))
	assert.False(t, Verify(ParseCallback(q), ""))
}

func TestParseCallbackKeepsSigningOrderAndEmptyValues(t *testing.T) {
	q, err := url.ParseQuery("product_id=p&order_id=o&subscription_id=&request_id=r&signature=s&extra=1")
	require.NoError(t, err)

	cb := ParseCallback(q)
	assert.Equal(t, "s", cb.Signature)
	assert.Equal(t, []Param{
		{"request_id", "r"},
		{"order_id", "o"},
		{"subscription_id", ""},
		{"product_id", "p"},
	}, cb.Params)
	assert.Equal(t, "o", cb.Get("order_id"))
	assert.Equal(t, "", cb.Get("checkout_id"))
}

func TestRequestIDIsStable(t *testing.T) {
	a, err := RequestID("order-1")
	require.NoError(t, err)
	b, err := RequestID("order-1")
	require.NoError(t, err)
	c, err := RequestID("order-2")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestCreateCheckoutSession(t *testing.T) {
	var got checkoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-1", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ch_1","checkout_url":"https://pay.example.com/ch_1"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key-1", "prod-1", zap.NewNop())
	session, err := client.CreateCheckoutSession(context.Background(), Metadata{UserID: "u", OrderID: "o", PlanID: "p"})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/ch_1", session.CheckoutURL)
	assert.Equal(t, "prod-1", got.ProductID)
	assert.Equal(t, "o", got.Metadata.OrderID)
	assert.NotEmpty(t, got.RequestID)
}

func TestCreateCheckoutSessionErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "bad", "prod-1", zap.NewNop())
	_, err := client.CreateCheckoutSession(context.Background(), Metadata{OrderID: "o"})
	assert.Error(t, err)
}

func TestWebhookSignature(t *testing.T) {
	body := []byte(`{"order_id":"o-1","payment_id":"p-1","status":"completed"}`)
	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, SignWebhook(body, "whsec"))
	assert.True(t, VerifyWebhook(body, want, "whsec"))
	assert.True(t, VerifyWebhook(body, strings.ToUpper(want), "whsec"))

	tampered := []byte(`{"order_id":"o-2","payment_id":"p-1","status":"completed"}`)
	assert.False(t, VerifyWebhook(tampered, want, "whsec"))
	assert.False(t, VerifyWebhook(body, want, "other"))
	assert.False(t, VerifyWebhook(body, "", "whsec"))
	assert.False(t, VerifyWebhook(body, SignWebhook(body, ""), ""))
}
