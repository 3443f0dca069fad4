package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/nerdneilsfield/imagegen-billing/internal/auth"
	"github.com/nerdneilsfield/imagegen-billing/internal/billing"
	"github.com/nerdneilsfield/imagegen-billing/internal/config"
	"github.com/nerdneilsfield/imagegen-billing/internal/i18n"
	"github.com/nerdneilsfield/imagegen-billing/internal/metrics"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage/storagetest"
	"github.com/nerdneilsfield/imagegen-billing/pkg/creem"
	"github.com/nerdneilsfield/imagegen-billing/pkg/imageapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret    = "jwt-secret"
	creemSecret   = "creem-secret"
	webhookSecret = "whsec-test"
	adminUserID   = "admin-1"
	providerURL   = "https://provider.example.com/image.png"
)

type staticImages struct{}

func (staticImages) Generate(context.Context, string, string) (*imageapi.Result, error) {
	return &imageapi.Result{URL: providerURL}, nil
}

type fixture struct {
	*storagetest.Stores
	srv      *Server
	verifier *auth.TokenVerifier
	runner   *billing.Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := storagetest.NewStores(t)
	logger := zap.NewNop()
	tr, err := i18n.NewManager("en", logger)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)

	cfg := config.Default()
	cfg.Creem.SuccessURL = "https://shop.example.com/success"
	cfg.Creem.FailureURL = "https://shop.example.com/failed"

	runner := billing.NewRunner(2, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})

	gens := billing.NewGenerationService(billing.GenerationConfig{
		Cost:         4,
		Timeout:      time.Second,
		DefaultSize:  "1024x1024",
		AllowedSizes: []string{"1024x1024", "1792x1024"},
	}, billing.GenerationDeps{
		Ledger:      stores.Ledger,
		Generations: stores.Generations,
		Images:      staticImages{},
		Runner:      runner,
		Metrics:     m,
		I18n:        tr,
		Logger:      logger,
	})
	payments := billing.NewPaymentService(billing.Secrets{Callback: creemSecret, Webhook: webhookSecret}, billing.PaymentDeps{
		Ledger:  stores.Ledger,
		Orders:  stores.Orders,
		Plans:   stores.Plans,
		Coupons: stores.Coupons,
		Metrics: m,
		I18n:    tr,
		Logger:  logger,
	})

	verifier := auth.NewTokenVerifier(testSecret, "auth_token")
	srv := New(Deps{
		Config:      cfg,
		Ledger:      stores.Ledger,
		Generations: gens,
		Payments:    payments,
		Verifier:    verifier,
		Authorizer:  auth.NewAuthorizer([]string{adminUserID}),
		I18n:        tr,
		Metrics:     metrics.Handler(reg),
		Logger:      logger,
	})
	return &fixture{Stores: stores, srv: srv, verifier: verifier, runner: runner}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.verifier.Issue(auth.Identity{UserID: userID})
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, target, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) webhook(t *testing.T, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/payment/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(creem.WebhookSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) signedWebhook(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	return f.webhook(t, body, creem.SignWebhook([]byte(body), webhookSecret))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBalanceRequiresToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/user/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "unauthorized", body["code"])
}

func TestBalance(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 12)

	rec := f.do(t, http.MethodGet, "/api/user/balance", user.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 12, body["balance"])
}

func TestGenerateInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 3)

	rec := f.do(t, http.MethodPost, "/api/generate-image", user.ID, `{"prompt":"a cat"}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_credits", decode(t, rec)["code"])

	balance, err := f.Ledger.GetBalance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, balance)
}

func TestGenerateAndPollStatus(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 10)

	rec := f.do(t, http.MethodPost, "/api/generate-image", user.ID, `{"prompt":"a cat","size":"1792x1024"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	id, _ := body["generationId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, string(storage.GenerationPending), body["status"])

	balance, err := f.Ledger.GetBalance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, balance)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/generate-image/status/"+id, user.ID, "")
		return rec.Code == http.StatusOK && decode(t, rec)["status"] == string(storage.GenerationCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/generate-image/status/"+id, user.ID, "")
	body = decode(t, rec)
	assert.Equal(t, []any{providerURL}, body["outputUrls"])

	other := f.NewUser(t, 0)
	rec = f.do(t, http.MethodGet, "/api/generate-image/status/"+id, other.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/generate-image/history?limit=5", user.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])
}

func TestGenerateValidation(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 10)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty prompt", `{"prompt":"   "}`, "empty_prompt"},
		{"bad size", `{"prompt":"a cat","size":"10x10"}`, "invalid_size"},
		{"malformed", `{"prompt":`, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/generate-image", user.ID, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decode(t, rec)["code"])
		})
	}

	balance, err := f.Ledger.GetBalance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}

func TestLocalizedError(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/generate-image", strings.NewReader(`{"prompt":"a cat"}`))
	req.Header.Set("Authorization", "Bearer "+f.token(t, user.ID))
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	msg, _ := decode(t, rec)["error"].(string)
	assert.NotEmpty(t, msg)
	assert.NotContains(t, msg, "insufficient")
}

func (f *fixture) newPlan(t *testing.T) *storage.PricingPlan {
	t.Helper()
	plan := &storage.PricingPlan{
		Name:     "Pro",
		Price:    decimal.RequireFromString("39.99"),
		Currency: "USD",
		Credits:  400,
		IsActive: true,
	}
	require.NoError(t, f.Plans.Create(context.Background(), plan))
	return plan
}

func TestPricingPlansIsPublic(t *testing.T) {
	f := newFixture(t)
	f.newPlan(t)

	rec := f.do(t, http.MethodGet, "/api/pricing-plans", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	plans, _ := decode(t, rec)["plans"].([]any)
	assert.Len(t, plans, 1)
}

func TestCreateOrderWithCoupon(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 0)
	plan := f.newPlan(t)
	require.NoError(t, f.Coupons.Create(context.Background(), &storage.Coupon{
		Code:          "save10",
		DiscountType:  storage.DiscountPercentage,
		DiscountValue: decimal.NewFromInt(10),
		IsActive:      true,
	}))

	rec := f.do(t, http.MethodPost, "/api/payment/create-order", user.ID,
		`{"planId":"`+plan.ID+`","couponCode":"SAVE10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "35.99", body["finalAmount"])
	assert.Equal(t, "4", body["discountAmount"])

	rec = f.do(t, http.MethodPost, "/api/payment/create-order", user.ID, `{"planId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/payment/create-order", user.ID,
		`{"planId":"`+plan.ID+`","couponCode":"NOPE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "coupon_invalid", decode(t, rec)["code"])
}

func (f *fixture) pendingOrder(t *testing.T, userID string) *storage.PaymentOrder {
	t.Helper()
	plan := f.newPlan(t)
	order := &storage.PaymentOrder{
		UserID:         userID,
		PlanID:         plan.ID,
		Amount:         plan.Price,
		DiscountAmount: decimal.Zero,
		Credits:        plan.Credits,
		OrderNumber:    billing.NewOrderNumber(time.Now()),
	}
	require.NoError(t, f.Orders.Create(context.Background(), order))
	return order
}

func TestWebhookCreditsOnce(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 0)
	order := f.pendingOrder(t, user.ID)
	payload := `{"order_id":"` + order.ID + `","payment_id":"pay_1","status":"completed"}`

	rec := f.signedWebhook(t, payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode(t, rec)["alreadySettled"])

	rec = f.signedWebhook(t, payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["alreadySettled"])

	balance, err := f.Ledger.GetBalance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 400, balance)
}

func TestWebhookRejectsBadPayloads(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 0)
	order := f.pendingOrder(t, user.ID)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing payment id", `{"order_id":"` + order.ID + `","status":"completed"}`, http.StatusBadRequest},
		{"unknown status", `{"order_id":"` + order.ID + `","payment_id":"p","status":"refunded"}`, http.StatusBadRequest},
		{"unknown order", `{"order_id":"nope","payment_id":"p","status":"completed"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.signedWebhook(t, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	balance, err := f.Ledger.GetBalance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestWebhookRequiresSignature(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 0)
	order := f.pendingOrder(t, user.ID)
	payload := `{"order_id":"` + order.ID + `","payment_id":"pay_1","status":"completed"}`
	forged := `{"order_id":"` + order.ID + `","payment_id":"pay_2","status":"completed"}`

	tests := []struct {
		name      string
		body      string
		signature string
	}{
		{"unsigned", payload, ""},
		{"wrong secret", payload, creem.SignWebhook([]byte(payload), "guessed")},
		{"signature for another body", forged, creem.SignWebhook([]byte(payload), webhookSecret)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.webhook(t, tt.body, tt.signature)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "payment_invalid", decode(t, rec)["code"])
		})
	}

	stored, err := f.Orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.OrderPending, stored.Status)
	balance, err := f.Ledger.GetBalance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, balance)

	rec := f.signedWebhook(t, payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	balance, err = f.Ledger.GetBalance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 400, balance)
}

func TestCreemCallbackRedirects(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 0)
	order := f.pendingOrder(t, user.ID)

	q := url.Values{}
	q.Set("checkout_id", "ch_1")
	q.Set("order_id", order.ID)
	q.Set("signature", creem.Sign(creem.ParseCallback(q).Params, creemSecret))

	rec := f.do(t, http.MethodGet, "/api/creem/callback?"+q.Encode(), "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://shop.example.com/success"))

	balance, err := f.Ledger.GetBalance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 400, balance)

	q.Set("signature", strings.Repeat("0", 64))
	rec = f.do(t, http.MethodGet, "/api/creem/callback?"+q.Encode(), "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "reason=signature")
}

func TestAdminCredits(t *testing.T) {
	f := newFixture(t)
	user := f.NewUser(t, 0)
	payload := `{"userId":"` + user.ID + `","amount":25}`

	rec := f.do(t, http.MethodPost, "/api/admin/credits", user.ID, payload)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/credits", adminUserID, payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/admin/credits", adminUserID, `{"userId":"`+user.ID+`","amount":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/credits", adminUserID, `{"userId":"ghost","amount":5}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	balance, err := f.Ledger.GetBalance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, balance)

	entries, err := f.Ledger.Transactions(context.Background(), user.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, storage.TransactionBonus, entries[0].Type)
}
