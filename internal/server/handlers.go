package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nerdneilsfield/imagegen-billing/internal/auth"
	"github.com/nerdneilsfield/imagegen-billing/internal/billing"
	"github.com/nerdneilsfield/imagegen-billing/pkg/creem"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePricingPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.Payments.ListPlans(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	balance, err := s.Ledger.GetBalance(r.Context(), id.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	entries, err := s.Ledger.Transactions(r.Context(), id.UserID, queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"transactions": entries})
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}
	id, _ := auth.FromContext(r.Context())
	gen, err := s.Generations.Request(r.Context(), id.UserID, req.Prompt, req.Size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, http.StatusAccepted, map[string]any{
		"generationId": gen.ID,
		"status":       gen.Status,
	})
}

func (s *Server) handleGenerationStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	gen, err := s.Generations.Status(r.Context(), id.UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	urls := []string(gen.OutputURLs)
	if urls == nil {
		urls = []string{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{
		"id":           gen.ID,
		"status":       gen.Status,
		"outputUrls":   urls,
		"errorMessage": gen.ErrorMessage,
		"completedAt":  gen.CompletedAt,
	})
}

func (s *Server) handleGenerationHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	gens, total, err := s.Generations.History(r.Context(), id.UserID, queryInt(r, "offset", 0), queryInt(r, "limit", 20))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"generations": gens, "total": total})
}

type createOrderRequest struct {
	PlanID     string `json:"planId"`
	CouponCode string `json:"couponCode"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.PlanID) == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}
	id, _ := auth.FromContext(r.Context())
	result, err := s.Payments.CreateOrder(r.Context(), id.UserID, req.PlanID, req.CouponCode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{
		"order":          result.Order,
		"finalAmount":    result.FinalAmount,
		"discountAmount": result.DiscountAmount,
		"checkoutUrl":    result.CheckoutURL,
	})
}

// handlePaymentWebhook authenticates the raw body before it is decoded.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.Payments.VerifyWebhook(body, r.Header.Get(creem.WebhookSignatureHeader)); err != nil {
		s.fail(w, r, err)
		return
	}
	var ev billing.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.OrderID == "" || ev.PaymentID == "" || ev.Status == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}
	result, err := s.Payments.HandleWebhook(r.Context(), ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"alreadySettled": result.AlreadySettled})
}

// handleCreemCallback settles the order and sends the browser back to the
// storefront. Failures redirect too, since the caller is a user agent.
func (s *Server) handleCreemCallback(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config.Creem
	result, err := s.Payments.SettleCallback(r.Context(), r.URL.Query())
	if err != nil {
		s.log.Warn("checkout callback not settled", zap.Error(err))
		http.Redirect(w, r, withQuery(cfg.FailureURL, "reason", reasonFor(err)), http.StatusFound)
		return
	}
	http.Redirect(w, r, withQuery(cfg.SuccessURL, "order", result.Order.OrderNumber), http.StatusFound)
}

type grantRequest struct {
	UserID      string `json:"userId"`
	Amount      int    `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleAdminCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Amount <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_amount")
		return
	}
	admin, _ := auth.FromContext(r.Context())
	if req.Description == "" {
		req.Description = "Admin grant by " + admin.UserID
	}
	result, err := s.Payments.GrantCredits(r.Context(), req.UserID, req.Amount, req.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"transaction": result.Transaction})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return "signature"
	case errors.Is(err, billing.ErrOrderNotFound):
		return "order"
	default:
		return "error"
	}
}
