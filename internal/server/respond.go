package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nerdneilsfield/imagegen-billing/internal/billing"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"go.uber.org/zap"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeOK(w http.ResponseWriter, status int, fields map[string]any) {
	fields["success"] = true
	s.writeJSON(w, status, fields)
}

// writeError localizes key for the caller's Accept-Language.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, key string, args ...any) {
	s.writeJSON(w, status, errorBody{
		Error: s.I18n.T(r.Header.Get("Accept-Language"), key, args...),
		Code:  key,
	})
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, status int) {
	if status == http.StatusForbidden {
		s.writeError(w, r, status, "forbidden")
		return
	}
	s.writeError(w, r, status, "unauthorized")
}

// fail maps domain errors to responses. Anything unrecognised is a 500 and is logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var minErr *billing.MinPurchaseError
	switch {
	case errors.Is(err, billing.ErrInsufficientCredits):
		s.writeError(w, r, http.StatusPaymentRequired, "insufficient_credits")
	case errors.Is(err, billing.ErrEmptyPrompt):
		s.writeError(w, r, http.StatusBadRequest, "empty_prompt")
	case errors.Is(err, billing.ErrPromptTooLong), errors.Is(err, billing.ErrMissingOrderID):
		s.writeError(w, r, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, billing.ErrInvalidSize):
		s.writeError(w, r, http.StatusBadRequest, "invalid_size", "Sizes", strings.Join(s.Generations.AllowedSizes(), ", "))
	case errors.Is(err, billing.ErrGenerationNotFound):
		s.writeError(w, r, http.StatusNotFound, "generation_not_found")
	case errors.Is(err, billing.ErrPlanNotFound), errors.Is(err, billing.ErrPlanUnavailable):
		s.writeError(w, r, http.StatusNotFound, "plan_not_found")
	case errors.Is(err, billing.ErrOrderNotFound):
		s.writeError(w, r, http.StatusNotFound, "order_not_found")
	case errors.As(err, &minErr):
		s.writeError(w, r, http.StatusBadRequest, "coupon_min_purchase", "MinPurchase", minErr.MinPurchase.StringFixed(2))
	case errors.Is(err, billing.ErrCouponInvalid):
		s.writeError(w, r, http.StatusBadRequest, "coupon_invalid")
	case errors.Is(err, billing.ErrCouponExhausted):
		s.writeError(w, r, http.StatusBadRequest, "coupon_exhausted")
	case errors.Is(err, billing.ErrInvalidSignature):
		s.writeError(w, r, http.StatusBadRequest, "payment_invalid")
	case errors.Is(err, billing.ErrUnknownPaymentStatus):
		s.writeError(w, r, http.StatusBadRequest, "payment_status_invalid")
	case errors.Is(err, billing.ErrCheckoutUnavailable):
		s.writeError(w, r, http.StatusBadGateway, "checkout_unavailable")
	case errors.Is(err, storage.ErrAccountNotFound), errors.Is(err, storage.ErrUserNotFound):
		s.writeError(w, r, http.StatusNotFound, "user_not_found")
	case errors.Is(err, storage.ErrInvalidAmount):
		s.writeError(w, r, http.StatusBadRequest, "invalid_amount")
	case errors.Is(err, billing.ErrRunnerClosed):
		s.writeError(w, r, http.StatusServiceUnavailable, "internal_error")
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}
