package billing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nerdneilsfield/imagegen-billing/internal/i18n"
	"github.com/nerdneilsfield/imagegen-billing/internal/metrics"
	"github.com/nerdneilsfield/imagegen-billing/internal/notify"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"github.com/nerdneilsfield/imagegen-billing/pkg/creem"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Webhook statuses accepted by HandleWebhook.
const (
	WebhookCompleted = "completed"
	WebhookFailed    = "failed"
)

const (
	planCacheTTL   = 5 * time.Minute
	activePlansKey = "active"
)

// CheckoutCreator opens a hosted checkout for an order.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, meta creem.Metadata) (*creem.Session, error)
}

type PaymentDeps struct {
	Ledger   *storage.Ledger
	Orders   *storage.OrderRepository
	Plans    *storage.PlanRepository
	Coupons  *storage.CouponRepository
	Checkout CheckoutCreator // optional
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	I18n     *i18n.Manager
	Logger   *zap.Logger
}

// PaymentService creates orders and turns confirmed payments into credits.
type PaymentService struct {
	PaymentDeps
	secrets        Secrets
	plans          *expirable.LRU[string, []storage.PricingPlan]
	logger         *zap.Logger
	now            func() time.Time
}

// Secrets authenticate what the checkout provider sends back. Callback salts
// the redirect signature; Webhook keys the HMAC over webhook bodies.
type Secrets struct {
	Callback string
	Webhook  string
}

// NewPaymentService builds the service.
func NewPaymentService(secrets Secrets, deps PaymentDeps) *PaymentService {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &PaymentService{
		PaymentDeps:    deps,
		secrets:        secrets,
		plans:          expirable.NewLRU[string, []storage.PricingPlan](1, nil, planCacheTTL),
		logger:         deps.Logger.Named("payment"),
		now:            time.Now,
	}
}

// OrderResult is what the checkout page needs.
type OrderResult struct {
	Order          *storage.PaymentOrder `json:"order"`
	FinalAmount    decimal.Decimal       `json:"finalAmount"`
	DiscountAmount decimal.Decimal       `json:"discountAmount"`
	CheckoutURL    string                `json:"checkoutUrl,omitempty"`
}

// SettleResult describes the outcome of a callback. AlreadySettled marks a
// redelivery that changed nothing.
type SettleResult struct {
	Order          *storage.PaymentOrder
	Transaction    *storage.CreditTransaction
	AlreadySettled bool
}

// ListPlans returns the active plans. The listing is cached; orders are
// always priced from the database.
func (s *PaymentService) ListPlans(ctx context.Context) ([]storage.PricingPlan, error) {
	if plans, ok := s.plans.Get(activePlansKey); ok {
		return plans, nil
	}
	plans, err := s.Plans.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	s.plans.Add(activePlansKey, plans)
	return plans, nil
}

// InvalidatePlans drops the cached listing after plans change.
func (s *PaymentService) InvalidatePlans() {
	s.plans.Purge()
}

// CalculateDiscount returns the discount a coupon gives on price, rounded to
// cents and never more than the price itself.
func CalculateDiscount(c *storage.Coupon, price decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch c.DiscountType {
	case storage.DiscountPercentage:
		discount = price.Mul(c.DiscountValue).Div(decimal.NewFromInt(100)).Round(2)
	default:
		discount = c.DiscountValue.Round(2)
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	if discount.GreaterThan(price) {
		return price
	}
	return discount
}

// NewOrderNumber formats ORDER-<unix ms>-<8 hex chars>.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORDER-%d-%s", now.UnixMilli(), strings.ToUpper(uuid.NewString()[:8]))
}

// CreateOrder prices the plan, applies an optional coupon and stores a PENDING
// order. The coupon usage is recorded in the same unit of work as the order.
func (s *PaymentService) CreateOrder(ctx context.Context, userID, planID, couponCode string) (*OrderResult, error) {
	plan, err := s.Plans.FindByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		// the cached listing may still show it
		s.InvalidatePlans()
		return nil, ErrPlanUnavailable
	}

	discount := decimal.Zero
	var coupon *storage.Coupon
	if code := strings.TrimSpace(couponCode); code != "" {
		coupon, err = s.Coupons.FindActiveByCode(ctx, code)
		if errors.Is(err, storage.ErrCouponNotFound) {
			return nil, ErrCouponInvalid
		}
		if err != nil {
			return nil, err
		}
		if coupon.MinPurchase.Valid && coupon.MinPurchase.Decimal.GreaterThan(plan.Price) {
			return nil, &MinPurchaseError{MinPurchase: coupon.MinPurchase.Decimal, Price: plan.Price}
		}
		if coupon.MaxUses != nil && coupon.UsesCount >= *coupon.MaxUses {
			return nil, ErrCouponExhausted
		}
		discount = CalculateDiscount(coupon, plan.Price)
	}
	final := plan.Price.Sub(discount)
	if final.IsNegative() {
		final = decimal.Zero
	}

	order := &storage.PaymentOrder{
		UserID:         userID,
		PlanID:         plan.ID,
		Amount:         final,
		DiscountAmount: discount,
		Credits:        plan.Credits,
		Status:         storage.OrderPending,
		OrderNumber:    NewOrderNumber(s.now()),
	}
	if coupon != nil {
		order.CouponID = &coupon.ID
	}

	err = storage.Atomic(ctx, s.Ledger.DB(), func(ctx context.Context) error {
		if err := s.Orders.Create(ctx, order); err != nil {
			return err
		}
		if coupon == nil {
			return nil
		}
		return s.Coupons.Redeem(ctx, &storage.CouponUsage{
			CouponID:       coupon.ID,
			UserID:         userID,
			OrderID:        order.ID,
			DiscountAmount: discount,
		})
	})
	if errors.Is(err, storage.ErrCouponExhausted) {
		return nil, ErrCouponExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	order.Plan = plan

	result := &OrderResult{Order: order, FinalAmount: final, DiscountAmount: discount}
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", userID),
		zap.String("amount", final.StringFixed(2)),
		zap.String("discount", discount.StringFixed(2)),
	)

	if s.Checkout != nil {
		session, err := s.Checkout.CreateCheckoutSession(ctx, creem.Metadata{UserID: userID, OrderID: order.ID, PlanID: plan.ID})
		if err != nil {
			// the order stays PENDING and can be retried or expire on its own
			s.logger.Error("Failed to create checkout session", zap.String("order_id", order.ID), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
		result.CheckoutURL = session.CheckoutURL
	}
	return result, nil
}

// SettleCallback verifies a signed checkout redirect and completes the order.
// Nothing is read or written before the signature checks out.
func (s *PaymentService) SettleCallback(ctx context.Context, query url.Values) (*SettleResult, error) {
	cb := creem.ParseCallback(query)
	if !creem.Verify(cb, s.secrets.Callback) {
		s.Metrics.SignatureFailure()
		s.logger.Warn("Rejected checkout callback with invalid signature", zap.String("order_id", cb.Get("order_id")))
		return nil, ErrInvalidSignature
	}
	orderID := cb.Get("order_id")
	if orderID == "" {
		return nil, ErrMissingOrderID
	}
	return s.complete(ctx, orderID, "creem", cb.Get("checkout_id"))
}

// WebhookEvent is the JSON body of a payment webhook.
type WebhookEvent struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// VerifyWebhook authenticates a raw webhook body against its signature header.
// It must pass before the body is decoded or acted on.
func (s *PaymentService) VerifyWebhook(body []byte, signature string) error {
	if !creem.VerifyWebhook(body, signature, s.secrets.Webhook) {
		s.Metrics.SignatureFailure()
		s.logger.Warn("Rejected webhook with invalid signature", zap.Bool("secret_configured", s.secrets.Webhook != ""))
		return ErrInvalidSignature
	}
	return nil
}

// HandleWebhook applies a verified provider notification. Redelivery for a settled
// order is a successful no-op.
func (s *PaymentService) HandleWebhook(ctx context.Context, ev WebhookEvent) (*SettleResult, error) {
	if strings.TrimSpace(ev.OrderID) == "" {
		return nil, ErrMissingOrderID
	}
	switch strings.ToLower(ev.Status) {
	case WebhookCompleted:
		return s.complete(ctx, ev.OrderID, "webhook", ev.PaymentID)
	case WebhookFailed:
		return s.failOrder(ctx, ev.OrderID, ev.PaymentID)
	default:
		return nil, ErrUnknownPaymentStatus
	}
}

// complete marks the order COMPLETED and credits the buyer in one unit of
// work. The PURCHASE entry references the order id, so a second grant for the
// same order is impossible even if the status guard were bypassed.
func (s *PaymentService) complete(ctx context.Context, orderID, method, paymentID string) (*SettleResult, error) {
	result := &SettleResult{}
	err := storage.Atomic(ctx, s.Ledger.DB(), func(ctx context.Context) error {
		order, err := s.Orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		result.Order = order
		if order.Status != storage.OrderPending {
			result.AlreadySettled = true
			return nil
		}

		if err := s.Orders.MarkCompleted(ctx, order.ID, method, paymentID); err != nil {
			if errors.Is(err, storage.ErrOrderSettled) {
				result.AlreadySettled = true
				return nil
			}
			return err
		}

		description := "Payment order: " + order.OrderNumber
		if order.Plan != nil {
			description = fmt.Sprintf("Purchased %s (%s)", order.Plan.Name, order.OrderNumber)
		}
		res, err := s.Ledger.Add(ctx, storage.Mutation{
			UserID:      order.UserID,
			Amount:      order.Credits,
			Type:        storage.TransactionPurchase,
			Description: description,
			ReferenceID: order.ID,
		})
		if err != nil {
			return fmt.Errorf("credit order %s: %w", order.ID, err)
		}
		result.Transaction = res.Transaction
		order.Status = storage.OrderCompleted
		return nil
	})
	if err != nil {
		s.logger.Error("Payment settlement failed", zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}
	if result.AlreadySettled {
		s.logger.Info("Ignoring redelivered payment notification", zap.String("order_id", orderID), zap.String("status", string(result.Order.Status)))
		return result, nil
	}

	order := result.Order
	s.Metrics.PaymentSettled(string(storage.OrderCompleted))
	s.Metrics.CreditsAdded(string(storage.TransactionPurchase), order.Credits)
	s.logger.Info("Payment settled",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.Int("credits", order.Credits),
		zap.Int("balance_after", result.Transaction.BalanceAfter),
	)
	s.Notifier.Notify(ctx, s.I18n.T("", "payment_completed_notice",
		"OrderNumber", order.OrderNumber,
		"Credits", order.Credits,
		"UserID", order.UserID,
	))
	return result, nil
}

func (s *PaymentService) failOrder(ctx context.Context, orderID, paymentID string) (*SettleResult, error) {
	result := &SettleResult{}
	err := storage.Atomic(ctx, s.Ledger.DB(), func(ctx context.Context) error {
		order, err := s.Orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		result.Order = order
		if err := s.Orders.MarkFailed(ctx, order.ID, paymentID); err != nil {
			if errors.Is(err, storage.ErrOrderSettled) {
				result.AlreadySettled = true
				return nil
			}
			return err
		}
		order.Status = storage.OrderFailed
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.AlreadySettled {
		s.Metrics.PaymentSettled(string(storage.OrderFailed))
		s.logger.Info("Payment failed", zap.String("order_id", orderID))
		s.Notifier.Notify(ctx, s.I18n.T("", "payment_failed_notice",
			"OrderNumber", result.Order.OrderNumber,
			"UserID", result.Order.UserID,
		))
	}
	return result, nil
}

// GrantCredits adds credits outside a purchase, for operators.
func (s *PaymentService) GrantCredits(ctx context.Context, userID string, amount int, description string) (storage.MutationResult, error) {
	if description == "" {
		description = "Manual credit grant"
	}
	res, err := s.Ledger.Add(ctx, storage.Mutation{
		UserID:      userID,
		Amount:      amount,
		Type:        storage.TransactionBonus,
		Description: description,
	})
	if err != nil {
		return res, err
	}
	s.Metrics.CreditsAdded(string(storage.TransactionBonus), amount)
	return res, nil
}
