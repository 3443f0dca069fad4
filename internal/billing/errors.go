package billing

import (
	"errors"
	"fmt"

	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientCredits also covers callers that have no account yet.
	ErrInsufficientCredits = storage.ErrInsufficientCredits
	ErrGenerationNotFound  = storage.ErrGenerationNotFound
	ErrOrderNotFound       = storage.ErrOrderNotFound
	ErrPlanNotFound        = storage.ErrPlanNotFound

	ErrEmptyPrompt          = errors.New("billing: prompt cannot be empty")
	ErrPromptTooLong        = errors.New("billing: prompt is too long")
	ErrInvalidSize          = errors.New("billing: unsupported image size")
	ErrPlanUnavailable      = errors.New("billing: pricing plan is not available")
	ErrCouponInvalid        = errors.New("billing: coupon is invalid or inactive")
	ErrCouponMinPurchase    = errors.New("billing: coupon minimum purchase not met")
	ErrCouponExhausted      = errors.New("billing: coupon usage limit reached")
	ErrInvalidSignature     = errors.New("billing: invalid callback signature")
	ErrUnknownPaymentStatus = errors.New("billing: unknown payment status")
	ErrMissingOrderID       = errors.New("billing: order id is required")
	ErrCheckoutUnavailable  = errors.New("billing: checkout session could not be created")
	ErrRunnerClosed         = errors.New("billing: generation runner is shut down")
)

// MinPurchaseError carries the threshold a coupon requires.
type MinPurchaseError struct {
	MinPurchase decimal.Decimal
	Price       decimal.Decimal
}

func (e *MinPurchaseError) Error() string {
	return fmt.Sprintf("%s: requires %s, plan costs %s", ErrCouponMinPurchase, e.MinPurchase.StringFixed(2), e.Price.StringFixed(2))
}

func (e *MinPurchaseError) Is(target error) bool {
	return target == ErrCouponMinPurchase
}
