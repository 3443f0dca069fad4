package storage

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrAccountNotFound     = errors.New("storage: credit account not found")
	ErrAccountExists       = errors.New("storage: credit account already exists")
	ErrInsufficientCredits = errors.New("storage: insufficient credits")
	ErrInvalidAmount       = errors.New("storage: amount must be positive")
	ErrDuplicateEntry      = errors.New("storage: ledger entry already recorded")
	ErrLedgerImmutable     = errors.New("storage: ledger entries are immutable")

	ErrUserNotFound       = errors.New("storage: user not found")
	ErrUserExists         = errors.New("storage: email or username already in use")
	ErrGenerationNotFound = errors.New("storage: generation not found")
	ErrInvalidTransition  = errors.New("storage: invalid status transition")
	ErrOrderNotFound      = errors.New("storage: payment order not found")
	ErrOrderSettled       = errors.New("storage: payment order already settled")
	ErrPlanNotFound       = errors.New("storage: pricing plan not found")
	ErrCouponNotFound     = errors.New("storage: coupon not found")
	ErrCouponExhausted    = errors.New("storage: coupon usage limit reached")
)

// IsUniqueViolation recognises duplicate-key errors from every supported driver,
// including the pure Go SQLite driver whose errors gorm does not translate.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}
