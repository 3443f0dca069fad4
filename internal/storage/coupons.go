package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type CouponRepository struct {
	db *gorm.DB
}

func NewCouponRepository(db *gorm.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

func (r *CouponRepository) Create(ctx context.Context, coupon *Coupon) error {
	coupon.Code = strings.ToUpper(strings.TrimSpace(coupon.Code))
	if err := Conn(ctx, r.db).Create(coupon).Error; err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("coupon %s already exists", coupon.Code)
		}
		return fmt.Errorf("create coupon: %w", err)
	}
	return nil
}

// FindActiveByCode looks a coupon up case-insensitively and ignores inactive ones.
func (r *CouponRepository) FindActiveByCode(ctx context.Context, code string) (*Coupon, error) {
	var coupon Coupon
	err := Conn(ctx, r.db).
		Where("code = ? AND is_active = ?", strings.ToUpper(strings.TrimSpace(code)), true).
		First(&coupon).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCouponNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query coupon: %w", err)
	}
	return &coupon, nil
}

// Redeem records the usage for an order and bumps the counter. The counter
// update is guarded by maxUses so two orders cannot both take the last use.
func (r *CouponRepository) Redeem(ctx context.Context, usage *CouponUsage) error {
	return Atomic(ctx, r.db, func(ctx context.Context) error {
		result := Conn(ctx, r.db).Model(&Coupon{}).
			Where("id = ? AND (max_uses IS NULL OR uses_count < max_uses)", usage.CouponID).
			Update("uses_count", gorm.Expr("uses_count + 1"))
		if result.Error != nil {
			return fmt.Errorf("increment coupon usage: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrCouponExhausted
		}
		if err := Conn(ctx, r.db).Create(usage).Error; err != nil {
			return fmt.Errorf("record coupon usage: %w", err)
		}
		return nil
	})
}
