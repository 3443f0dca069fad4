package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) Create(ctx context.Context, plan *PricingPlan) error {
	if err := Conn(ctx, r.db).Create(plan).Error; err != nil {
		return fmt.Errorf("create pricing plan: %w", err)
	}
	return nil
}

// ListActive returns purchasable plans ordered by price.
func (r *PlanRepository) ListActive(ctx context.Context) ([]PricingPlan, error) {
	var plans []PricingPlan
	if err := Conn(ctx, r.db).Where("is_active = ?", true).Order("price ASC").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("list pricing plans: %w", err)
	}
	return plans, nil
}

func (r *PlanRepository) FindByID(ctx context.Context, id string) (*PricingPlan, error) {
	var plan PricingPlan
	err := Conn(ctx, r.db).Where("id = ?", id).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pricing plan: %w", err)
	}
	return &plan, nil
}
