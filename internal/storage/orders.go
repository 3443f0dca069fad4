package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *PaymentOrder) error {
	if order.Status == "" {
		order.Status = OrderPending
	}
	if err := Conn(ctx, r.db).Omit("Plan").Create(order).Error; err != nil {
		return fmt.Errorf("create payment order: %w", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id string) (*PaymentOrder, error) {
	var order PaymentOrder
	err := Conn(ctx, r.db).Preload("Plan").Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment order: %w", err)
	}
	return &order, nil
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, number string) (*PaymentOrder, error) {
	var order PaymentOrder
	err := Conn(ctx, r.db).Where("order_number = ?", number).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment order: %w", err)
	}
	return &order, nil
}

// MarkCompleted moves a PENDING order to COMPLETED. A concurrent or repeated
// settlement loses the race and gets ErrOrderSettled.
func (r *OrderRepository) MarkCompleted(ctx context.Context, id, method, paymentID string) error {
	now := time.Now().UTC()
	fields := map[string]any{
		"status":       OrderCompleted,
		"completed_at": &now,
	}
	if method != "" {
		fields["payment_method"] = method
	}
	if paymentID != "" {
		fields["payment_id"] = paymentID
	}
	return r.settle(ctx, id, fields)
}

// MarkFailed moves a PENDING order to FAILED.
func (r *OrderRepository) MarkFailed(ctx context.Context, id, paymentID string) error {
	fields := map[string]any{"status": OrderFailed}
	if paymentID != "" {
		fields["payment_id"] = paymentID
	}
	return r.settle(ctx, id, fields)
}

func (r *OrderRepository) settle(ctx context.Context, id string, fields map[string]any) error {
	result := Conn(ctx, r.db).Model(&PaymentOrder{}).
		Where("id = ? AND status = ?", id, OrderPending).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("settle payment order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.FindByID(ctx, id); err != nil {
			return err
		}
		return ErrOrderSettled
	}
	return nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]PaymentOrder, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var orders []PaymentOrder
	err := Conn(ctx, r.db).Preload("Plan").Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list payment orders: %w", err)
	}
	return orders, nil
}
