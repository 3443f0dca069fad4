package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TransactionPurchase TransactionType = "PURCHASE"
	TransactionUsage    TransactionType = "USAGE"
	TransactionRefund   TransactionType = "REFUND"
	TransactionBonus    TransactionType = "BONUS"
)

type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "PENDING"
	GenerationProcessing GenerationStatus = "PROCESSING"
	GenerationCompleted  GenerationStatus = "COMPLETED"
	GenerationFailed     GenerationStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationCompleted || s == GenerationFailed
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderFailed    OrderStatus = "FAILED"
)

type DiscountType string

const (
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

// Model carries the string primary key and timestamps shared by mutable tables.
type Model struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m *Model) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

type User struct {
	Model
	Email    string `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Username string `gorm:"size:64;uniqueIndex;not null" json:"username"`
}

// CreditAccount holds the spendable balance of exactly one user.
// Balance == TotalEarned - TotalSpent at every commit.
type CreditAccount struct {
	Model
	UserID      string `gorm:"size:36;uniqueIndex;not null" json:"userId"`
	Balance     int    `gorm:"not null;default:0;check:chk_credit_accounts_balance,balance >= 0" json:"balance"`
	TotalEarned int    `gorm:"not null;default:0" json:"totalEarned"`
	TotalSpent  int    `gorm:"not null;default:0" json:"totalSpent"`
}

// CreditTransaction is an append-only ledger entry. A (type, reference) pair
// can be recorded at most once, which makes purchases and refunds idempotent.
type CreditTransaction struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	UserID       string          `gorm:"size:36;index;not null" json:"userId"`
	Amount       int             `gorm:"not null" json:"amount"`
	BalanceAfter int             `gorm:"not null" json:"balanceAfter"`
	Type         TransactionType `gorm:"size:16;not null;uniqueIndex:idx_credit_tx_type_ref,priority:1" json:"type"`
	Description  string          `gorm:"size:512" json:"description"`
	ReferenceID  *string         `gorm:"size:64;uniqueIndex:idx_credit_tx_type_ref,priority:2" json:"referenceId,omitempty"`
	CreatedAt    time.Time       `gorm:"index" json:"createdAt"`
}

func (t *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// BeforeUpdate rejects any attempt to rewrite a ledger entry.
func (t *CreditTransaction) BeforeUpdate(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

type ImageGeneration struct {
	Model
	UserID        string                      `gorm:"size:36;index;not null" json:"userId"`
	Prompt        string                      `gorm:"type:text;not null" json:"prompt"`
	Size          string                      `gorm:"size:32;not null" json:"size"`
	CreditsUsed   int                         `gorm:"not null" json:"creditsUsed"`
	Status        GenerationStatus            `gorm:"size:16;index;not null" json:"status"`
	OutputURLs    datatypes.JSONSlice[string] `json:"outputUrls"`
	RevisedPrompt string                      `gorm:"type:text" json:"revisedPrompt,omitempty"`
	ErrorMessage  string                      `gorm:"type:text" json:"errorMessage,omitempty"`
	ChargeID      string                      `gorm:"size:36" json:"chargeId"`
	Refunded      bool                        `gorm:"not null" json:"refunded"`
	CompletedAt   *time.Time                  `json:"completedAt"`
}

type PricingPlan struct {
	Model
	Name        string          `gorm:"size:128;not null" json:"name"`
	Description string          `gorm:"size:512" json:"description"`
	Price       decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	Currency    string          `gorm:"size:8;not null" json:"currency"`
	Credits     int             `gorm:"not null" json:"credits"`
	IsActive    bool            `gorm:"not null;index" json:"isActive"`
}

type PaymentOrder struct {
	Model
	UserID         string          `gorm:"size:36;index;not null" json:"userId"`
	PlanID         string          `gorm:"size:36;not null" json:"planId"`
	Plan           *PricingPlan    `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
	Amount         decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"discountAmount"`
	Credits        int             `gorm:"not null" json:"credits"`
	Status         OrderStatus     `gorm:"size:16;index;not null" json:"status"`
	OrderNumber    string          `gorm:"size:64;uniqueIndex;not null" json:"orderNumber"`
	CouponID       *string         `gorm:"size:36" json:"couponId,omitempty"`
	PaymentMethod  *string         `gorm:"size:32" json:"paymentMethod,omitempty"`
	PaymentID      *string         `gorm:"size:128" json:"paymentId,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt"`
}

type Coupon struct {
	Model
	Code          string              `gorm:"size:64;uniqueIndex;not null" json:"code"`
	DiscountType  DiscountType        `gorm:"size:16;not null" json:"discountType"`
	DiscountValue decimal.Decimal     `gorm:"type:decimal(10,2);not null" json:"discountValue"`
	MinPurchase   decimal.NullDecimal `gorm:"type:decimal(10,2)" json:"minPurchase"`
	MaxUses       *int                `json:"maxUses,omitempty"`
	UsesCount     int                 `gorm:"not null" json:"usesCount"`
	IsActive      bool                `gorm:"not null" json:"isActive"`
}

type CouponUsage struct {
	Model
	CouponID       string          `gorm:"size:36;index;not null" json:"couponId"`
	UserID         string          `gorm:"size:36;index;not null" json:"userId"`
	OrderID        string          `gorm:"size:36;uniqueIndex;not null" json:"orderId"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"discountAmount"`
}

// AllModels lists every table managed by Migrate.
func AllModels() []any {
	return []any{
		&User{},
		&CreditAccount{},
		&CreditTransaction{},
		&ImageGeneration{},
		&PricingPlan{},
		&PaymentOrder{},
		&Coupon{},
		&CouponUsage{},
	}
}
