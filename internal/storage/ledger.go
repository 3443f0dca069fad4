package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Mutation describes one balance change. Amount is always positive; the
// direction comes from the operation that applies it.
type Mutation struct {
	UserID      string
	Amount      int
	Type        TransactionType
	Description string
	ReferenceID string
}

// MutationResult mirrors the ledger contract: Success is false whenever the
// mutation was not applied, and Transaction is the appended entry otherwise.
type MutationResult struct {
	Success     bool
	Transaction *CreditTransaction
}

// Ledger is the credit account store and the only writer of balances.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger.Named("ledger")}
}

// DB exposes the handle so callers can open units of work spanning the ledger.
func (l *Ledger) DB() *gorm.DB {
	return l.db
}

// GetBalance returns the current balance, or 0 when the user has no account.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int, error) {
	var account CreditAccount
	err := Conn(ctx, l.db).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return account.Balance, nil
}

// GetAccount returns the full account row.
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*CreditAccount, error) {
	var account CreditAccount
	err := Conn(ctx, l.db).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &account, nil
}

// CreateAccount inserts the account without checking for an existing one.
// A second call for the same user fails with ErrAccountExists, which callers
// must treat as a configuration error rather than retry. A positive initial
// balance is recorded as a BONUS ledger entry in the same unit of work.
func (l *Ledger) CreateAccount(ctx context.Context, userID string, initialBalance int) error {
	if initialBalance < 0 {
		return ErrInvalidAmount
	}
	return Atomic(ctx, l.db, func(ctx context.Context) error {
		account := CreditAccount{UserID: userID, Balance: initialBalance, TotalEarned: initialBalance}
		if err := Conn(ctx, l.db).Create(&account).Error; err != nil {
			if IsUniqueViolation(err) {
				return ErrAccountExists
			}
			return fmt.Errorf("create credit account: %w", err)
		}
		if initialBalance == 0 {
			return nil
		}
		entry := CreditTransaction{
			UserID:       userID,
			Amount:       initialBalance,
			BalanceAfter: initialBalance,
			Type:         TransactionBonus,
			Description:  "Initial credit grant",
		}
		if err := Conn(ctx, l.db).Create(&entry).Error; err != nil {
			return fmt.Errorf("append initial grant: %w", err)
		}
		return nil
	})
}

// EnsureAccount creates an empty account if none exists and reports whether it did.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string) (bool, error) {
	account := CreditAccount{UserID: userID}
	result := Conn(ctx, l.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&account)
	if result.Error != nil {
		return false, fmt.Errorf("ensure credit account: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// DeductCredits charges amount as a USAGE entry.
func (l *Ledger) DeductCredits(ctx context.Context, userID string, amount int, description string) (MutationResult, error) {
	return l.Deduct(ctx, Mutation{UserID: userID, Amount: amount, Type: TransactionUsage, Description: description})
}

// AddCredits grants amount as a PURCHASE entry.
func (l *Ledger) AddCredits(ctx context.Context, userID string, amount int, description string) (MutationResult, error) {
	return l.Add(ctx, Mutation{UserID: userID, Amount: amount, Type: TransactionPurchase, Description: description})
}

// Deduct is the admission gate: the account row is locked, the balance
// checked, decremented and the ledger appended in one unit of work. A missing
// account or a balance below amount aborts without any write.
func (l *Ledger) Deduct(ctx context.Context, m Mutation) (MutationResult, error) {
	if m.Type == "" {
		m.Type = TransactionUsage
	}
	return l.apply(ctx, m, -1)
}

// Add credits an existing account; it never creates one.
func (l *Ledger) Add(ctx context.Context, m Mutation) (MutationResult, error) {
	if m.Type == "" {
		m.Type = TransactionPurchase
	}
	return l.apply(ctx, m, 1)
}

func (l *Ledger) apply(ctx context.Context, m Mutation, sign int) (MutationResult, error) {
	if m.Amount <= 0 {
		return MutationResult{}, ErrInvalidAmount
	}

	var entry *CreditTransaction
	err := Atomic(ctx, l.db, func(ctx context.Context) error {
		tx := Conn(ctx, l.db)

		var account CreditAccount
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", m.UserID).First(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("lock credit account: %w", err)
		}

		update := tx.Model(&CreditAccount{}).Where("user_id = ?", m.UserID)
		var fields map[string]any
		if sign < 0 {
			if account.Balance < m.Amount {
				return ErrInsufficientCredits
			}
			// the guard keeps the balance non-negative even where the
			// dialect has no row locks
			update = update.Where("balance >= ?", m.Amount)
			fields = map[string]any{
				"balance":     gorm.Expr("balance - ?", m.Amount),
				"total_spent": gorm.Expr("total_spent + ?", m.Amount),
			}
		} else {
			fields = map[string]any{
				"balance":      gorm.Expr("balance + ?", m.Amount),
				"total_earned": gorm.Expr("total_earned + ?", m.Amount),
			}
		}
		result := update.Updates(fields)
		if result.Error != nil {
			return fmt.Errorf("update balance: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInsufficientCredits
		}

		// Re-read under the write lock so balanceAfter is the committed value
		// rather than one derived from a possibly stale read.
		if err := tx.Where("user_id = ?", m.UserID).First(&account).Error; err != nil {
			return fmt.Errorf("reload credit account: %w", err)
		}

		entry = &CreditTransaction{
			UserID:       m.UserID,
			Amount:       sign * m.Amount,
			BalanceAfter: account.Balance,
			Type:         m.Type,
			Description:  m.Description,
		}
		if m.ReferenceID != "" {
			ref := m.ReferenceID
			entry.ReferenceID = &ref
		}
		if err := tx.Create(entry).Error; err != nil {
			if IsUniqueViolation(err) {
				return ErrDuplicateEntry
			}
			return fmt.Errorf("append ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientCredits), errors.Is(err, ErrDuplicateEntry):
			l.logger.Debug("Balance mutation rejected", zap.String("user_id", m.UserID), zap.Int("amount", sign*m.Amount), zap.Error(err))
		default:
			l.logger.Error("Balance mutation failed", zap.String("user_id", m.UserID), zap.Int("amount", sign*m.Amount), zap.Error(err))
		}
		return MutationResult{}, err
	}

	l.logger.Info("Balance mutated",
		zap.String("user_id", m.UserID),
		zap.String("type", string(m.Type)),
		zap.Int("amount", entry.Amount),
		zap.Int("balance_after", entry.BalanceAfter),
	)
	return MutationResult{Success: true, Transaction: entry}, nil
}

// Transactions lists a user's ledger newest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []CreditTransaction
	err := Conn(ctx, l.db).Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return entries, nil
}

// FindByReference returns the entry of the given type recorded for ref, if any.
func (l *Ledger) FindByReference(ctx context.Context, txType TransactionType, ref string) (*CreditTransaction, error) {
	var entry CreditTransaction
	err := Conn(ctx, l.db).Where("type = ? AND reference_id = ?", txType, ref).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return &entry, nil
}
