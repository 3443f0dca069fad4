package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type UserRepository struct {
	db     *gorm.DB
	ledger *Ledger
}

func NewUserRepository(db *gorm.DB, ledger *Ledger) *UserRepository {
	return &UserRepository{db: db, ledger: ledger}
}

// Create registers a user and opens their credit account in the same unit of
// work, so no user ever exists without an account.
func (r *UserRepository) Create(ctx context.Context, email, username string, initialCredits int) (*User, error) {
	user := &User{
		Email:    strings.ToLower(strings.TrimSpace(email)),
		Username: strings.TrimSpace(username),
	}
	if user.Email == "" || user.Username == "" {
		return nil, fmt.Errorf("email and username are required")
	}
	err := Atomic(ctx, r.db, func(ctx context.Context) error {
		if err := Conn(ctx, r.db).Create(user).Error; err != nil {
			if IsUniqueViolation(err) {
				return ErrUserExists
			}
			return fmt.Errorf("create user: %w", err)
		}
		return r.ledger.CreateAccount(ctx, user.ID, initialCredits)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.findOne(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (r *UserRepository) findOne(ctx context.Context, query string, arg any) (*User, error) {
	var user User
	err := Conn(ctx, r.db).Where(query, arg).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}
