// Package storagetest opens throwaway databases for package tests.
package storagetest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/nerdneilsfield/imagegen-billing/internal/config"
	"github.com/nerdneilsfield/imagegen-billing/internal/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewDB returns a migrated in-memory SQLite database private to the test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

// Stores bundles the repositories over one database.
type Stores struct {
	DB          *gorm.DB
	Ledger      *storage.Ledger
	Users       *storage.UserRepository
	Generations *storage.GenerationRepository
	Orders      *storage.OrderRepository
	Plans       *storage.PlanRepository
	Coupons     *storage.CouponRepository
}

func NewStores(t testing.TB) *Stores {
	t.Helper()
	db := NewDB(t)
	ledger := storage.NewLedger(db, zap.NewNop())
	return &Stores{
		DB:          db,
		Ledger:      ledger,
		Users:       storage.NewUserRepository(db, ledger),
		Generations: storage.NewGenerationRepository(db),
		Orders:      storage.NewOrderRepository(db),
		Plans:       storage.NewPlanRepository(db),
		Coupons:     storage.NewCouponRepository(db),
	}
}

// NewUser creates a user with the given opening balance.
func (s *Stores) NewUser(t testing.TB, balance int) *storage.User {
	t.Helper()
	id := uuid.NewString()[:8]
	user, err := s.Users.Create(context.Background(), id+"@example.com", "user-"+id, balance)
	require.NoError(t, err)
	return user
}
