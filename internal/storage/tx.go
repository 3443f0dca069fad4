package storage

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// Atomic runs fn as one unit of work. Every repository call made with the
// context handed to fn joins the same transaction; the transaction commits
// when fn returns nil and rolls back on an error or panic. Nested calls open a
// savepoint, so a failed inner unit never leaves partial writes behind.
func Atomic(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.Transaction(func(inner *gorm.DB) error {
			return fn(context.WithValue(ctx, txKey{}, inner))
		})
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Conn returns the transaction bound to ctx, or db itself outside a unit of work.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return db.WithContext(ctx)
}

// InTx reports whether ctx carries an open unit of work.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}
