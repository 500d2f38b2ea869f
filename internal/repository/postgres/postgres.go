// Package postgres implements the storage interfaces over gorm. All
// conditional writes follow the same primitive: UPDATE with a WHERE
// clause asserting the expected current value, checked via RowsAffected.
package postgres

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// TxManager spans one gorm transaction across every repository in this
// package: the transaction handle travels in the context, and each
// repository resolves it before falling back to its base connection.
type TxManager struct {
	db *gorm.DB
}

func NewTxManager(db *gorm.DB) *TxManager {
	return &TxManager{db: db}
}

func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	// Joining an enclosing transaction keeps nested InTx calls safe.
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return fn(ctx)
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// handle returns the transaction bound to ctx, or the base connection.
func handle(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return db.WithContext(ctx)
}
