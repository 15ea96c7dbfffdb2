package store

import (
	"context"

	"fulfillment/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row-level exclusive locks. Callers must pass a transaction handle; the lock
// is held until it commits or rolls back. SQLite has no row locks and relies
// on its database-level write lock instead.

var forUpdate = clause.Locking{Strength: "UPDATE"}

// LockVariant reads an inventory variant with SELECT ... FOR UPDATE.
func LockVariant(ctx context.Context, tx *gorm.DB, key model.VariantKey) (*model.InventoryVariant, error) {
	var v model.InventoryVariant
	err := tx.WithContext(ctx).
		Clauses(forUpdate).
		Where("product_id = ? AND color = ? AND size = ?", key.ProductID, key.Color, key.Size).
		First(&v).Error
	if err != nil {
		if IsRecordNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// LockOrder locks an order by id.
func LockOrder(ctx context.Context, tx *gorm.DB, id uint) (*model.Order, error) {
	var o model.Order
	err := tx.WithContext(ctx).Clauses(forUpdate).Where("id = ?", id).First(&o).Error
	if err != nil {
		if IsRecordNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// LockOrderByHandle locks an order by its payment-gateway order handle.
func LockOrderByHandle(ctx context.Context, tx *gorm.DB, handle string) (*model.Order, error) {
	var o model.Order
	err := tx.WithContext(ctx).Clauses(forUpdate).Where("gateway_order_id = ?", handle).First(&o).Error
	if err != nil {
		if IsRecordNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// LockAgent serializes ledger writes for one delivery agent.
func LockAgent(ctx context.Context, tx *gorm.DB, id uint) (*model.Agent, error) {
	var a model.Agent
	err := tx.WithContext(ctx).Clauses(forUpdate).Where("id = ?", id).First(&a).Error
	if err != nil {
		if IsRecordNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}
