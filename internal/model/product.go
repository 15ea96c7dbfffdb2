package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product 商品：名称与标价，库存按 (颜色, 尺码) 拆在 InventoryVariant。
type Product struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name     string             `gorm:"size:128;not null" json:"name"`
	Price    decimal.Decimal    `gorm:"type:decimal(12,2);not null" json:"price"`
	Variants []InventoryVariant `gorm:"foreignKey:ProductID" json:"variants,omitempty"`
}

func (Product) TableName() string { return "products" }

// InventoryVariant holds the available quantity of one (product, color, size).
// It is only decremented under a row lock inside order confirmation.
type InventoryVariant struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProductID uint   `gorm:"not null;uniqueIndex:idx_variant_key" json:"product_id"`
	Color     string `gorm:"size:32;not null;uniqueIndex:idx_variant_key" json:"color"`
	Size      string `gorm:"size:16;not null;uniqueIndex:idx_variant_key" json:"size"`
	Quantity  int64  `gorm:"not null;default:0" json:"quantity"`
}

func (InventoryVariant) TableName() string { return "inventory_variants" }

func (v InventoryVariant) Key() VariantKey {
	return VariantKey{ProductID: v.ProductID, Color: v.Color, Size: v.Size}
}

// VariantKey identifies an inventory variant.
type VariantKey struct {
	ProductID uint   `json:"product_id"`
	Color     string `json:"color"`
	Size      string `json:"size"`
}

func (k VariantKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.ProductID, k.Color, k.Size)
}
