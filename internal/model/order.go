package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentStatus 描述网关支付状态。
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentDone    PaymentStatus = "done"
	PaymentFailed  PaymentStatus = "failed"
)

// CartItem is one line of the cart snapshot taken at checkout.
type CartItem struct {
	ProductID   uint            `json:"product_id" binding:"required,min=1"`
	ProductName string          `json:"product_name"`
	Color       string          `json:"color" binding:"required"`
	Size        string          `json:"size" binding:"required"`
	Quantity    int             `json:"quantity" binding:"required,min=1"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (c CartItem) Variant() VariantKey {
	return VariantKey{ProductID: c.ProductID, Color: c.Color, Size: c.Size}
}

// Order 一次结账尝试。支付确认前 PaymentStatus=pending，验签失败时整行删除。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CustomerID      uint   `gorm:"not null;index" json:"customer_id"`
	CustomerName    string `gorm:"size:128" json:"customer_name"`
	CustomerEmail   string `gorm:"size:128" json:"customer_email"`
	CustomerPhone   string `gorm:"size:32" json:"customer_phone"`
	CustomerAddress string `gorm:"size:512" json:"customer_address"`

	Items    datatypes.JSONType[[]CartItem] `json:"cart_items"`
	Subtotal decimal.Decimal                `gorm:"type:decimal(12,2);not null" json:"subtotal"`
	Shipping decimal.Decimal                `gorm:"type:decimal(12,2);not null" json:"shipping"`
	Tax      decimal.Decimal                `gorm:"type:decimal(12,2);not null" json:"tax"`
	Total    decimal.Decimal                `gorm:"type:decimal(12,2);not null" json:"total"`
	Currency string                         `gorm:"size:8;not null" json:"currency"`

	GatewayOrderID   string        `gorm:"size:64;uniqueIndex;not null" json:"payment_order_handle"`
	GatewayPaymentID string        `gorm:"size:64" json:"payment_transaction_handle,omitempty"`
	GatewaySignature string        `gorm:"size:128" json:"-"`
	PaymentStatus    PaymentStatus `gorm:"size:16;not null;index" json:"payment_status"`
	OTP              string        `gorm:"column:otp;size:4" json:"-"`

	Status             Status                       `gorm:"size:16;not null;index" json:"status"`
	TrackingIdentities datatypes.JSONType[[]string] `json:"tracking_identities"`

	DeliveryAgentName  string `gorm:"size:128;index" json:"delivery_agent_name"`
	DeliveryAgentPhone string `gorm:"size:32;index" json:"delivery_agent_phone"`

	IssueType             string `gorm:"size:64" json:"issue_type"`
	IssueTrackingIdentity string `gorm:"size:160" json:"issue_tracking_identity"`
	IssueDescription      string `gorm:"size:1024" json:"issue_description"`
}

func (Order) TableName() string { return "orders" }

// CartLine returns the cart line a unit was drawn from.
func (o *Order) CartLine(productID uint, color, size string) (CartItem, bool) {
	for _, it := range o.Items.Data() {
		if it.ProductID == productID && it.Color == color && it.Size == size {
			return it, true
		}
	}
	return CartItem{}, false
}

// UnitIdentities lists the identity of every purchased unit in cart order.
// Unit indexes run per variant, so a variant split over several lines still
// gets distinct identities.
func (o *Order) UnitIdentities() []Identity {
	var out []Identity
	next := map[VariantKey]int{}
	for _, it := range o.Items.Data() {
		k := it.Variant()
		for i := 0; i < it.Quantity; i++ {
			next[k]++
			out = append(out, Identity{
				CustomerID: o.CustomerID,
				OrderID:    o.ID,
				ProductID:  it.ProductID,
				Color:      it.Color,
				Size:       it.Size,
				UnitIndex:  next[k],
			})
		}
	}
	return out
}

// MergeLines folds lines of the same variant into one, summing quantities and
// keeping the first line's position, name and price.
func MergeLines(items []CartItem) []CartItem {
	out := make([]CartItem, 0, len(items))
	pos := make(map[VariantKey]int, len(items))
	for _, it := range items {
		if i, ok := pos[it.Variant()]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		pos[it.Variant()] = len(out)
		out = append(out, it)
	}
	return out
}
