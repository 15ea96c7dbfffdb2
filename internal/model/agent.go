package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Agent is a delivery partner. Count mirrors the number of ledger entries.
type Agent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID   string `gorm:"size:64;index" json:"user_id"`
	Name     string `gorm:"size:128;not null" json:"name"`
	Email    string `gorm:"size:128" json:"email"`
	Phone    string `gorm:"size:32" json:"phone"`
	Address  string `gorm:"size:512" json:"address"`
	District string `gorm:"size:64" json:"district"`
	Zone     string `gorm:"size:64" json:"zone"`
	Count    int    `gorm:"not null;default:0" json:"count"`
}

func (Agent) TableName() string { return "delivery_agents" }

// AssignmentEntry 派送台账的一行：一个实物单位挂在一个派送员名下。
// 单位键 (order, product, color, size, unit_index) 全局唯一，同一单位不能同时出现在两个台账里。
type AssignmentEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	AgentID   uint   `gorm:"not null;index" json:"agent_id"`
	OrderID   uint   `gorm:"not null;uniqueIndex:idx_assignment_unit" json:"order_id"`
	ProductID uint   `gorm:"not null;uniqueIndex:idx_assignment_unit" json:"product_id"`
	Color     string `gorm:"size:32;not null;uniqueIndex:idx_assignment_unit" json:"color"`
	Size      string `gorm:"size:16;not null;uniqueIndex:idx_assignment_unit" json:"size"`
	UnitIndex int    `gorm:"not null;uniqueIndex:idx_assignment_unit" json:"unit_index"`

	TrackingIdentity string `gorm:"size:160;not null;index" json:"tracking_identity"`

	// snapshot at assignment time
	CustomerID      uint            `gorm:"not null" json:"customer_id"`
	CustomerName    string          `gorm:"size:128" json:"customer_name"`
	CustomerPhone   string          `gorm:"size:32" json:"customer_phone"`
	CustomerAddress string          `gorm:"size:512" json:"customer_address"`
	OrderStatus     Status          `gorm:"size:16;not null" json:"order_status"`
	ProductName     string          `gorm:"size:128" json:"product_name"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"unit_price"`
}

func (AssignmentEntry) TableName() string { return "assignment_entries" }

func (e AssignmentEntry) Key() Identity {
	return Identity{
		CustomerID: e.CustomerID,
		OrderID:    e.OrderID,
		ProductID:  e.ProductID,
		Color:      e.Color,
		Size:       e.Size,
		UnitIndex:  e.UnitIndex,
	}
}
