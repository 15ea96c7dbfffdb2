package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IdentityDelimiter joins the six identity fields.
const IdentityDelimiter = "-"

// Identity is the composite key of one physical unit. Its encoded form is
// printed on the unit's barcode.
type Identity struct {
	CustomerID uint   `json:"customer_id"`
	OrderID    uint   `json:"order_id"`
	ProductID  uint   `json:"product_id"`
	Color      string `json:"color"`
	Size       string `json:"size"`
	UnitIndex  int    `json:"unit_index"`
}

// ValidateFragment checks a color or size value before it is embedded in an
// identity. Values must be printable ASCII so the barcode can carry them.
func ValidateFragment(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if strings.Contains(v, IdentityDelimiter) {
		return fmt.Errorf("%s %q must not contain %q", field, v, IdentityDelimiter)
	}
	if strings.Contains(v, "/") {
		return fmt.Errorf("%s %q must not contain '/'", field, v)
	}
	// Code128 只能编码 ASCII；空白也会打断条码下方的文字行
	for _, r := range v {
		if r < 0x21 || r > 0x7e {
			return fmt.Errorf("%s %q must be printable ASCII without spaces", field, v)
		}
	}
	return nil
}

func (id Identity) Validate() error {
	if id.CustomerID == 0 || id.OrderID == 0 || id.ProductID == 0 {
		return fmt.Errorf("customer, order and product ids are required")
	}
	if err := ValidateFragment("color", id.Color); err != nil {
		return err
	}
	if err := ValidateFragment("size", id.Size); err != nil {
		return err
	}
	if id.UnitIndex < 1 {
		return fmt.Errorf("unit index must be >= 1")
	}
	return nil
}

// Encode renders customerId-orderId-productId-color-size-unitIndex.
func (id Identity) Encode() string {
	return strings.Join([]string{
		strconv.FormatUint(uint64(id.CustomerID), 10),
		strconv.FormatUint(uint64(id.OrderID), 10),
		strconv.FormatUint(uint64(id.ProductID), 10),
		id.Color,
		id.Size,
		strconv.Itoa(id.UnitIndex),
	}, IdentityDelimiter)
}

func (id Identity) String() string { return id.Encode() }

// Variant returns the inventory variant the unit was drawn from.
func (id Identity) Variant() VariantKey {
	return VariantKey{ProductID: id.ProductID, Color: id.Color, Size: id.Size}
}

// ParseIdentity is the inverse of Encode.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.Split(s, IdentityDelimiter)
	if len(parts) != 6 {
		return Identity{}, fmt.Errorf("identity %q: want 6 fields, got %d", s, len(parts))
	}
	ids := make([]uint, 3)
	for i := 0; i < 3; i++ {
		n, err := strconv.ParseUint(parts[i], 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("identity %q: field %d: %w", s, i+1, err)
		}
		ids[i] = uint(n)
	}
	idx, err := strconv.Atoi(parts[5])
	if err != nil {
		return Identity{}, fmt.Errorf("identity %q: unit index: %w", s, err)
	}
	id := Identity{
		CustomerID: ids[0],
		OrderID:    ids[1],
		ProductID:  ids[2],
		Color:      parts[3],
		Size:       parts[4],
		UnitIndex:  idx,
	}
	if err := id.Validate(); err != nil {
		return Identity{}, fmt.Errorf("identity %q: %w", s, err)
	}
	return id, nil
}

// TrackingToken 每件实物一行，身份不可变，只有 Status 会被扫描更新。
type TrackingToken struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Identity   string `gorm:"size:160;uniqueIndex;not null" json:"tracking_identity"`
	OrderID    uint   `gorm:"not null;index" json:"order_id"`
	CustomerID uint   `gorm:"not null;index" json:"customer_id"`
	ProductID  uint   `gorm:"not null" json:"product_id"`
	Color      string `gorm:"size:32;not null" json:"color"`
	Size       string `gorm:"size:16;not null" json:"size"`
	UnitIndex  int    `gorm:"not null" json:"unit_index"`
	ImagePath  string `gorm:"size:255" json:"image_path"`
	Status     Status `gorm:"size:16;not null;index" json:"status"`
}

func (TrackingToken) TableName() string { return "tracking_tokens" }

func (t TrackingToken) Key() Identity {
	return Identity{
		CustomerID: t.CustomerID,
		OrderID:    t.OrderID,
		ProductID:  t.ProductID,
		Color:      t.Color,
		Size:       t.Size,
		UnitIndex:  t.UnitIndex,
	}
}
