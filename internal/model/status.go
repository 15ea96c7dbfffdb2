package model

import (
	"database/sql/driver"
	"fmt"
)

// Status is the fulfillment stage of a tracking token, and by aggregation of
// an order. The declaration order of the ranked stages is their precedence.
type Status int

const (
	StatusPending Status = iota
	StatusPacked
	StatusShipped
	StatusReceived
	StatusDelivered
	// StatusCancelled is outside the ranked stages and never wins an
	// aggregation while any ranked unit remains.
	StatusCancelled
)

var statusNames = [...]string{
	StatusPending:   "pending",
	StatusPacked:    "packed",
	StatusShipped:   "shipped",
	StatusReceived:  "received",
	StatusDelivered: "delivered",
	StatusCancelled: "cancelled",
}

// ParseStatus 将外部字符串解析为状态值。
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return StatusPending, fmt.Errorf("unknown status %q", s)
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusCancelled
}

// Ranked reports whether s takes part in precedence ordering.
func (s Status) Ranked() bool {
	return s >= StatusPending && s <= StatusDelivered
}

// Assignable reports whether units of an order in status s may be handed to a
// delivery agent: only at or past shipped.
func (s Status) Assignable() bool {
	return s.Ranked() && s >= StatusShipped
}

// Aggregate folds per-unit statuses into an order status: the least advanced
// ranked unit wins. Cancelled units are ignored unless every unit is
// cancelled. An order without units is pending.
func Aggregate(statuses []Status) Status {
	agg, seen, cancelled := StatusDelivered, false, 0
	for _, s := range statuses {
		if !s.Ranked() {
			cancelled++
			continue
		}
		if !seen || s < agg {
			agg, seen = s, true
		}
	}
	if !seen {
		if cancelled > 0 {
			return StatusCancelled
		}
		return StatusPending
	}
	return agg
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value stores the status by name so the column stays readable.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return s.String(), nil
}

func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case nil:
		*s = StatusPending
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Status", src)
	}
}

// GormDataType 让迁移按字符串列建表。
func (Status) GormDataType() string { return "string" }
