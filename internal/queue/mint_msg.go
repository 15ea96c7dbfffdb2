package queue

import (
	"fmt"
	"strconv"
	"time"

	"fulfillment/internal/model"
)

// MintRetryMessage asks a worker to re-mint the tokens of a paid order.
type MintRetryMessage struct {
	OrderID            uint      `json:"order_id"`
	TrackingIdentities []string  `json:"tracking_identities"`
	Attempt            int       `json:"attempt"`
	EnqueuedAt         time.Time `json:"enqueued_at"`
}

// Key 以订单号作为 Kafka key。
func (m MintRetryMessage) Key() string {
	return strconv.FormatUint(uint64(m.OrderID), 10)
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m MintRetryMessage) Validate() error {
	if m.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	if m.Attempt <= 0 {
		return fmt.Errorf("attempt must be > 0")
	}
	for _, id := range m.TrackingIdentities {
		parsed, err := model.ParseIdentity(id)
		if err != nil {
			return err
		}
		if parsed.OrderID != m.OrderID {
			return fmt.Errorf("identity %s does not belong to order %d", id, m.OrderID)
		}
	}
	return nil
}
