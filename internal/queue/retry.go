package queue

import (
	"context"
	"time"
)

// MintQueue publishes failed token mints to the retry topic.
type MintQueue struct {
	producer *Producer
}

func NewMintQueue(producer *Producer) *MintQueue {
	return &MintQueue{producer: producer}
}

func (q *MintQueue) EnqueueMint(ctx context.Context, orderID uint, failed []string) error {
	return q.publish(ctx, MintRetryMessage{
		OrderID:            orderID,
		TrackingIdentities: failed,
		Attempt:            1,
		EnqueuedAt:         time.Now().UTC(),
	})
}

func (q *MintQueue) publish(ctx context.Context, msg MintRetryMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return q.producer.Publish(ctx, msg.Key(), msg)
}
