package queue

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"fulfillment/internal/fulfillment"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Minter re-runs token issuance for one order.
type Minter interface {
	RetryMint(ctx context.Context, orderID uint) ([]fulfillment.MintFailure, error)
}

const maxFetchBackoffSteps = 30

// Consumer 消费补铸消息。处理完（成功、重新入队或放弃）才提交 offset。
type Consumer struct {
	r       messageReader
	minter  Minter
	requeue *MintQueue

	maxRetries int
	backoff    time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, minter Minter, requeue *MintQueue, maxRetries int) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1e6,
		}),
		minter:     minter,
		requeue:    requeue,
		maxRetries: maxRetries,
		backoff:    time.Second,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 拉取、处理、提交，直到 ctx 取消。临时的拉取错误退避后继续；
// reader 被关闭时返回错误，让进程以非零状态退出。
func (c *Consumer) Run(ctx context.Context) error {
	failures := 0
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.Wrap(err, "retry consumer reader closed")
			}
			failures++
			wait := time.Duration(min(failures, maxFetchBackoffSteps)) * c.backoff
			log.Error().Err(err).Int("failures", failures).Dur("backoff", wait).Msg("retry consumer fetch")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		c.handle(ctx, m)
		if err := c.r.CommitMessages(ctx, m); err != nil {
			log.Error().Err(err).Int64("offset", m.Offset).Msg("retry consumer commit")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var msg MintRetryMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		log.Warn().Err(err).Int64("offset", m.Offset).Msg("drop malformed retry message")
		return
	}
	if err := msg.Validate(); err != nil {
		log.Warn().Err(err).Uint("order_id", msg.OrderID).Msg("drop invalid retry message")
		return
	}
	logger := log.With().Uint("order_id", msg.OrderID).Int("attempt", msg.Attempt).Logger()

	failed, err := c.minter.RetryMint(ctx, msg.OrderID)
	if err != nil {
		var nf *fulfillment.NotFoundError
		if errors.As(err, &nf) || errors.Is(err, fulfillment.ErrNotPaid) {
			logger.Warn().Err(err).Msg("drop retry for unknown or unpaid order")
			return
		}
		logger.Error().Err(err).Msg("token re-mint failed")
	} else if len(failed) == 0 {
		logger.Info().Msg("tokens re-minted")
		return
	}

	if msg.Attempt >= c.maxRetries {
		logger.Error().Msg("token re-mint retries exhausted")
		return
	}
	next := MintRetryMessage{
		OrderID:            msg.OrderID,
		TrackingIdentities: msg.TrackingIdentities,
		Attempt:            msg.Attempt + 1,
		EnqueuedAt:         time.Now().UTC(),
	}
	if len(failed) > 0 {
		next.TrackingIdentities = next.TrackingIdentities[:0:0]
		for _, f := range failed {
			next.TrackingIdentities = append(next.TrackingIdentities, f.TrackingIdentity)
		}
	}
	// 线性退避，避免失败消息在 topic 上空转
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(msg.Attempt) * c.backoff):
	}
	if err := c.requeue.publish(ctx, next); err != nil {
		logger.Error().Err(err).Msg("requeue token retry failed")
	}
}
