package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	rd "github.com/redis/go-redis/v9"
)

// RedisBus publishes on a pub/sub channel, which every instance forwards to
// its local Hub, and appends to a stream that the relay drains into Kafka.
type RedisBus struct {
	rdb     *rd.Client
	channel string
	stream  string
	maxLen  int64
}

func NewRedisBus(rdb *rd.Client, channel, stream string, maxLen int64) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, stream: stream, maxLen: maxLen}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Name, err)
	}
	pipe := b.rdb.TxPipeline()
	pipe.Publish(ctx, b.channel, data)
	pipe.XAdd(ctx, &rd.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: b.maxLen > 0,
		Values: map[string]any{"name": ev.Name, "event": string(data)},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Name, err)
	}
	return nil
}

// Forward copies channel messages into hub until ctx is done.
func (b *RedisBus) Forward(ctx context.Context, hub *Hub) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("drop malformed event")
				continue
			}
			_ = hub.Publish(ctx, ev)
		}
	}
}
