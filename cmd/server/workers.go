package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"fulfillment/internal/notify"
	"fulfillment/internal/queue"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Forward the Redis event stream to Kafka",
	RunE:  runRelay,
}

var retryWorkerCmd = &cobra.Command{
	Use:   "retry-worker",
	Short: "Consume failed token mints and re-run them",
	RunE:  runRetryWorker,
}

func init() {
	rootCmd.AddCommand(relayCmd, retryWorkerCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled || !cfg.Kafka.Enabled {
		return errors.New("relay requires redis.enabled and kafka.enabled")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := newRedis(cfg.Redis)
	defer rdb.Close()
	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
	defer producer.Close()

	log.Info().Str("stream", cfg.Events.Stream).Str("topic", cfg.Kafka.EventsTopic).Msg("event relay started")
	queue.NewRelay(rdb, producer, cfg.Events.Stream, cfg.Events.Group, cfg.Events.Consumer).Run(ctx)
	return nil
}

func runRetryWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Kafka.Enabled {
		return errors.New("retry-worker requires kafka.enabled")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	var bus notify.Bus = notify.Discard{}
	if cfg.Redis.Enabled {
		rdb := newRedis(cfg.Redis)
		defer rdb.Close()
		bus = notify.NewRedisBus(rdb, cfg.Events.Channel, cfg.Events.Stream, cfg.Events.StreamMax)
	}
	svc, cleanup, err := buildService(ctx, cfg, db, bus)
	if err != nil {
		return err
	}
	defer cleanup()

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.RetryTopic)
	defer producer.Close()
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.RetryTopic, cfg.Kafka.GroupID,
		svc, queue.NewMintQueue(producer), cfg.Kafka.MaxRetries)
	defer consumer.Close()

	log.Info().Str("topic", cfg.Kafka.RetryTopic).Msg("token retry worker started")
	return consumer.Run(ctx)
}
