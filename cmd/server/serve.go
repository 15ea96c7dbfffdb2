package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fulfillment/internal/artifact"
	"fulfillment/internal/config"
	"fulfillment/internal/fulfillment"
	"fulfillment/internal/middleware"
	"fulfillment/internal/notify"
	"fulfillment/internal/payment"
	"fulfillment/internal/queue"
	"fulfillment/internal/render"
	"fulfillment/internal/router"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	rd "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := openDB(cfg); err != nil {
			return err
		}
		log.Info().Str("driver", cfg.Database.Driver).Msg("migration complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}

	hub := notify.NewHub(cfg.Events.Buffer)
	var bus notify.Bus = hub
	var rdb *rd.Client
	if cfg.Redis.Enabled {
		rdb = newRedis(cfg.Redis)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "ping redis")
		}
		// 多实例部署时事件经 Redis 频道广播，本实例的 hub 只接收转发
		redisBus := notify.NewRedisBus(rdb, cfg.Events.Channel, cfg.Events.Stream, cfg.Events.StreamMax)
		bus = redisBus
		go func() {
			if err := redisBus.Forward(ctx, hub); err != nil {
				log.Error().Err(err).Msg("event forwarder stopped")
			}
		}()
	}

	svc, cleanup, err := buildService(ctx, cfg, db, bus)
	if err != nil {
		return err
	}
	defer cleanup()

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())
	router.Setup(r, router.Deps{
		Service:    svc,
		Hub:        hub,
		Redis:      rdb,
		RateLimit:  cfg.RateLimit.Limit,
		RateWindow: cfg.RateLimit.Window,
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildService 组装领域服务；Kafka 未启用时补铸失败只记录日志。
func buildService(ctx context.Context, cfg config.AppConfig, db *gorm.DB, bus notify.Bus) (*fulfillment.Service, func(), error) {
	arts, err := artifact.New(ctx, cfg.Tokens)
	if err != nil {
		return nil, nil, errors.Wrap(err, "init artifact store")
	}

	cleanup := func() {}
	var retry fulfillment.RetryQueue
	if cfg.Kafka.Enabled {
		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.RetryTopic)
		retry = queue.NewMintQueue(producer)
		cleanup = func() {
			if err := producer.Close(); err != nil {
				log.Warn().Err(err).Msg("close retry producer")
			}
		}
	}

	svc := fulfillment.New(fulfillment.Deps{
		DB:        db,
		Verifier:  payment.NewVerifier(cfg.Payment.KeySecret),
		Gateway:   payment.NewRazorpayClient(cfg.Payment.BaseURL, cfg.Payment.KeyID, cfg.Payment.KeySecret, cfg.Payment.Timeout),
		Renderer:  render.NewCode128(),
		Artifacts: arts,
		Bus:       bus,
		Retry:     retry,
	}, fulfillment.Options{
		Currency:        cfg.Payment.Currency,
		RenderAttempts:  cfg.Tokens.RenderAttempts,
		MintConcurrency: cfg.Tokens.MintConcurrency,
	})
	return svc, cleanup, nil
}
