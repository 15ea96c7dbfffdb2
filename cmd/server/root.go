package main

import (
	"os"
	"time"

	"fulfillment/internal/config"
	"fulfillment/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	rd "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:           "fulfillment",
	Short:         "Order fulfillment and delivery tracking service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", ".", "directory containing config.yaml")
}

// loadConfig 读取配置并初始化全局 logger。
func loadConfig() (config.AppConfig, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return config.AppConfig{}, errors.Wrap(err, "load config")
	}
	setupLogger(cfg.Log)
	return cfg, nil
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func openDB(cfg config.AppConfig) (*gorm.DB, error) {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := store.Migrate(db); err != nil {
		return nil, errors.Wrap(err, "migrate database")
	}
	return db, nil
}

func newRedis(cfg config.RedisConfig) *rd.Client {
	return rd.NewClient(&rd.Options{Addr: cfg.Addr, DB: cfg.DB})
}
