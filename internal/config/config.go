package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 聚合运行时配置：默认值 < config.yaml < FULFILL_* 环境变量。
type AppConfig struct {
	Environment string        `mapstructure:"environment"`
	HTTP        HTTPConfig    `mapstructure:"http"`
	Database    DBConfig      `mapstructure:"database"`
	Redis       RedisConfig   `mapstructure:"redis"`
	Kafka       KafkaConfig   `mapstructure:"kafka"`
	Events      EventsConfig  `mapstructure:"events"`
	RateLimit   RateConfig    `mapstructure:"rate_limit"`
	Payment     PaymentConfig `mapstructure:"payment"`
	Tokens      TokenConfig   `mapstructure:"tokens"`
	Log         LogConfig     `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite | postgres
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Debug           bool          `mapstructure:"debug"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

// KafkaConfig: 事件转发 topic 与补铸 token 的重试 topic。
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	EventsTopic string   `mapstructure:"events_topic"`
	RetryTopic  string   `mapstructure:"retry_topic"`
	GroupID     string   `mapstructure:"group_id"`
	MaxRetries  int      `mapstructure:"max_retries"`
}

// EventsConfig names the Redis pub/sub channel and the stream used as outbox.
type EventsConfig struct {
	Channel   string `mapstructure:"channel"`
	Stream    string `mapstructure:"stream"`
	StreamMax int64  `mapstructure:"stream_max"`
	Group     string `mapstructure:"group"`
	Consumer  string `mapstructure:"consumer"`
	Buffer    int    `mapstructure:"buffer"`
}

type RateConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type PaymentConfig struct {
	KeyID     string        `mapstructure:"key_id"`
	KeySecret string        `mapstructure:"key_secret"`
	BaseURL   string        `mapstructure:"base_url"`
	Currency  string        `mapstructure:"currency"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type TokenConfig struct {
	Backend         string `mapstructure:"backend"` // local | s3
	Dir             string `mapstructure:"dir"`
	PublicPrefix    string `mapstructure:"public_prefix"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	RenderAttempts  int    `mapstructure:"render_attempts"`
	MintConcurrency int    `mapstructure:"mint_concurrency"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// Load 读取并校验配置，缺失时使用默认值。path 为空时只读环境变量。
func Load(path string) (AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.AddConfigPath(path)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return AppConfig{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("FULFILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Kafka.Brokers = splitCSV(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "fulfillment.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.debug", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.events_topic", "fulfillment-events")
	v.SetDefault("kafka.retry_topic", "fulfillment-token-retries")
	v.SetDefault("kafka.group_id", "fulfillment-token-retry")
	v.SetDefault("kafka.max_retries", 5)

	v.SetDefault("events.channel", "fulfillment:events")
	v.SetDefault("events.stream", "fulfillment:event_stream")
	v.SetDefault("events.stream_max", 100000)
	v.SetDefault("events.group", "fulfillment-relay-group")
	v.SetDefault("events.consumer", "fulfillment-relay-1")
	v.SetDefault("events.buffer", 64)

	v.SetDefault("rate_limit.limit", 20)
	v.SetDefault("rate_limit.window", "1s")

	v.SetDefault("payment.key_id", "")
	v.SetDefault("payment.key_secret", "dev-payment-secret")
	v.SetDefault("payment.base_url", "https://api.razorpay.com")
	v.SetDefault("payment.currency", "INR")
	v.SetDefault("payment.timeout", "10s")

	v.SetDefault("tokens.backend", "local")
	v.SetDefault("tokens.dir", "uploads/tokens")
	v.SetDefault("tokens.public_prefix", "uploads/tokens")
	v.SetDefault("tokens.bucket", "")
	v.SetDefault("tokens.region", "us-east-1")
	v.SetDefault("tokens.endpoint", "")
	v.SetDefault("tokens.key_prefix", "tokens/")
	v.SetDefault("tokens.render_attempts", 3)
	v.SetDefault("tokens.mint_concurrency", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate rejects configurations the server cannot start with.
func (c AppConfig) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must not be empty")
		}
		if c.Kafka.EventsTopic == "" || c.Kafka.RetryTopic == "" || c.Kafka.GroupID == "" {
			return fmt.Errorf("kafka topics and group_id must not be empty")
		}
	}
	if c.Redis.Enabled && (c.Events.Channel == "" || c.Events.Stream == "") {
		return fmt.Errorf("events.channel and events.stream must not be empty")
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate_limit.limit must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be > 0")
	}
	if c.Payment.KeySecret == "" {
		return fmt.Errorf("payment.key_secret must not be empty")
	}
	switch c.Tokens.Backend {
	case "local":
		if c.Tokens.Dir == "" {
			return fmt.Errorf("tokens.dir must not be empty")
		}
	case "s3":
		if c.Tokens.Bucket == "" {
			return fmt.Errorf("tokens.bucket must not be empty")
		}
	default:
		return fmt.Errorf("tokens.backend must be local or s3, got %q", c.Tokens.Backend)
	}
	if c.Tokens.RenderAttempts <= 0 {
		return fmt.Errorf("tokens.render_attempts must be > 0")
	}
	if c.Tokens.MintConcurrency <= 0 {
		return fmt.Errorf("tokens.mint_concurrency must be > 0")
	}
	return nil
}

// splitCSV 兼容 "a,b" 形式的单个环境变量。
func splitCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
