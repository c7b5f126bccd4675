package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	base "github.com/McodesM/Trade-Approval-Process/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Name        string `mapstructure:"name"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	SSLMode     string `mapstructure:"sslmode"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// DSN renders a postgres:// URL accepted by both pgxpool and golang-migrate.
func (d DBConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   "/" + d.Name,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

type KafkaTopics struct {
	Lifecycle            string `mapstructure:"lifecycle"`
	BookingConfirmations string `mapstructure:"booking_confirmations"`
	DeadLetter           string `mapstructure:"dead_letter"`
}

type KafkaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	Topics        KafkaTopics   `mapstructure:"topics"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
	Backend string        `mapstructure:"backend"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig        `mapstructure:"db"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	JWTSecret string          `mapstructure:"jwt_secret"`
}

func Load(path string) (*Config, error) {
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	appCfg, err := base.Unmarshal(v)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.App = *appCfg

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.DB.Port <= 0 {
		return fmt.Errorf("db.port must be positive")
	}
	if c.DB.Name == "" {
		return fmt.Errorf("db.name is required")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Lifecycle == "" || c.Kafka.Topics.BookingConfirmations == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive")
		}
		switch c.RateLimit.Backend {
		case "memory":
		case "redis":
			if c.RateLimit.Redis.Addr == "" {
				return fmt.Errorf("rate_limit.redis.addr required for redis backend")
			}
		default:
			return fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("jwt_secret", "")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "trades")
	v.SetDefault("db.user", "trades")
	v.SetDefault("db.password", "trades")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.auto_migrate", true)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "trades-service")
	v.SetDefault("kafka.topics.lifecycle", "trades.lifecycle")
	v.SetDefault("kafka.topics.booking_confirmations", "trades.booking_confirmations")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("kafka.retry_attempts", 3)
	v.SetDefault("kafka.retry_backoff", "200ms")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 60)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.redis.addr", "")
	v.SetDefault("rate_limit.redis.password", "")
	v.SetDefault("rate_limit.redis.db", 0)
	v.SetDefault("rate_limit.redis.prefix", "trades:rl:")
}
