package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "COLLABHUB"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultRedisAddr   = "127.0.0.1:6379"
	defaultBusDriver   = "redis"
	defaultNATSURL     = "nats://127.0.0.1:4222"
	defaultDBPath      = "collabhub.db"
	defaultLogLevel    = "info"
)

// RateRule is one row of the limiter configuration table.
type RateRule struct {
	MaxMessages int
	Window      time.Duration
	Block       time.Duration
}

// AppConfig captures runtime configuration for the collaboration hub.
type AppConfig struct {
	HTTPAddress   string
	NodeID        int64
	SigningSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BusDriver string // "redis" or "nats"
	NATSURL   string

	DatabasePath string
	LogLevel     string

	SessionTTL       time.Duration
	CacheTTL         time.Duration
	QueueMaxAttempts int
	QueueBackoff     time.Duration
	QueueTick        time.Duration
	JobTimeout       time.Duration
	StaleSweep       time.Duration
	LimiterGC        time.Duration

	SendQueueSize int

	RateLimit map[string]RateRule // message type -> rule
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("node.id", 1)
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("bus.driver", defaultBusDriver)
	v.SetDefault("bus.nats_url", defaultNATSURL)
	v.SetDefault("database.path", defaultDBPath)
	v.SetDefault("log.level", defaultLogLevel)

	v.SetDefault("session.ttl_sec", 300)
	v.SetDefault("cache.ttl_sec", 3600)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_ms", 5000)
	v.SetDefault("queue.tick_ms", 1000)
	v.SetDefault("queue.job_timeout_ms", 30000)
	v.SetDefault("presence.stale_sweep_ms", 600000)
	v.SetDefault("ratelimit.gc_ms", 300000)
	v.SetDefault("ws.send_queue", 256)

	v.SetDefault("ratelimit.crdt.max", 50)
	v.SetDefault("ratelimit.crdt.window_ms", 1000)
	v.SetDefault("ratelimit.crdt.block_ms", 5000)
	v.SetDefault("ratelimit.awareness.max", 30)
	v.SetDefault("ratelimit.awareness.window_ms", 1000)
	v.SetDefault("ratelimit.awareness.block_ms", 3000)
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   v.GetString("http.address"),
		NodeID:        v.GetInt64("node.id"),
		SigningSecret: v.GetString("auth.signing_secret"),

		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),

		BusDriver: v.GetString("bus.driver"),
		NATSURL:   v.GetString("bus.nats_url"),

		DatabasePath: v.GetString("database.path"),
		LogLevel:     v.GetString("log.level"),

		SessionTTL:       time.Duration(v.GetInt("session.ttl_sec")) * time.Second,
		CacheTTL:         time.Duration(v.GetInt("cache.ttl_sec")) * time.Second,
		QueueMaxAttempts: v.GetInt("queue.max_attempts"),
		QueueBackoff:     time.Duration(v.GetInt("queue.backoff_ms")) * time.Millisecond,
		QueueTick:        time.Duration(v.GetInt("queue.tick_ms")) * time.Millisecond,
		JobTimeout:       time.Duration(v.GetInt("queue.job_timeout_ms")) * time.Millisecond,
		StaleSweep:       time.Duration(v.GetInt("presence.stale_sweep_ms")) * time.Millisecond,
		LimiterGC:        time.Duration(v.GetInt("ratelimit.gc_ms")) * time.Millisecond,

		SendQueueSize: v.GetInt("ws.send_queue"),

		RateLimit: map[string]RateRule{
			"crdt-update": {
				MaxMessages: v.GetInt("ratelimit.crdt.max"),
				Window:      time.Duration(v.GetInt("ratelimit.crdt.window_ms")) * time.Millisecond,
				Block:       time.Duration(v.GetInt("ratelimit.crdt.block_ms")) * time.Millisecond,
			},
			"awareness-update": {
				MaxMessages: v.GetInt("ratelimit.awareness.max"),
				Window:      time.Duration(v.GetInt("ratelimit.awareness.window_ms")) * time.Millisecond,
				Block:       time.Duration(v.GetInt("ratelimit.awareness.block_ms")) * time.Millisecond,
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.BusDriver {
	case "redis", "nats":
	default:
		return fmt.Errorf("bus.driver must be redis or nats, got %q", c.BusDriver)
	}
	if c.BusDriver == "nats" && strings.TrimSpace(c.NATSURL) == "" {
		return fmt.Errorf("bus.nats_url is required for the nats driver")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	return nil
}
