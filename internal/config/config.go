// internal/config/config.go
package config

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds every environment-driven setting used by the relay and the client.
type Config struct {
	// Port the relay listens on.
	Port string
	// RelayURL is the base URL clients use for RPC and websocket calls.
	RelayURL string

	// RedisAddr enables the redis action log and pub/sub fan-out when non-empty.
	RedisAddr string
	RedisDB   int
	// NatsURL enables NATS fan-out when non-empty.
	NatsURL string
	// DatabaseURL enables the postgres archive when non-empty.
	DatabaseURL string

	// TokenExpire is the JWT lifetime; 0 means tokens never expire.
	TokenExpire time.Duration

	PollInterval time.Duration
	PollCeiling  time.Duration
	// RoomTTL is how long an idle room survives before it is garbage-collected.
	RoomTTL time.Duration

	LogLevel string
	Metrics  bool
}

// Load reads configuration from the environment, falling back to defaults.
// Keys are the upper-case names of the fields, e.g. POLL_INTERVAL=2s.
func Load() *Config {
	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("relay_url", "http://localhost:8080")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("nats_url", "")
	v.SetDefault("database_url", "")
	v.SetDefault("token_expire_time", "0")
	v.SetDefault("poll_interval", "2s")
	v.SetDefault("poll_ceiling", "60s")
	v.SetDefault("room_ttl", "30m")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics", false)
	v.AutomaticEnv()

	return &Config{
		Port:         v.GetString("port"),
		RelayURL:     strings.TrimRight(v.GetString("relay_url"), "/"),
		RedisAddr:    v.GetString("redis_addr"),
		RedisDB:      v.GetInt("redis_db"),
		NatsURL:      v.GetString("nats_url"),
		DatabaseURL:  v.GetString("database_url"),
		TokenExpire:  parseDuration(v.GetString("token_expire_time"), 0),
		PollInterval: parseDuration(v.GetString("poll_interval"), 2*time.Second),
		PollCeiling:  parseDuration(v.GetString("poll_ceiling"), 60*time.Second),
		RoomTTL:      parseDuration(v.GetString("room_ttl"), 30*time.Minute),
		LogLevel:     v.GetString("log_level"),
		Metrics:      v.GetBool("metrics"),
	}
}

// NewLogger builds the process logger at the configured level.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// parseDuration accepts Go durations plus "never" for zero; anything
// unparsable falls back to def.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if s == "never" || s == "0" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
