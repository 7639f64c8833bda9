package bridge

import (
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis status relay.
type RedisConfig struct {
	Addr     string // default "localhost:6379"
	Password string
	DB       int
	Prefix   string // channel prefix, default "realtime:"
	Enabled  bool
}

// DefaultRedisConfig returns a disabled relay config for a local Redis.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "realtime:",
	}
}

// RedisConfigFromEnv loads Redis settings from the environment. The relay
// is enabled when REDIS_ADDR is set or REDIS_ENABLED is true.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
		cfg.Enabled = true
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_STATUS_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Enabled = b
		}
	}
	return cfg
}

// NewClient opens a client for cfg. It does not dial until first use.
func (c *RedisConfig) NewClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}
