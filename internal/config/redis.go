package config

// Redis backs the request rate limiter and the per-event in-flight lock.
// Both degrade gracefully when Redis is unreachable: the limiter lets
// requests through and the lock becomes a no-op, leaving correctness to the
// database constraints.

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewRedisClient builds a client from the REDIS_* settings and pings it with
// a short timeout. It returns nil when the server cannot be reached so
// callers can disable the features that depend on it.
func NewRedisClient(cfg *Config) *redis.Client {
	if cfg == nil || cfg.RedisAddr == "" {
		return nil
	}
	var tlsConf *tls.Config
	if cfg.RedisTLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		TLSConfig: tlsConf,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable; rate limiting and event locks disabled")
		_ = client.Close()
		return nil
	}
	return client
}
