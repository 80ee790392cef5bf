package config

import (
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a Redis client for policy-change fanout using the
// provided configuration.
func NewRedisClient(cfg *RedisConfig) *redis.Client {
	connMaxIdleTime := ParseDuration(cfg.ConnMaxIdleTime, 30*time.Minute)
	connMaxLifetime := ParseDuration(cfg.ConnMaxLifetime, time.Hour)

	options := &redis.Options{
		Addr:         cfg.GetAddr(),
		Password:     cfg.Password,
		DB:           cfg.Database,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,

		ConnMaxIdleTime: connMaxIdleTime,
		ConnMaxLifetime: connMaxLifetime,
	}

	if cfg.EnableTLS {
		options.TLSConfig = &tls.Config{
			ServerName: cfg.Host,
		}
	}

	return redis.NewClient(options)
}

// NewRedisClientWithDefaults creates a Redis client with default configuration.
// Useful for testing and development environments.
func NewRedisClientWithDefaults() *redis.Client {
	return NewRedisClient(&DefaultConfig().Redis)
}
