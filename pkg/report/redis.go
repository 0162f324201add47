package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sriram-PR/frontier-crawler/pkg/config"
)

type statusClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisSink stores the latest snapshot as JSON under prefix+execution ID
type RedisSink struct {
	client statusClient
	prefix string
	ttl    time.Duration
}

// NewRedisSink connects lazily to the configured Redis server
func NewRedisSink(cfg config.RedisReportConfig) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
	}
}

// NewRedisSinkWithClient builds a sink on a custom client (tests)
func NewRedisSinkWithClient(client statusClient, prefix string, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the Redis key holding executionID's status
func (s *RedisSink) Key(executionID string) string {
	return s.prefix + executionID
}

func (s *RedisSink) Report(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.Key(snap.ExecutionID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.Key(snap.ExecutionID), err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
