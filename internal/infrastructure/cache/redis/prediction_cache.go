package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
)

// Client abstracts the Redis operations used by the cache to make testing easier.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
}

// PredictionCache stores classifier output as JSON under a namespaced key.
type PredictionCache struct {
	client Client
	prefix string
	ttl    time.Duration
}

// Open parses a redis:// URL and verifies connectivity.
func Open(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func NewPredictionCache(client Client, ttl time.Duration) *PredictionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PredictionCache{client: client, prefix: "predictions:", ttl: ttl}
}

func (c *PredictionCache) Get(ctx context.Context, key string) ([]domain.Prediction, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var predictions []domain.Prediction
	if err := json.Unmarshal([]byte(raw), &predictions); err != nil {
		return nil, false, fmt.Errorf("decode cached predictions: %w", err)
	}
	return predictions, true, nil
}

func (c *PredictionCache) Set(ctx context.Context, key string, predictions []domain.Prediction) error {
	if predictions == nil {
		predictions = []domain.Prediction{}
	}
	payload, err := json.Marshal(predictions)
	if err != nil {
		return fmt.Errorf("encode predictions: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
