package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/sizing"
	"github.com/proposal-insights/backend/pkg/logger"
)

const (
	embeddingPrefix      = "embedding:"
	percentilePrefix     = "percentiles:"
	classificationPrefix = "classification:"
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	if err := c.setJSON(ctx, embeddingPrefix+textHash, embedding, ttl); err != nil {
		return err
	}
	logger.Debug("Embedding cached", zap.String("text_hash", textHash))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	var embedding []float32
	found, err := c.getJSON(ctx, embeddingPrefix+textHash, &embedding)
	if err != nil || !found {
		return nil, false, err
	}
	logger.Debug("Embedding cache hit", zap.String("text_hash", textHash))
	return embedding, true, nil
}

func (c *Client) SetPercentiles(ctx context.Context, table string, data *sizing.PercentileData, ttl time.Duration) error {
	if err := c.setJSON(ctx, percentilePrefix+table, data, ttl); err != nil {
		return err
	}
	logger.Debug("Percentiles cached", zap.String("table", table), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetPercentiles(ctx context.Context, table string) (*sizing.PercentileData, bool, error) {
	var data sizing.PercentileData
	found, err := c.getJSON(ctx, percentilePrefix+table, &data)
	if err != nil || !found {
		return nil, false, err
	}
	return &data, true, nil
}

// SetClassification caches a first-pass classification under a key that
// already folds in the reference date.
func (c *Client) SetClassification(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := c.setJSON(ctx, classificationPrefix+key, value, ttl); err != nil {
		return err
	}
	logger.Debug("Classification cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetClassification(ctx context.Context, key string, out any) (bool, error) {
	found, err := c.getJSON(ctx, classificationPrefix+key, out)
	if found {
		logger.Debug("Classification cache hit", zap.String("key", key))
	}
	return found, err
}

// InvalidateClassifications drops every cached classification, used after
// the catalog changes.
func (c *Client) InvalidateClassifications(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, classificationPrefix+"*", 0).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Classification cache invalidated", zap.Int("deleted", deleted))
	return nil
}
