package rag

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/metrics"
	"github.com/proposal-insights/backend/pkg/logger"
	"github.com/proposal-insights/backend/pkg/utils"
)

type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// CachingEmbedder memoises question embeddings in an external cache. Cache
// failures are logged and never fail the embedding itself.
type CachingEmbedder struct {
	next  Embedder
	cache EmbeddingCache
	ttl   time.Duration
}

func NewCachingEmbedder(next Embedder, cache EmbeddingCache, ttl time.Duration) *CachingEmbedder {
	return &CachingEmbedder{next: next, cache: cache, ttl: ttl}
}

func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)

	vector, found, err := c.cache.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	}
	if found {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return vector, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	vector, err = c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetEmbedding(ctx, key, vector, c.ttl); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vector, nil
}

// EmbedBatch is used for ingestion only and is not cached.
func (c *CachingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.EmbedBatch(ctx, texts)
}
