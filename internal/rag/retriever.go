package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/metrics"
	"github.com/proposal-insights/backend/pkg/logger"
)

const (
	DefaultTopK      = 5
	DefaultBatchSize = 100
)

type Config struct {
	TopK      int
	BatchSize int
}

type Retriever struct {
	embedder  Embedder
	index     Index
	topK      int
	batchSize int
}

func NewRetriever(embedder Embedder, index Index, cfg Config) (*Retriever, error) {
	if embedder == nil || index == nil {
		return nil, errors.New("rag: embedder and index are required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	logger.Info("Context retriever initialized",
		zap.Int("top_k", cfg.TopK),
		zap.Int("batch_size", cfg.BatchSize),
	)

	return &Retriever{
		embedder:  embedder,
		index:     index,
		topK:      cfg.TopK,
		batchSize: cfg.BatchSize,
	}, nil
}

// RetrieveContext never fails: any embedding or index error yields an empty
// context with zero confidence. topK <= 0 selects the configured default.
func (r *Retriever) RetrieveContext(ctx context.Context, question string, topK int) *RAGContext {
	if topK <= 0 {
		topK = r.topK
	}

	return bestEffort(question, func() (*RAGContext, error) {
		start := time.Now()

		vector, err := r.embedder.Embed(ctx, question)
		if err != nil {
			return nil, fmt.Errorf("failed to embed question: %w", err)
		}

		matches, err := r.index.Search(ctx, vector, topK)
		if err != nil {
			return nil, fmt.Errorf("failed to search index: %w", err)
		}

		rc := assemble(matches)
		metrics.RetrievalConfidence.Observe(rc.Confidence)
		logger.Debug("Context retrieved",
			zap.Int("matches", len(matches)),
			zap.Float64("confidence", rc.Confidence),
			zap.Duration("duration", time.Since(start)),
		)
		return rc, nil
	})
}

// bestEffort converts a failed retrieval into an empty context.
func bestEffort(question string, fn func() (*RAGContext, error)) *RAGContext {
	rc, err := fn()
	if err != nil {
		metrics.RetrievalDegraded.Inc()
		logger.Warn("Context retrieval degraded to empty context",
			zap.String("question", question),
			zap.Error(err),
		)
		return emptyContext()
	}
	return rc
}

func assemble(matches []Match) *RAGContext {
	rc := emptyContext()
	if len(matches) == 0 {
		return rc
	}

	var total float64
	for _, m := range matches {
		total += m.Score
		switch m.Type {
		case DocFunction:
			rc.Functions = append(rc.Functions, m.Content)
		case DocSchema:
			rc.Schemas = append(rc.Schemas, m.Content)
		case DocExample:
			rc.Examples = append(rc.Examples, m.Content)
		case DocParameter:
			rc.Parameters = append(rc.Parameters, m.Content)
		}
	}
	rc.Confidence = clamp01(total / float64(len(matches)))
	return rc
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// UpsertDocuments embeds each document's content and writes it to the index
// in batches. Re-running with the same documents overwrites by id.
func (r *Retriever) UpsertDocuments(ctx context.Context, docs []Document) (int, error) {
	written := 0
	for i := 0; i < len(docs); i += r.batchSize {
		batch := docs[i:min(i+r.batchSize, len(docs))]

		texts := make([]string, len(batch))
		for j, d := range batch {
			texts[j] = d.Content
		}

		vectors, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return written, fmt.Errorf("failed to embed documents: %w", err)
		}
		if len(vectors) != len(batch) {
			return written, fmt.Errorf("failed to embed documents: got %d vectors for %d documents", len(vectors), len(batch))
		}

		if err := r.index.Upsert(ctx, batch, vectors); err != nil {
			return written, fmt.Errorf("failed to upsert documents: %w", err)
		}

		for _, d := range batch {
			metrics.DocumentsUpserted.WithLabelValues(string(d.Type)).Inc()
		}
		written += len(batch)

		logger.Debug("Document batch upserted",
			zap.Int("batch_start", i),
			zap.Int("batch_size", len(batch)),
		)
	}

	logger.Info("Documents upserted", zap.Int("count", written))
	return written, nil
}

func (r *Retriever) Clear(ctx context.Context) error {
	if err := r.index.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}
	logger.Info("Context index cleared")
	return nil
}
