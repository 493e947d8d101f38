package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/pkg/circuitbreaker"
	"github.com/proposal-insights/backend/pkg/logger"
	"github.com/proposal-insights/backend/pkg/retry"
)

const embeddingBatchSize = 100

type embeddingCreator interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

type EmbedderConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// Embedder turns text into fixed-length vectors. Calls bypass the
// concurrency gate and are guarded by a circuit breaker instead.
type Embedder struct {
	client      embeddingCreator
	model       string
	dimensions  int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: embedding API key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	e := newEmbedder(openai.NewClientWithConfig(oc), cfg)

	logger.Info("Embedder initialized",
		zap.String("model", e.model),
		zap.Int("dimensions", e.dimensions),
	)

	return e, nil
}

func newEmbedder(client embeddingCreator, cfg EmbedderConfig) *Embedder {
	if cfg.Model == "" {
		cfg.Model = string(openai.LargeEmbedding3)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 3072
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Embedder{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		timeout:    cfg.Timeout,
		cb: circuitbreaker.NewCircuitBreaker("embeddings", circuitbreaker.Config{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			HalfOpenProbes:   2,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			RetryIf: func(err error) bool {
				return isRateLimit(err) || isTransient(err)
			},
			Logger: logger.GetLogger(),
		},
	}
}

func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.create(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in request batches of 100, preserving order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += embeddingBatchSize {
		end := min(i+embeddingBatchSize, len(texts))
		vectors, err := e.create(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to generate batch embeddings: %w", err)
		}
		out = append(out, vectors...)
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(out)))
	return out, nil
}

func (e *Embedder) create(ctx context.Context, input []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	return circuitbreaker.ExecuteWithResult(ctx, e.cb, func() ([][]float32, error) {
		return retry.DoWithResult(ctx, e.retryConfig, func() ([][]float32, error) {
			resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input:      input,
				Model:      openai.EmbeddingModel(e.model),
				Dimensions: e.dimensions,
			})
			if err != nil {
				return nil, err
			}
			if len(resp.Data) != len(input) {
				return nil, fmt.Errorf("%w: %d embeddings for %d inputs", ErrMalformedResponse, len(resp.Data), len(input))
			}

			vectors := make([][]float32, len(input))
			for _, d := range resp.Data {
				if d.Index < 0 || d.Index >= len(input) {
					return nil, fmt.Errorf("%w: embedding index %d out of range", ErrMalformedResponse, d.Index)
				}
				if len(d.Embedding) != e.dimensions {
					return nil, fmt.Errorf("%w: embedding has %d dimensions, want %d", ErrMalformedResponse, len(d.Embedding), e.dimensions)
				}
				vectors[d.Index] = d.Embedding
			}
			return vectors, nil
		})
	})
}
