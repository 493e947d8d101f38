package milvus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/rag"
	"github.com/proposal-insights/backend/pkg/circuitbreaker"
	"github.com/proposal-insights/backend/pkg/logger"
)

const (
	fieldID        = "doc_id"
	fieldEmbedding = "embedding"
	fieldType      = "doc_type"
	fieldCategory  = "category"
	fieldAtomic    = "atomic"
	fieldComplete  = "complete"
	fieldContent   = "content"
	fieldKey       = "doc_key"

	maxContentLen = 8192

	// searchFilter restricts results to self-contained documents.
	searchFilter = fieldAtomic + " == true && " + fieldComplete + " == true"
)

var outputFields = []string{fieldID, fieldType, fieldCategory, fieldAtomic, fieldComplete, fieldContent, fieldKey}

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

// Client stores context documents in a cosine-similarity collection.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
		zap.Int("dim", cfg.VectorDim),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			HalfOpenProbes:   1,
			Logger:           logger.GetLogger(),
		}),
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) schema() *entity.Schema {
	varchar := func(name string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}

	id := varchar(fieldID, 64)
	id.PrimaryKey = true

	return &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Query interpretation context documents",
		Fields: []*entity.Field{
			id,
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(m.vectorDim)},
			},
			varchar(fieldType, 32),
			varchar(fieldCategory, 64),
			{Name: fieldAtomic, DataType: entity.FieldTypeBool},
			{Name: fieldComplete, DataType: entity.FieldTypeBool},
			varchar(fieldContent, maxContentLen),
			varchar(fieldKey, 512),
		},
	}
}

// EnsureCollection creates and loads the collection with a cosine HNSW
// index when it does not exist yet.
func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		if err := m.client.CreateCollection(ctx, m.schema(), entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := m.client.CreateIndex(ctx, m.collectionName, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", m.collectionName))
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func (m *Client) Upsert(ctx context.Context, docs []rag.Document, vectors [][]float32) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) != len(vectors) {
		return fmt.Errorf("upsert: %d documents but %d vectors", len(docs), len(vectors))
	}

	ids := make([]string, len(docs))
	types := make([]string, len(docs))
	categories := make([]string, len(docs))
	atomic := make([]bool, len(docs))
	complete := make([]bool, len(docs))
	contents := make([]string, len(docs))
	keys := make([]string, len(docs))

	for i, d := range docs {
		if len(vectors[i]) != m.vectorDim {
			return fmt.Errorf("upsert: document %s has %d dimensions, want %d", d.ID, len(vectors[i]), m.vectorDim)
		}
		ids[i] = d.ID
		types[i] = string(d.Type)
		categories[i] = d.Category
		atomic[i] = d.Atomic
		complete[i] = d.Complete
		contents[i] = clip(d.Content, maxContentLen)
		keys[i] = clip(d.Key, 512)
	}

	err := m.cb.Execute(ctx, func() error {
		_, err := m.client.Upsert(
			ctx,
			m.collectionName,
			"",
			entity.NewColumnVarChar(fieldID, ids),
			entity.NewColumnFloatVector(fieldEmbedding, m.vectorDim, vectors),
			entity.NewColumnVarChar(fieldType, types),
			entity.NewColumnVarChar(fieldCategory, categories),
			entity.NewColumnBool(fieldAtomic, atomic),
			entity.NewColumnBool(fieldComplete, complete),
			entity.NewColumnVarChar(fieldContent, contents),
			entity.NewColumnVarChar(fieldKey, keys),
		)
		if err != nil {
			return err
		}
		return m.client.Flush(ctx, m.collectionName, false)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}

	logger.Debug("Documents upserted into vector index", zap.Int("count", len(docs)))
	return nil
}

func (m *Client) Search(ctx context.Context, vector []float32, topK int) ([]rag.Match, error) {
	sp, err := entity.NewIndexHNSWSearchParam(max(64, topK))
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	var results []client.SearchResult
	err = m.cb.Execute(ctx, func() error {
		var err error
		results, err = m.client.Search(
			ctx,
			m.collectionName,
			[]string{},
			searchFilter,
			outputFields,
			[]entity.Vector{entity.FloatVector(vector)},
			fieldEmbedding,
			entity.COSINE,
			topK,
			sp,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var matches []rag.Match
	for _, sr := range results {
		if sr.Err != nil {
			return nil, fmt.Errorf("failed to search: %w", sr.Err)
		}
		decoded, err := decodeMatches(sr.Fields, sr.Scores, sr.ResultCount)
		if err != nil {
			return nil, err
		}
		matches = append(matches, decoded...)
	}

	logger.Debug("Vector search completed",
		zap.Int("top_k", topK),
		zap.Int("results", len(matches)),
	)
	return matches, nil
}

// Clear drops every document by recreating the collection. A missing
// collection is not an error.
func (m *Client) Clear(ctx context.Context) error {
	err := m.client.DropCollection(ctx, m.collectionName)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	logger.Info("Collection dropped", zap.String("collection", m.collectionName))
	return m.EnsureCollection(ctx)
}

type columnSource interface {
	GetColumn(name string) entity.Column
}

func decodeMatches(fields columnSource, scores []float32, count int) ([]rag.Match, error) {
	matches := make([]rag.Match, 0, count)
	for i := 0; i < count; i++ {
		var d rag.Document
		var err error

		if d.ID, err = stringAt(fields, fieldID, i); err != nil {
			return nil, err
		}
		typ, err := stringAt(fields, fieldType, i)
		if err != nil {
			return nil, err
		}
		d.Type = rag.DocType(typ)
		if d.Category, err = stringAt(fields, fieldCategory, i); err != nil {
			return nil, err
		}
		if d.Content, err = stringAt(fields, fieldContent, i); err != nil {
			return nil, err
		}
		if d.Key, err = stringAt(fields, fieldKey, i); err != nil {
			return nil, err
		}
		if d.Atomic, err = boolAt(fields, fieldAtomic, i); err != nil {
			return nil, err
		}
		if d.Complete, err = boolAt(fields, fieldComplete, i); err != nil {
			return nil, err
		}

		var score float64
		if i < len(scores) {
			score = float64(scores[i])
		}
		matches = append(matches, rag.Match{Document: d, Score: score})
	}
	return matches, nil
}

func stringAt(fields columnSource, name string, i int) (string, error) {
	col := fields.GetColumn(name)
	if col == nil {
		return "", fmt.Errorf("search result missing field %s", name)
	}
	v, err := col.Get(i)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s has type %T", name, v)
	}
	return s, nil
}

func boolAt(fields columnSource, name string, i int) (bool, error) {
	col := fields.GetColumn(name)
	if col == nil {
		return false, fmt.Errorf("search result missing field %s", name)
	}
	v, err := col.Get(i)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %s has type %T", name, v)
	}
	return b, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "not exist") ||
		strings.Contains(msg, "can't find")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// back off to a rune boundary
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
