// Package rag retrieves grounding context for classification from a vector
// index of small, self-contained catalog documents.
package rag

import (
	"context"
)

type DocType string

const (
	DocFunction  DocType = "function"
	DocSchema    DocType = "schema"
	DocExample   DocType = "example"
	DocParameter DocType = "parameter"
)

var DocTypes = []DocType{DocFunction, DocSchema, DocExample, DocParameter}

// Document is one unit of retrievable context. Only atomic and complete
// documents are ever returned by a search.
type Document struct {
	ID       string  `json:"id"`
	Type     DocType `json:"type"`
	Category string  `json:"category"`
	Atomic   bool    `json:"atomic"`
	Complete bool    `json:"complete"`
	Content  string  `json:"content"`
	Key      string  `json:"key"`
}

type Match struct {
	Document
	Score float64 `json:"score"`
}

type RAGContext struct {
	Functions  []string `json:"functions"`
	Schemas    []string `json:"schemas"`
	Examples   []string `json:"examples"`
	Parameters []string `json:"parameters"`
	// Confidence is the mean similarity of the returned matches.
	Confidence float64 `json:"confidence"`
}

func emptyContext() *RAGContext {
	return &RAGContext{
		Functions:  []string{},
		Schemas:    []string{},
		Examples:   []string{},
		Parameters: []string{},
	}
}

func (c *RAGContext) IsEmpty() bool {
	return len(c.Functions)+len(c.Schemas)+len(c.Examples)+len(c.Parameters) == 0
}

func (c *RAGContext) Size() int {
	return len(c.Functions) + len(c.Schemas) + len(c.Examples) + len(c.Parameters)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is a cosine-similarity vector index keyed by document id.
type Index interface {
	Upsert(ctx context.Context, docs []Document, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, topK int) ([]Match, error)
	Clear(ctx context.Context) error
}
