package milvus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proposal-insights/backend/internal/rag"
)

type columns []entity.Column

func (c columns) GetColumn(name string) entity.Column {
	for _, col := range c {
		if col.Name() == name {
			return col
		}
	}
	return nil
}

func TestDecodeMatches(t *testing.T) {
	fields := columns{
		entity.NewColumnVarChar(fieldID, []string{"a1", "b2"}),
		entity.NewColumnVarChar(fieldType, []string{"function", "schema"}),
		entity.NewColumnVarChar(fieldCategory, []string{"listing", "schema"}),
		entity.NewColumnBool(fieldAtomic, []bool{true, true}),
		entity.NewColumnBool(fieldComplete, []bool{true, true}),
		entity.NewColumnVarChar(fieldContent, []string{"Function get_projects", "Column projects.state"}),
		entity.NewColumnVarChar(fieldKey, []string{"get_projects", "projects.state"}),
	}

	matches, err := decodeMatches(fields, []float32{0.91, 0.5}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, rag.DocFunction, matches[0].Type)
	assert.Equal(t, "a1", matches[0].ID)
	assert.Equal(t, "Function get_projects", matches[0].Content)
	assert.True(t, matches[0].Atomic)
	assert.InDelta(t, 0.91, matches[0].Score, 1e-6)

	assert.Equal(t, rag.DocSchema, matches[1].Type)
	assert.Equal(t, "projects.state", matches[1].Key)
}

func TestDecodeMatchesMissingField(t *testing.T) {
	fields := columns{entity.NewColumnVarChar(fieldID, []string{"a1"})}

	_, err := decodeMatches(fields, []float32{0.9}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fieldType)
}

func TestSearchFilterRequiresAtomicAndComplete(t *testing.T) {
	assert.Equal(t, "atomic == true && complete == true", searchFilter)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(errors.New("collection not found[collection=query_context]")))
	assert.True(t, isNotFound(fmt.Errorf("drop: %w", errors.New("can't find collection"))))
	assert.False(t, isNotFound(errors.New("connection refused")))
	assert.False(t, isNotFound(context.DeadlineExceeded))
	assert.False(t, isNotFound(nil))
}

func TestClipKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abc", clip("abcdef", 3))
	// "é" is two bytes; cutting inside it backs off.
	assert.Equal(t, "caf", clip("café", 4))
}

func TestSchemaUsesConfiguredDimension(t *testing.T) {
	m := &Client{collectionName: "query_context", vectorDim: 3072}
	s := m.schema()

	require.NotEmpty(t, s.Fields)
	assert.True(t, s.Fields[0].PrimaryKey)
	assert.Equal(t, fieldID, s.Fields[0].Name)
	assert.Equal(t, "3072", s.Fields[1].TypeParams["dim"])
	assert.Equal(t, entity.FieldTypeBool, s.Fields[4].DataType)
}
