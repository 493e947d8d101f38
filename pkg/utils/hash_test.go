package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStableID(t *testing.T) {
	assert.Equal(t, StableID("function", "get_projects"), StableID(" Function ", "GET_PROJECTS"))
	assert.NotEqual(t, StableID("function", "get_projects"), StableID("parameter", "get_projects"))
	assert.Len(t, HashString("abc"), 32)
}
