package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	assert.Contains(t, r.Names(), "get_projects")
	assert.NotEmpty(t, r.Schema)
	assert.NotEmpty(t, r.Examples)

	fn, err := r.Function("get_projects")
	require.NoError(t, err)
	assert.Equal(t, "projects", fn.Table)

	p, ok := fn.Parameter("start_date")
	require.True(t, ok)
	assert.True(t, p.IsDate())
	assert.Equal(t, "award_date", p.Column)

	schema := fn.ParameterSchema()
	assert.Equal(t, ParamSchema{Type: "string"}, schema["state"])

	assert.Equal(t, []string{"category", "point_of_contact", "state", "status"}, r.HintColumns())
}

func TestUnknownFunction(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	_, err = r.Function("drop_everything")
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

func TestResolveAlias(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)
	fn, err := r.Function("get_projects")
	require.NoError(t, err)

	for arg, want := range map[string]string{
		"state":    "state",
		"Location": "state",
		"poc":      "point_of_contact",
		"fee_min":  "min_fee",
	} {
		got, ok := fn.ResolveAlias(arg)
		require.True(t, ok, arg)
		assert.Equal(t, want, got)
	}

	_, ok := fn.ResolveAlias("color")
	assert.False(t, ok)
}

func TestCompactTruncatesDescription(t *testing.T) {
	fn := FunctionSpec{
		Name:        "get_projects",
		Description: "List projects filtered by many things",
		Columns:     []string{"title"},
		Parameters:  []Parameter{{Name: "state", Type: "string", Column: "state", Operator: OpEq, Aliases: []string{"region"}}},
	}

	c := fn.Compact(13)
	assert.Equal(t, "List projects…", c.Description)
	assert.Empty(t, c.Columns)
	require.Len(t, c.Parameters, 1)
	assert.Empty(t, c.Parameters[0].Aliases)
	assert.Equal(t, "state", c.Parameters[0].Name)
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := map[string]string{
		"duplicate": `
functions:
  - {name: a, parameters: []}
  - {name: a, parameters: []}`,
		"operator": `
functions:
  - name: a
    parameters:
      - {name: x, column: x, operator: between}`,
		"example": `
functions:
  - {name: a, parameters: []}
examples:
  - {question: q, function: b}`,
		"sentinel": `
functions:
  - {name: none}`,
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
functions:
  - name: list_wins
    description: Won projects
    parameters:
      - {name: state, type: string, column: state, operator: eq}
`), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"list_wins"}, r.Names())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
