package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proposal-insights/backend/internal/catalog"
)

const testTierExpr = "CASE WHEN fee < 100 THEN 'Micro' ELSE 'Mega' END"

func testFunction(t *testing.T, name string) catalog.FunctionSpec {
	t.Helper()
	reg, err := catalog.Default()
	require.NoError(t, err)
	fn, err := reg.Function(name)
	require.NoError(t, err)
	return fn
}

func TestBuildQueryListing(t *testing.T) {
	fn := testFunction(t, "get_projects")

	q, err := BuildQuery(fn, map[string]any{
		"state":          "California",
		"start_date":     "2024-10-01",
		"end_date":       "2024-12-31",
		"time_reference": "Q4 2024",
	}, testTierExpr)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT project_number, title, client, city, state, category, status, fee, point_of_contact, award_date, due_date"+
			" FROM projects WHERE award_date <= ? AND award_date >= ? AND LOWER(state) = LOWER(?)"+
			" ORDER BY award_date DESC LIMIT ?",
		q.SQL)
	assert.Equal(t, []any{"2024-12-31", "2024-10-01", "California", MaxRows}, q.Args)
}

func TestBuildQueryOperators(t *testing.T) {
	fn := testFunction(t, "get_projects")

	tests := []struct {
		name     string
		args     map[string]any
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "like lowercases and wraps",
			args:     map[string]any{"client": "Caltrans"},
			wantSQL:  "LOWER(client) LIKE ?",
			wantArgs: []any{"%caltrans%", MaxRows},
		},
		{
			name:     "numeric bounds accept formatted strings",
			args:     map[string]any{"min_fee": "1,000,000", "max_fee": 5e6},
			wantSQL:  "CAST(fee AS REAL) <= ? AND CAST(fee AS REAL) >= ?",
			wantArgs: []any{5e6, 1e6, MaxRows},
		},
		{
			name:     "tier filter uses the case expression",
			args:     map[string]any{"size_tier": "mega"},
			wantSQL:  "(" + testTierExpr + ") = ?",
			wantArgs: []any{"Mega", MaxRows},
		},
		{
			name:     "explicit limit replaces the cap",
			args:     map[string]any{"limit": 10},
			wantSQL:  "ORDER BY award_date DESC LIMIT ?",
			wantArgs: []any{10},
		},
		{
			name:     "aliases resolve to canonical parameters",
			args:     map[string]any{"poc": "Lopez"},
			wantSQL:  "LOWER(point_of_contact) LIKE ?",
			wantArgs: []any{"%lopez%", MaxRows},
		},
		{
			name:     "blank values are skipped",
			args:     map[string]any{"state": "  ", "city": nil},
			wantSQL:  "FROM projects ORDER BY",
			wantArgs: []any{MaxRows},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := BuildQuery(fn, tt.args, testTierExpr)
			require.NoError(t, err)
			assert.Contains(t, q.SQL, tt.wantSQL)
			assert.Equal(t, tt.wantArgs, q.Args)
		})
	}
}

func TestBuildQueryRejectsBadInput(t *testing.T) {
	fn := testFunction(t, "get_projects")

	tests := []struct {
		name    string
		args    map[string]any
		tier    string
		wantErr error
	}{
		{"unknown parameter", map[string]any{"colour": "red"}, testTierExpr, ErrUnknownParameter},
		{"non-numeric fee", map[string]any{"min_fee": "lots"}, testTierExpr, ErrInvalidValue},
		{"unknown tier", map[string]any{"size_tier": "Gigantic"}, testTierExpr, ErrInvalidValue},
		{"zero limit", map[string]any{"limit": 0}, testTierExpr, ErrInvalidValue},
		{"tier without expression", map[string]any{"size_tier": "Small"}, "", ErrUnsupportedOperator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildQuery(fn, tt.args, tt.tier)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuildQueryGrouped(t *testing.T) {
	byStatus := testFunction(t, "summarize_projects_by_status")
	q, err := BuildQuery(byStatus, map[string]any{"state": "Texas"}, testTierExpr)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT status, COUNT(*) AS project_count, SUM(CAST(fee AS REAL)) AS total_fee FROM projects"+
			" WHERE LOWER(state) = LOWER(?) GROUP BY status ORDER BY project_count DESC",
		q.SQL)
	assert.Equal(t, []any{"Texas"}, q.Args)

	bySize := testFunction(t, "summarize_projects_by_size")
	q, err = BuildQuery(bySize, nil, testTierExpr)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT "+testTierExpr+" AS size_tier, COUNT(*) AS project_count, SUM(CAST(fee AS REAL)) AS total_fee"+
			" FROM projects GROUP BY size_tier ORDER BY project_count DESC",
		q.SQL)
	assert.Empty(t, q.Args)

	_, err = BuildQuery(bySize, nil, "")
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestBuildQueryRejectsUnsafeIdentifiers(t *testing.T) {
	fn := catalog.FunctionSpec{Name: "bad", Table: "projects; DROP TABLE projects"}
	_, err := BuildQuery(fn, nil, "")
	require.Error(t, err)

	fn = catalog.FunctionSpec{
		Name:  "bad_column",
		Table: "projects",
		Parameters: []catalog.Parameter{
			{Name: "x", Column: "state OR 1=1", Operator: catalog.OpEq},
		},
	}
	_, err = BuildQuery(fn, map[string]any{"x": "y"}, "")
	require.Error(t, err)
}
