package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/llm"
	"github.com/proposal-insights/backend/internal/storage/models"
)

type scriptedClassifier struct {
	answers  map[string]llm.Classification
	examples map[string]int
}

func (s *scriptedClassifier) Classify(_ context.Context, req llm.ClassificationRequest) llm.Classification {
	if s.examples == nil {
		s.examples = map[string]int{}
	}
	s.examples[req.Question] = len(req.Examples)
	if cls, ok := s.answers[req.Question]; ok {
		return cls
	}
	return llm.Classification{FunctionName: catalog.NoneFunction, Arguments: map[string]any{}}
}

type memoryStore struct {
	results []models.EvaluationResult
}

func (m *memoryStore) InsertEvaluationResult(_ context.Context, res *models.EvaluationResult) error {
	m.results = append(m.results, *res)
	return nil
}

func TestRunDatasetEvaluation(t *testing.T) {
	reg, err := catalog.Default()
	require.NoError(t, err)

	classifier := &scriptedClassifier{answers: map[string]llm.Classification{
		"projects in California in Q4 2024": {
			FunctionName: "get_projects",
			Arguments:    map[string]any{"location": "california", "start_date": "2024-10-01"},
		},
		"top 10 largest transportation projects": {
			FunctionName: "get_largest_projects",
			Arguments:    map[string]any{"top": 10.0, "category": "Transportation"},
		},
		"proposals due in the next 30 days": {
			FunctionName: catalog.NoneFunction,
			Error:        llm.ErrorRateLimit,
			RetryAfter:   5,
		},
	}}
	store := &memoryStore{}

	ev := NewEvaluator(reg, classifier, store)
	ds := DatasetFromExamples(reg)
	report, err := ev.RunDatasetEvaluation(context.Background(), ds)
	require.NoError(t, err)

	// Two scripted matches plus the weather question, which expects none.
	assert.Equal(t, len(reg.Examples), report.TotalQuestions)
	assert.Equal(t, 3, report.FunctionMatches)
	assert.Equal(t, 1, report.RateLimited)
	assert.Zero(t, report.Errors)
	assert.InDelta(t, 3.0/float64(len(reg.Examples)), report.FunctionAccuracy, 1e-9)

	byQuestion := map[string]models.EvaluationResult{}
	for _, r := range report.Results {
		byQuestion[r.Question] = r
	}
	assert.InDelta(t, 2.0/3.0, byQuestion["projects in California in Q4 2024"].ArgumentRecall, 1e-9)
	assert.Equal(t, 1.0, byQuestion["top 10 largest transportation projects"].ArgumentRecall)
	assert.Equal(t, 1.0, byQuestion["what is the weather tomorrow"].ArgumentRecall)
	assert.Equal(t, CategoryStats{Total: 1, Matches: 1}, report.ByCategory["ranking"])
	assert.Equal(t, CategoryStats{Total: 2, Matches: 1}, report.ByCategory["listing"])

	assert.Len(t, store.results, len(reg.Examples))
	assert.Equal(t, report.RunID, store.results[0].RunID)

	for q, n := range classifier.examples {
		assert.Equal(t, len(reg.Examples)-1, n, "question %q must be held out of its own prompt", q)
	}

	text := GenerateReport(report)
	assert.Contains(t, text, "Rate Limited: 1")
	assert.Contains(t, text, "- none: 1/1")
}

func TestRunDatasetEvaluationRejectsEmptyDataset(t *testing.T) {
	reg, err := catalog.Default()
	require.NoError(t, err)

	_, err = NewEvaluator(reg, &scriptedClassifier{}, nil).RunDatasetEvaluation(context.Background(), &Dataset{})
	assert.ErrorIs(t, err, ErrEmptyDataset)
}

func TestArgumentRecall(t *testing.T) {
	reg, err := catalog.Default()
	require.NoError(t, err)
	spec, err := reg.Function("get_projects")
	require.NoError(t, err)

	tests := []struct {
		name     string
		expected map[string]any
		actual   map[string]any
		want     float64
	}{
		{"nothing expected", nil, map[string]any{"state": "Texas"}, 1},
		{"case-insensitive strings", map[string]any{"state": "Texas"}, map[string]any{"state": "texas "}, 1},
		{"aliases on the actual side", map[string]any{"point_of_contact": "Ann Lee"}, map[string]any{"poc": "Ann Lee"}, 1},
		{"numbers compare numerically", map[string]any{"min_fee": 5000000}, map[string]any{"min_fee": 5e6}, 1},
		{"missing and wrong values", map[string]any{"state": "Texas", "status": "Won"}, map[string]any{"state": "Ohio"}, 0},
		{"partial", map[string]any{"state": "Texas", "status": "Won"}, map[string]any{"status": "won"}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ArgumentRecall(spec, tt.expected, tt.actual), 1e-9)
		})
	}
}

func TestLoadDatasetFromJSON(t *testing.T) {
	ds, err := LoadDatasetFromJSON([]byte(`{"items":[{"question":"q","function_name":"get_projects","arguments":{"limit":3}}]}`))
	require.NoError(t, err)
	require.Len(t, ds.Items, 1)
	assert.Equal(t, 3.0, ds.Items[0].Arguments["limit"])

	_, err = LoadDatasetFromJSON([]byte(`{`))
	require.Error(t, err)
}
