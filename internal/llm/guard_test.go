package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proposal-insights/backend/internal/catalog"
)

func defaultFunctions(t *testing.T) []catalog.FunctionSpec {
	t.Helper()
	reg, err := catalog.Default()
	require.NoError(t, err)
	return reg.Functions
}

var guardToday = time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)

func TestPreserveIntentKeepsAllButOneFilter(t *testing.T) {
	fb := ErrorFeedback{
		PreviousFunction: "get_projects",
		PreviousArgs: map[string]any{
			"state":    "California",
			"category": "Transportation",
			"status":   "Won",
		},
		ErrorType: FeedbackNoResults,
	}
	// The model dropped every filter but one.
	corrected := Classification{FunctionName: "get_projects", Arguments: map[string]any{"state": "California"}}

	out := PreserveIntent(guardToday, "won transportation projects in California", defaultFunctions(t), fb, corrected)

	assert.Equal(t, map[string]any{"state": "California", "status": "Won"}, out.Arguments)
	assert.Len(t, corrected.Arguments, 1, "input classification must not be mutated")

	kept := 0
	for name := range fb.PreviousArgs {
		if _, ok := out.Arguments[name]; ok {
			kept++
		}
	}
	assert.GreaterOrEqual(t, kept, 2)
}

func TestPreserveIntentRelaxesContactLast(t *testing.T) {
	fb := ErrorFeedback{
		PreviousFunction: "get_projects",
		PreviousArgs: map[string]any{
			"point_of_contact": "Maria Lopez",
			"state":            "Nevada",
			"min_fee":          float64(1000000),
		},
		ErrorType: FeedbackNoResults,
	}
	corrected := Classification{FunctionName: "get_projects", Arguments: map[string]any{}}

	out := PreserveIntent(guardToday, "Maria Lopez projects in Nevada over 1 million", defaultFunctions(t), fb, corrected)

	// Hinted columns are relaxed before plain filters, the contact never.
	assert.Equal(t, map[string]any{"point_of_contact": "Maria Lopez", "min_fee": float64(1000000)}, out.Arguments)
}

func TestPreserveIntentRestoresExplicitDates(t *testing.T) {
	fb := ErrorFeedback{
		PreviousFunction: "get_projects",
		PreviousArgs: map[string]any{
			"category":   "Water",
			"start_date": "2026-01-01",
			"end_date":   "2026-12-31",
		},
		ErrorType: FeedbackNoResults,
	}
	corrected := Classification{FunctionName: "get_projects", Arguments: map[string]any{
		"start_date": "2025-01-01",
		"end_date":   "2026-12-31",
	}}

	out := PreserveIntent(guardToday, "water projects this year", defaultFunctions(t), fb, corrected)

	assert.Equal(t, map[string]any{"start_date": "2026-01-01", "end_date": "2026-12-31"}, out.Arguments)
}

func TestPreserveIntentLeavesDatesWithoutTimePhrase(t *testing.T) {
	fb := ErrorFeedback{
		PreviousFunction: "get_projects",
		PreviousArgs:     map[string]any{"start_date": "2024-01-01"},
		ErrorType:        FeedbackClassificationError,
	}
	corrected := Classification{FunctionName: "get_projects", Arguments: map[string]any{"state": "Ohio"}}

	out := PreserveIntent(guardToday, "projects in Ohio", defaultFunctions(t), fb, corrected)

	assert.Equal(t, map[string]any{"state": "Ohio"}, out.Arguments)
}

func TestPreserveIntentSnapsToHints(t *testing.T) {
	fb := ErrorFeedback{
		PreviousFunction: "get_projects",
		PreviousArgs:     map[string]any{"state": "Califrnia", "status": "winning"},
		ErrorType:        FeedbackNoResults,
		DatabaseHints: map[string][]string{
			"state":  {"California", "Colorado", "Nevada"},
			"status": {"Won", "Lost", "Pending"},
		},
	}
	corrected := Classification{FunctionName: "get_projects", Arguments: map[string]any{
		"state":  "Califrnia",
		"status": "pend",
	}}

	out := PreserveIntent(guardToday, "pending projects in Califrnia", defaultFunctions(t), fb, corrected)

	assert.Equal(t, "California", out.Arguments["state"])
	assert.Equal(t, "Pending", out.Arguments["status"])
}

func TestPreserveIntentPassesFailuresThrough(t *testing.T) {
	failed := Classification{FunctionName: catalog.NoneFunction, Error: ErrorRateLimit, Arguments: map[string]any{}}
	out := PreserveIntent(guardToday, "anything", defaultFunctions(t), ErrorFeedback{}, failed)
	assert.Equal(t, failed, out)
}

func TestClosestValue(t *testing.T) {
	valid := []string{"Transportation", "Water Resources", "Buildings"}

	assert.Equal(t, "Buildings", closestValue("BUILDINGS", valid))
	assert.Equal(t, "Water Resources", closestValue("water", valid))
	assert.Equal(t, "Transportation", closestValue("transport", valid))
	assert.Equal(t, "Buildings", closestValue("bilding", valid))
}

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 0, editDistance("won", "won"))
	assert.Equal(t, 3, editDistance("kitten", "sitting"))
	assert.Equal(t, 4, editDistance("", "lost"))
}
