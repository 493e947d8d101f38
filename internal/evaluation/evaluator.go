package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/llm"
	"github.com/proposal-insights/backend/internal/storage/models"
	"github.com/proposal-insights/backend/pkg/logger"
)

var ErrEmptyDataset = errors.New("evaluation dataset is empty")

type Classifier interface {
	Classify(ctx context.Context, req llm.ClassificationRequest) llm.Classification
}

type ResultStore interface {
	InsertEvaluationResult(ctx context.Context, res *models.EvaluationResult) error
}

// Evaluator replays labelled questions through the classifier and scores
// function choice and argument recall.
type Evaluator struct {
	registry   *catalog.Registry
	classifier Classifier
	store      ResultStore
	now        func() time.Time
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

type DatasetItem struct {
	Question  string         `json:"question"`
	Function  string         `json:"function_name"`
	Arguments map[string]any `json:"arguments"`
	Category  string         `json:"category,omitempty"`
}

type CategoryStats struct {
	Total   int `json:"total"`
	Matches int `json:"matches"`
}

type Report struct {
	RunID             string                    `json:"run_id"`
	TotalQuestions    int                       `json:"total_questions"`
	FunctionMatches   int                       `json:"function_matches"`
	FunctionAccuracy  float64                   `json:"function_accuracy"`
	AvgArgumentRecall float64                   `json:"avg_argument_recall"`
	RateLimited       int                       `json:"rate_limited"`
	Errors            int                       `json:"errors"`
	AvgLatencyMS      float64                   `json:"avg_latency_ms"`
	ByCategory        map[string]CategoryStats  `json:"by_category"`
	Results           []models.EvaluationResult `json:"results"`
}

// NewEvaluator builds an evaluator; store may be nil to skip persistence.
func NewEvaluator(registry *catalog.Registry, classifier Classifier, store ResultStore) *Evaluator {
	return &Evaluator{
		registry:   registry,
		classifier: classifier,
		store:      store,
		now:        time.Now,
	}
}

// DatasetFromExamples turns the catalog's worked examples into a dataset.
func DatasetFromExamples(reg *catalog.Registry) *Dataset {
	ds := &Dataset{}
	for _, ex := range reg.Examples {
		category := "none"
		if fn, err := reg.Function(ex.Function); err == nil {
			category = fn.Category
		}
		ds.Items = append(ds.Items, DatasetItem{
			Question:  ex.Question,
			Function:  ex.Function,
			Arguments: ex.Arguments,
			Category:  category,
		})
	}
	return ds
}

func LoadDatasetFromJSON(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	return &dataset, nil
}

// EvaluateItem classifies one question without retrieval context, so the
// score reflects the catalog and prompt alone.
func (e *Evaluator) EvaluateItem(ctx context.Context, runID string, item DatasetItem) *models.EvaluationResult {
	start := e.now()
	cls := e.classifier.Classify(ctx, llm.ClassificationRequest{
		Question:  item.Question,
		Functions: e.registry.Functions,
		Examples:  e.holdOut(item.Question),
	})

	actual := cls.FunctionName
	if actual == "" {
		actual = catalog.NoneFunction
	}

	res := &models.EvaluationResult{
		RunID:            runID,
		Question:         item.Question,
		ExpectedFunction: item.Function,
		ActualFunction:   actual,
		FunctionMatch:    actual == item.Function,
		ErrorType:        string(cls.Error),
		LatencyMS:        int(e.now().Sub(start).Milliseconds()),
		CreatedAt:        e.now(),
	}
	if res.FunctionMatch {
		spec, _ := e.registry.Function(item.Function)
		res.ArgumentRecall = ArgumentRecall(spec, item.Arguments, cls.Arguments)
	}

	logger.Debug("Question evaluated",
		zap.String("question", item.Question),
		zap.String("expected", item.Function),
		zap.String("actual", actual),
		zap.Float64("argument_recall", res.ArgumentRecall),
	)
	return res
}

// holdOut removes the question under test from the few-shot examples.
func (e *Evaluator) holdOut(question string) []catalog.Example {
	examples := make([]catalog.Example, 0, len(e.registry.Examples))
	for _, ex := range e.registry.Examples {
		if !strings.EqualFold(ex.Question, question) {
			examples = append(examples, ex)
		}
	}
	return examples
}

func (e *Evaluator) RunDatasetEvaluation(ctx context.Context, dataset *Dataset) (*Report, error) {
	if dataset == nil || len(dataset.Items) == 0 {
		return nil, ErrEmptyDataset
	}

	report := &Report{
		RunID:          uuid.New().String(),
		TotalQuestions: len(dataset.Items),
		ByCategory:     make(map[string]CategoryStats),
	}
	logger.Info("Running dataset evaluation",
		zap.String("run_id", report.RunID),
		zap.Int("items", len(dataset.Items)),
	)

	var totalRecall, totalLatency float64
	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Info("Evaluating item", zap.Int("index", i+1), zap.Int("total", len(dataset.Items)))

		res := e.EvaluateItem(ctx, report.RunID, item)
		report.Results = append(report.Results, *res)

		switch llm.ErrorKind(res.ErrorType) {
		case "":
		case llm.ErrorRateLimit:
			report.RateLimited++
		default:
			report.Errors++
		}

		stats := report.ByCategory[item.Category]
		stats.Total++
		if res.FunctionMatch {
			report.FunctionMatches++
			stats.Matches++
		}
		report.ByCategory[item.Category] = stats

		totalRecall += res.ArgumentRecall
		totalLatency += float64(res.LatencyMS)

		if e.store != nil {
			if err := e.store.InsertEvaluationResult(ctx, res); err != nil {
				logger.Warn("Failed to store evaluation result", zap.Error(err))
			}
		}
	}

	n := float64(report.TotalQuestions)
	report.FunctionAccuracy = float64(report.FunctionMatches) / n
	report.AvgArgumentRecall = totalRecall / n
	report.AvgLatencyMS = totalLatency / n

	logger.Info("Dataset evaluation completed",
		zap.String("run_id", report.RunID),
		zap.Int("total", report.TotalQuestions),
		zap.Float64("function_accuracy", report.FunctionAccuracy),
		zap.Float64("argument_recall", report.AvgArgumentRecall),
		zap.Int("rate_limited", report.RateLimited),
	)

	return report, nil
}

// ArgumentRecall is the share of expected arguments the classification
// reproduced. Names are matched through parameter aliases and values compare
// case-insensitively, numbers numerically. No expected arguments scores 1.
func ArgumentRecall(spec catalog.FunctionSpec, expected, actual map[string]any) float64 {
	if len(expected) == 0 {
		return 1
	}

	canonical := make(map[string]any, len(actual))
	for name, v := range actual {
		if c, ok := spec.ResolveAlias(name); ok {
			name = c
		}
		canonical[name] = v
	}

	hits := 0
	for name, want := range expected {
		got, ok := canonical[name]
		if !ok {
			if c, found := spec.ResolveAlias(name); found {
				got, ok = canonical[c]
			}
		}
		if ok && sameValue(want, got) {
			hits++
		}
	}
	return float64(hits) / float64(len(expected))
}

func sameValue(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && math.Abs(fa-fb) < 1e-9
	}
	return strings.EqualFold(strings.TrimSpace(fmt.Sprint(a)), strings.TrimSpace(fmt.Sprint(b)))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func GenerateReport(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
Evaluation Report
=================

Run: %s
Total Questions: %d

Function Accuracy: %.1f%% (%d/%d)
Average Argument Recall: %.2f
Rate Limited: %d
Errors: %d
Average Latency: %.0f ms

By Category:
`,
		report.RunID,
		report.TotalQuestions,
		report.FunctionAccuracy*100, report.FunctionMatches, report.TotalQuestions,
		report.AvgArgumentRecall,
		report.RateLimited,
		report.Errors,
		report.AvgLatencyMS,
	)

	categories := make([]string, 0, len(report.ByCategory))
	for c := range report.ByCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		s := report.ByCategory[c]
		fmt.Fprintf(&b, "- %s: %d/%d\n", c, s.Matches, s.Total)
	}
	return b.String()
}
