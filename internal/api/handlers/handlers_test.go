package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/ingestion"
	"github.com/proposal-insights/backend/internal/llm"
	"github.com/proposal-insights/backend/internal/query"
	"github.com/proposal-insights/backend/internal/rag"
	"github.com/proposal-insights/backend/internal/sizing"
	"github.com/proposal-insights/backend/internal/storage/models"
)

func doJSON(t *testing.T, app *fiber.App, method, target, body string) (*http.Response, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

type stubEngine struct {
	resp *query.Response
	got  query.Request
}

func (s *stubEngine) ProcessQuery(_ context.Context, req query.Request) (*query.Response, error) {
	s.got = req
	if strings.TrimSpace(req.Question) == "" {
		return nil, query.ErrEmptyQuestion
	}
	return s.resp, nil
}

type stubHistory struct {
	limit int
}

func (s *stubHistory) RecentClassifications(_ context.Context, limit int) ([]models.ClassificationRecord, error) {
	s.limit = limit
	return nil, nil
}

func TestQueryHandler(t *testing.T) {
	engine := &stubEngine{resp: &query.Response{ID: "abc", FunctionName: "get_projects"}}
	history := &stubHistory{}
	h := NewQueryHandler(engine, history)

	app := fiber.New()
	app.Post("/query", h.HandleQuery)
	app.Get("/query/history", h.GetQueryHistory)

	resp, body := doJSON(t, app, http.MethodPost, "/query", `{"question":"projects in texas","top_k":3}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "get_projects", body["function_name"])
	assert.Equal(t, 3, engine.got.TopK)

	resp, body = doJSON(t, app, http.MethodPost, "/query", `{"question":"  "}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Question is required", body["error"])

	engine.resp = &query.Response{Error: "rate_limit", RetryAfter: 4.2}
	resp, _ = doJSON(t, app, http.MethodPost, "/query", `{"question":"largest projects"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get(fiber.HeaderRetryAfter))

	resp, body = doJSON(t, app, http.MethodGet, "/query/history?limit=7", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 7, history.limit)
	assert.Equal(t, 0.0, body["count"])

	resp, _ = doJSON(t, app, http.MethodGet, "/query/history?limit=0", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

type stubClassifier struct {
	cls       llm.Classification
	functions int
	feedback  llm.ErrorFeedback
}

func (s *stubClassifier) Classify(_ context.Context, req llm.ClassificationRequest) llm.Classification {
	s.functions = len(req.Functions)
	return s.cls
}

func (s *stubClassifier) ReclassifyWithFeedback(_ context.Context, _ string, functions []catalog.FunctionSpec, fb llm.ErrorFeedback) llm.Classification {
	s.functions = len(functions)
	s.feedback = fb
	return s.cls
}

type stubRetriever struct{}

func (stubRetriever) RetrieveContext(context.Context, string, int) *rag.RAGContext {
	return &rag.RAGContext{Functions: []string{"get_projects"}, Confidence: 0.5}
}

func TestClassifyHandler(t *testing.T) {
	reg, err := catalog.Default()
	require.NoError(t, err)

	classifier := &stubClassifier{cls: llm.Classification{FunctionName: "get_projects", Arguments: map[string]any{"state": "Texas"}}}
	h := NewClassifyHandler(reg, classifier, stubRetriever{})

	app := fiber.New()
	app.Post("/classify", h.Classify)
	app.Post("/reclassify", h.Reclassify)
	app.Post("/context", h.RetrieveContext)

	resp, body := doJSON(t, app, http.MethodPost, "/classify", `{"question":"projects in texas","use_context":true}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, len(reg.Functions), classifier.functions)
	assert.NotNil(t, body["context"])

	resp, _ = doJSON(t, app, http.MethodPost, "/classify", `{"question":"projects","functions":["get_deals"]}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/reclassify",
		`{"question":"projects in cali","functions":["get_projects"],"feedback":{"previous_function":"get_projects","error_type":"no_results"}}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, classifier.functions)
	assert.Equal(t, llm.FeedbackNoResults, classifier.feedback.ErrorType)

	resp, _ = doJSON(t, app, http.MethodPost, "/reclassify", `{"question":"q","feedback":{"error_type":"oops"}}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	classifier.cls = llm.Classification{FunctionName: catalog.NoneFunction, Error: llm.ErrorRateLimit, RetryAfter: 30}
	resp, _ = doJSON(t, app, http.MethodPost, "/classify", `{"question":"projects in texas"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get(fiber.HeaderRetryAfter))

	resp, body = doJSON(t, app, http.MethodPost, "/context", `{"question":"projects in texas"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["size"])
}

func TestParseHandler(t *testing.T) {
	h := NewParseHandler(func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) })
	app := fiber.New()
	app.Post("/parse", h.Parse)

	resp, body := doJSON(t, app, http.MethodPost, "/parse", `{"text":"top 5 mega projects in Q4 2024"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "2025-06-01", body["today"])
	assert.Equal(t, map[string]any{"start_date": "2024-10-01", "end_date": "2024-12-31"}, body["time_range"])
	assert.Equal(t, 5.0, body["limit"])
	assert.Equal(t, "Mega", body["tier"])

	resp, body = doJSON(t, app, http.MethodPost, "/parse", `{"text":"between 1 and 5 million"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"min": 1e6, "max": 5e6}, body["range"])

	resp, _ = doJSON(t, app, http.MethodPost, "/parse", `{"text":"this year","today":"06/01/2025"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

type stubPercentiles struct {
	refresh bool
}

func (s *stubPercentiles) CalculatePercentiles(_ context.Context, forceRefresh bool, table string) (*sizing.PercentileData, error) {
	s.refresh = forceRefresh
	if table == "bad;table" {
		return nil, sizing.ErrInvalidIdentifier
	}
	return &sizing.PercentileData{P20: 1, P40: 2, P60: 3, P80: 4}, nil
}

func (s *stubPercentiles) GetSizeCategory(fee float64) sizing.Tier {
	if fee >= 1e6 {
		return sizing.Large
	}
	return sizing.Small
}

func TestSizingHandler(t *testing.T) {
	calc := &stubPercentiles{}
	h := NewSizingHandler(calc)
	app := fiber.New()
	app.Get("/sizing/percentiles", h.GetPercentiles)
	app.Get("/sizing/category", h.GetCategory)

	resp, _ := doJSON(t, app, http.MethodGet, "/sizing/percentiles?refresh=true", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, calc.refresh)

	resp, _ = doJSON(t, app, http.MethodGet, "/sizing/percentiles?table=bad;table", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body := doJSON(t, app, http.MethodGet, "/sizing/category?fee=2.5%20million", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.5e6, body["fee"])
	assert.Equal(t, "Large", body["tier"])

	resp, _ = doJSON(t, app, http.MethodGet, "/sizing/category?fee=lots", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

type stubProcessor struct {
	cleared bool
}

func (s *stubProcessor) SyncCatalog(_ context.Context, clear bool) (*ingestion.SyncResult, error) {
	s.cleared = clear
	return &ingestion.SyncResult{Documents: 3, Upserted: 3}, nil
}

func (s *stubProcessor) IngestDataDictionary(_ context.Context, _ string, html string) (*ingestion.SyncResult, error) {
	if !strings.Contains(html, "<table") {
		return nil, ingestion.ErrNoSchemaFacts
	}
	return &ingestion.SyncResult{Documents: 1, Upserted: 1}, nil
}

type countingInvalidator struct {
	calls int
}

func (c *countingInvalidator) InvalidateClassifications(context.Context) error {
	c.calls++
	return nil
}

func TestDocumentHandler(t *testing.T) {
	proc := &stubProcessor{}
	cache := &countingInvalidator{}
	h := NewDocumentHandler(proc, cache)
	app := fiber.New()
	app.Post("/documents/sync", h.SyncDocuments)
	app.Post("/documents/dictionary", h.UploadDataDictionary)

	resp, _ := doJSON(t, app, http.MethodPost, "/documents/sync", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.False(t, proc.cleared)

	resp, _ = doJSON(t, app, http.MethodPost, "/documents/sync", `{"clear":true}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, proc.cleared)

	resp, _ = doJSON(t, app, http.MethodPost, "/documents/dictionary", `{"source":"dd.html","html_content":"<p>nothing</p>"}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/documents/dictionary", `{"source":"dd.html","html_content":"<table></table>"}`)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/documents/dictionary", `{"source":""}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 3, cache.calls)
}

type fixedGate struct{}

func (fixedGate) IsBusy() bool                     { return true }
func (fixedGate) Queued() int                      { return 2 }
func (fixedGate) Active() int                      { return 3 }
func (fixedGate) EstimatedWaitTime() time.Duration { return 1500 * time.Millisecond }

type fixedCredentials struct{}

func (fixedCredentials) CredentialStatus() []llm.CredentialStatus {
	return []llm.CredentialStatus{{Name: "primary", Active: true}}
}

func TestStatusHandler(t *testing.T) {
	app := fiber.New()
	app.Get("/status", NewStatusHandler(fixedGate{}, fixedCredentials{}).GetStatus)

	resp, body := doJSON(t, app, http.MethodGet, "/status", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["busy"])
	assert.Equal(t, 2.0, body["queued"])
	assert.Equal(t, 1.5, body["estimated_wait_seconds"])
	assert.Len(t, body["credentials"], 1)
}
