package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/llm"
	"github.com/proposal-insights/backend/internal/metrics"
	"github.com/proposal-insights/backend/internal/parser"
	"github.com/proposal-insights/backend/internal/rag"
	"github.com/proposal-insights/backend/internal/sizing"
	"github.com/proposal-insights/backend/internal/storage/models"
	"github.com/proposal-insights/backend/internal/storage/sqlite"
	"github.com/proposal-insights/backend/pkg/logger"
	"github.com/proposal-insights/backend/pkg/utils"
)

var ErrEmptyQuestion = errors.New("question is empty")

const defaultHintLimit = 40

type Classifier interface {
	Classify(ctx context.Context, req llm.ClassificationRequest) llm.Classification
	ReclassifyWithFeedback(ctx context.Context, question string, functions []catalog.FunctionSpec, fb llm.ErrorFeedback) llm.Classification
	Today() time.Time
}

type ContextRetriever interface {
	RetrieveContext(ctx context.Context, question string, topK int) *rag.RAGContext
}

type Executor interface {
	Execute(ctx context.Context, spec catalog.FunctionSpec, args map[string]any, tierExpr string) (*sqlite.Result, error)
	DistinctValues(ctx context.Context, table, column string, limit int) ([]string, error)
	InsertClassification(ctx context.Context, rec *models.ClassificationRecord) error
}

type TierSource interface {
	CalculatePercentiles(ctx context.Context, forceRefresh bool, table string) (*sizing.PercentileData, error)
	SQLCaseStatement() string
}

type ClassificationCache interface {
	GetClassification(ctx context.Context, key string, out any) (bool, error)
	SetClassification(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Config struct {
	TopK int
	// HintLimit caps distinct values offered per column during self-correction.
	HintLimit int
	// Retriever is optional; without it classification runs on the catalog alone.
	Retriever ContextRetriever
	Cache     ClassificationCache
	CacheTTL  time.Duration
}

type Engine struct {
	registry   *catalog.Registry
	classifier Classifier
	retriever  ContextRetriever
	executor   Executor
	tiers      TierSource
	cache      ClassificationCache
	cacheTTL   time.Duration
	topK       int
	hintLimit  int
}

type Request struct {
	Question string
	TopK     int
	// Progress, when set, receives each pipeline stage as it completes.
	Progress func(Event)
}

type Event struct {
	Stage  string `json:"stage"`
	Detail any    `json:"detail,omitempty"`
}

const (
	StagePrepared   = "prepared"
	StageClassified = "classified"
	StageExecuted   = "executed"
	StageCorrecting = "correcting"
	StageCorrected  = "corrected"
)

type Attempt struct {
	Attempt      int            `json:"attempt"`
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
	SQL          string         `json:"sql,omitempty"`
	RowCount     int            `json:"row_count"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Credential   string         `json:"credential,omitempty"`
	Cached       bool           `json:"cached,omitempty"`
}

type Response struct {
	ID           string          `json:"id"`
	Question     string          `json:"question"`
	Today        string          `json:"today"`
	FunctionName string          `json:"function_name"`
	Arguments    map[string]any  `json:"arguments"`
	Hints        []string        `json:"hints,omitempty"`
	Context      *rag.RAGContext `json:"context"`
	Result       *sqlite.Result  `json:"result,omitempty"`
	Attempts     []Attempt       `json:"attempts"`
	Corrected    bool            `json:"corrected"`
	Error        string          `json:"error,omitempty"`
	Message      string          `json:"message,omitempty"`
	RetryAfter   float64         `json:"retry_after,omitempty"`
	LatencyMS    int             `json:"latency_ms"`
}

func NewEngine(registry *catalog.Registry, classifier Classifier, executor Executor, tiers TierSource, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = rag.DefaultTopK
	}
	if cfg.HintLimit <= 0 {
		cfg.HintLimit = defaultHintLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 6 * time.Hour
	}

	logger.Info("Query engine initialized",
		zap.Int("functions", len(registry.Functions)),
		zap.Bool("retrieval", cfg.Retriever != nil),
		zap.Bool("classification_cache", cfg.Cache != nil),
	)

	return &Engine{
		registry:   registry,
		classifier: classifier,
		retriever:  cfg.Retriever,
		executor:   executor,
		tiers:      tiers,
		cache:      cfg.Cache,
		cacheTTL:   cfg.CacheTTL,
		topK:       cfg.TopK,
		hintLimit:  cfg.HintLimit,
	}
}

// ProcessQuery interprets a question and executes the resulting query,
// correcting the classification once when execution fails or finds nothing.
// Classification failures are reported in the response; only an empty
// question or a cancelled context produce an error.
func (e *Engine) ProcessQuery(ctx context.Context, req Request) (*Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	startTime := time.Now()
	today := e.classifier.Today()
	resp := &Response{
		ID:       uuid.New().String(),
		Question: question,
		Today:    today.Format(parser.DateLayout),
	}
	emit := func(stage string, detail any) {
		if req.Progress != nil {
			req.Progress(Event{Stage: stage, Detail: detail})
		}
	}

	logger.Info("Processing question",
		zap.String("interpretation_id", resp.ID),
		zap.String("question", question),
	)

	pre, ragCtx := e.prepare(ctx, question, today, req.TopK)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp.Context = ragCtx
	resp.Hints = pre.hints()
	emit(StagePrepared, map[string]any{"hints": resp.Hints, "confidence": ragCtx.Confidence})

	cls, cached := e.classify(ctx, question, today, pre, ragCtx)
	emit(StageClassified, cls)

	state := &run{resp: resp, question: question, today: today, pre: pre, started: startTime, emit: emit}
	outcome := e.finish(ctx, state, cls, cached)

	resp.LatencyMS = int(time.Since(startTime).Milliseconds())
	metrics.InterpretTotal.WithLabelValues(outcome).Inc()
	metrics.InterpretDuration.WithLabelValues(outcome).Observe(time.Since(startTime).Seconds())

	logger.Info("Question processed",
		zap.String("interpretation_id", resp.ID),
		zap.String("outcome", outcome),
		zap.String("function", resp.FunctionName),
		zap.Bool("corrected", resp.Corrected),
		zap.Int("latency_ms", resp.LatencyMS),
	)
	return resp, nil
}

// prepare runs retrieval, the deterministic parsers and the percentile
// refresh side by side. None of them can fail the pipeline.
func (e *Engine) prepare(ctx context.Context, question string, today time.Time, topK int) (preparsed, *rag.RAGContext) {
	var (
		pre    preparsed
		ragCtx *rag.RAGContext
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if e.retriever == nil {
			return nil
		}
		if topK <= 0 {
			topK = e.topK
		}
		ragCtx = e.retriever.RetrieveContext(gctx, question, topK)
		return nil
	})
	g.Go(func() error {
		pre = preparse(today, question)
		return nil
	})
	g.Go(func() error {
		if e.tiers == nil {
			return nil
		}
		if _, err := e.tiers.CalculatePercentiles(gctx, false, ""); err != nil {
			logger.Warn("Using fallback size tiers", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()

	if ragCtx == nil {
		ragCtx = &rag.RAGContext{Functions: []string{}, Schemas: []string{}, Examples: []string{}, Parameters: []string{}}
	}
	return pre, ragCtx
}

func classificationKey(today time.Time, question string) string {
	return utils.StableID("classification", today.Format(parser.DateLayout), question)
}

func (e *Engine) classify(ctx context.Context, question string, today time.Time, pre preparsed, ragCtx *rag.RAGContext) (llm.Classification, bool) {
	key := classificationKey(today, question)
	if e.cache != nil {
		var cls llm.Classification
		found, err := e.cache.GetClassification(ctx, key, &cls)
		if err != nil {
			logger.Warn("Failed to read classification cache", zap.Error(err))
		}
		if found && !cls.Failed() {
			metrics.CacheHits.WithLabelValues("classification").Inc()
			return cls, true
		}
		metrics.CacheMisses.WithLabelValues("classification").Inc()
	}

	cls := e.classifier.Classify(ctx, llm.ClassificationRequest{
		Question:  question,
		Functions: e.registry.Functions,
		Examples:  e.registry.Examples,
		Context:   ragCtx,
		Hints:     pre.hints(),
	})

	if e.cache != nil && !cls.Failed() && !cls.IsNone() {
		if err := e.cache.SetClassification(ctx, key, cls, e.cacheTTL); err != nil {
			logger.Warn("Failed to cache classification", zap.Error(err))
		}
	}
	return cls, false
}

// run is the per-question state shared by the pipeline steps.
type run struct {
	resp     *Response
	question string
	today    time.Time
	pre      preparsed
	started  time.Time
	emit     func(stage string, detail any)
}

// finish executes the classification, runs at most one correction round
// and fills the response. It returns the outcome label used for metrics.
func (e *Engine) finish(ctx context.Context, r *run, cls llm.Classification, cached bool) string {
	resp := r.resp
	if cls.Failed() {
		resp.FunctionName = catalog.NoneFunction
		resp.Arguments = map[string]any{}
		resp.Error = string(cls.Error)
		resp.Message = cls.Message
		resp.RetryAfter = cls.RetryAfter
		e.record(ctx, r, Attempt{Attempt: 1, FunctionName: cls.FunctionName, Arguments: cls.Arguments,
			ErrorType: string(cls.Error), ErrorMessage: cls.Message, Credential: cls.Credential})
		if cls.Error == llm.ErrorRateLimit {
			return "rate_limited"
		}
		return "error"
	}

	if cls.IsNone() {
		resp.FunctionName = catalog.NoneFunction
		resp.Arguments = map[string]any{}
		resp.Message = "the question does not map to any available query"
		e.record(ctx, r, Attempt{Attempt: 1, FunctionName: catalog.NoneFunction, Arguments: cls.Arguments,
			Credential: cls.Credential, Cached: cached})
		return "none"
	}

	first := e.execute(ctx, 1, cls, r.pre, r.today)
	first.Cached = cached
	e.record(ctx, r, first.Attempt)
	e.apply(resp, first)
	r.emit(StageExecuted, first.Attempt)
	if first.feedback == nil {
		return "answered"
	}

	fb := *first.feedback
	fb.DatabaseHints = e.databaseHints(ctx, first.spec)
	r.emit(StageCorrecting, fb)

	corrected := e.classifier.ReclassifyWithFeedback(ctx, r.question, e.registry.Functions, fb)
	if corrected.Failed() || corrected.IsNone() {
		resp.Message = corrected.Message
		e.record(ctx, r, Attempt{Attempt: 2, FunctionName: corrected.FunctionName, Arguments: corrected.Arguments,
			ErrorType: string(corrected.Error), ErrorMessage: corrected.Message, Credential: corrected.Credential})
		return string(fb.ErrorType)
	}

	second := e.execute(ctx, 2, corrected, r.pre, r.today)
	e.record(ctx, r, second.Attempt)
	resp.Corrected = true
	r.emit(StageCorrected, second.Attempt)

	if second.feedback != nil && second.feedback.ErrorType != llm.FeedbackNoResults {
		// Keep the first attempt's result when the correction broke the query.
		resp.Message = second.ErrorMessage
		return string(second.feedback.ErrorType)
	}
	e.apply(resp, second)
	if second.feedback != nil {
		return string(llm.FeedbackNoResults)
	}
	return "answered"
}

type execution struct {
	Attempt
	spec     catalog.FunctionSpec
	result   *sqlite.Result
	feedback *llm.ErrorFeedback
}

func (e *Engine) execute(ctx context.Context, n int, cls llm.Classification, pre preparsed, today time.Time) execution {
	ex := execution{Attempt: Attempt{
		Attempt:      n,
		FunctionName: cls.FunctionName,
		Arguments:    cls.Arguments,
		Credential:   cls.Credential,
	}}

	fail := func(kind llm.FeedbackType, msg string) execution {
		ex.ErrorType = string(kind)
		ex.ErrorMessage = msg
		ex.feedback = &llm.ErrorFeedback{
			PreviousFunction: cls.FunctionName,
			PreviousArgs:     ex.Arguments,
			ErrorType:        kind,
			ErrorMessage:     msg,
		}
		return ex
	}

	spec, err := e.registry.Function(cls.FunctionName)
	if err != nil {
		return fail(llm.FeedbackClassificationError, err.Error())
	}
	ex.spec = spec
	ex.Arguments = normalizeArguments(spec, cls.Arguments, pre, today)

	for _, p := range spec.Parameters {
		if p.Required && isBlankValue(ex.Arguments[p.Name]) {
			return fail(llm.FeedbackClassificationError, fmt.Sprintf("missing required argument %q for %s", p.Name, spec.Name))
		}
	}

	tierExpr := ""
	if e.tiers != nil {
		tierExpr = e.tiers.SQLCaseStatement()
	}

	res, err := e.executor.Execute(ctx, spec, ex.Arguments, tierExpr)
	if err != nil {
		kind := llm.FeedbackSQLError
		if errors.Is(err, sqlite.ErrUnknownParameter) || errors.Is(err, sqlite.ErrInvalidValue) {
			kind = llm.FeedbackClassificationError
		}
		return fail(kind, err.Error())
	}

	ex.result = res
	ex.SQL = res.SQL
	ex.RowCount = res.RowCount
	if res.RowCount == 0 {
		return fail(llm.FeedbackNoResults, fmt.Sprintf("%s returned no rows", spec.Name))
	}
	return ex
}

func (e *Engine) apply(resp *Response, ex execution) {
	resp.FunctionName = ex.FunctionName
	resp.Arguments = ex.Arguments
	resp.Result = ex.result
	resp.Error = ex.ErrorType
	resp.Message = ex.ErrorMessage
}

// databaseHints lists known values for every hinted column of spec.
func (e *Engine) databaseHints(ctx context.Context, spec catalog.FunctionSpec) map[string][]string {
	if spec.Name == "" {
		spec = catalog.FunctionSpec{Table: "projects"}
		for _, f := range e.registry.Functions {
			spec.Parameters = append(spec.Parameters, f.Parameters...)
		}
	}

	hints := make(map[string][]string)
	for _, p := range spec.Parameters {
		if !p.Hint || p.Column == "" {
			continue
		}
		if _, done := hints[p.Column]; done {
			continue
		}
		values, err := e.executor.DistinctValues(ctx, spec.Table, p.Column, e.hintLimit)
		if err != nil {
			logger.Warn("Failed to load database hints", zap.String("column", p.Column), zap.Error(err))
			continue
		}
		if len(values) > 0 {
			hints[p.Column] = values
		}
	}
	return hints
}

func (e *Engine) record(ctx context.Context, r *run, a Attempt) {
	resp := r.resp
	resp.Attempts = append(resp.Attempts, a)

	rec := &models.ClassificationRecord{
		ID:               uuid.New().String(),
		InterpretationID: resp.ID,
		Question:         resp.Question,
		Attempt:          a.Attempt,
		FunctionName:     a.FunctionName,
		Arguments:        sqlite.MarshalArguments(a.Arguments),
		ErrorType:        a.ErrorType,
		ErrorMessage:     a.ErrorMessage,
		RowCount:         a.RowCount,
		Credential:       a.Credential,
		LatencyMS:        int(time.Since(r.started).Milliseconds()),
		CreatedAt:        time.Now(),
	}
	if err := e.executor.InsertClassification(ctx, rec); err != nil {
		logger.Warn("Failed to record classification", zap.Error(err))
	}
}
