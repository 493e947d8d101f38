package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InterpretDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlq_interpret_duration_seconds",
			Help:    "End-to-end question interpretation duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	InterpretTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_interpret_total",
			Help: "Total interpretations by outcome",
		},
		[]string{"outcome"},
	)

	GateQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nlq_gate_queued",
			Help: "LLM calls waiting in the concurrency gate",
		},
	)

	GateActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nlq_gate_active",
			Help: "LLM calls currently in flight",
		},
	)

	GateWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nlq_gate_wait_seconds",
			Help:    "Time from enqueue to dispatch in the concurrency gate",
			Buckets: []float64{0.01, 0.05, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	LLMAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_llm_attempts_total",
			Help: "LLM completion attempts by credential and outcome",
		},
		[]string{"credential", "outcome"},
	)

	LLMFailovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlq_llm_failovers_total",
			Help: "Immediate switches to the other credential after a rate limit",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	RetrievalConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nlq_retrieval_confidence",
			Help:    "Mean similarity of retrieved context blocks",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	RetrievalDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlq_retrieval_degraded_total",
			Help: "Retrievals that degraded to an empty context",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	Corrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_self_corrections_total",
			Help: "Self-correction rounds by error type and outcome",
		},
		[]string{"error_type", "outcome"},
	)

	DocumentsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_documents_upserted_total",
			Help: "Context documents upserted into the vector index",
		},
		[]string{"doc_type"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			InterpretDuration,
			InterpretTotal,
			GateQueued,
			GateActive,
			GateWait,
			LLMAttempts,
			LLMFailovers,
			LLMTokensUsed,
			RetrievalConfidence,
			RetrievalDegraded,
			CacheHits,
			CacheMisses,
			Corrections,
			DocumentsUpserted,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
