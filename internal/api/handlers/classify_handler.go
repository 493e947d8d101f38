package handlers

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/llm"
	"github.com/proposal-insights/backend/internal/rag"
	"github.com/proposal-insights/backend/pkg/logger"
)

type Classifier interface {
	Classify(ctx context.Context, req llm.ClassificationRequest) llm.Classification
	ReclassifyWithFeedback(ctx context.Context, question string, functions []catalog.FunctionSpec, fb llm.ErrorFeedback) llm.Classification
}

type ContextRetriever interface {
	RetrieveContext(ctx context.Context, question string, topK int) *rag.RAGContext
}

// ClassifyHandler exposes the classifier and retriever on their own, without
// executing anything against the database.
type ClassifyHandler struct {
	registry   *catalog.Registry
	classifier Classifier
	retriever  ContextRetriever
}

func NewClassifyHandler(registry *catalog.Registry, classifier Classifier, retriever ContextRetriever) *ClassifyHandler {
	return &ClassifyHandler{
		registry:   registry,
		classifier: classifier,
		retriever:  retriever,
	}
}

type classifyRequest struct {
	Question   string   `json:"question"`
	Functions  []string `json:"functions"`
	UseContext bool     `json:"use_context"`
	TopK       int      `json:"top_k"`
}

func (h *ClassifyHandler) Classify(c *fiber.Ctx) error {
	var req classifyRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}

	functions, err := h.functions(req.Functions)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var ragCtx *rag.RAGContext
	if req.UseContext && h.retriever != nil {
		ragCtx = h.retriever.RetrieveContext(c.UserContext(), req.Question, req.TopK)
	}

	cls := h.classifier.Classify(c.UserContext(), llm.ClassificationRequest{
		Question:  req.Question,
		Functions: functions,
		Examples:  h.registry.Examples,
		Context:   ragCtx,
	})

	return classificationResponse(c, cls, ragCtx)
}

func (h *ClassifyHandler) Reclassify(c *fiber.Ctx) error {
	var req struct {
		Question  string            `json:"question"`
		Functions []string          `json:"functions"`
		Feedback  llm.ErrorFeedback `json:"feedback"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}

	switch req.Feedback.ErrorType {
	case llm.FeedbackNoResults, llm.FeedbackSQLError, llm.FeedbackClassificationError:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "feedback.error_type must be no_results, sql_error or classification_error",
		})
	}

	functions, err := h.functions(req.Functions)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logger.Info("Reclassifying with feedback", zap.String("feedback", req.Feedback.String()))
	cls := h.classifier.ReclassifyWithFeedback(c.UserContext(), req.Question, functions, req.Feedback)

	return classificationResponse(c, cls, nil)
}

func (h *ClassifyHandler) RetrieveContext(c *fiber.Ctx) error {
	if h.retriever == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Retrieval is not configured",
		})
	}

	var req struct {
		Question string `json:"question"`
		TopK     int    `json:"top_k"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Question) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}

	ragCtx := h.retriever.RetrieveContext(c.UserContext(), req.Question, req.TopK)
	return c.JSON(fiber.Map{
		"context": ragCtx,
		"size":    ragCtx.Size(),
	})
}

// functions resolves a subset of the catalog by name; an empty list means all.
func (h *ClassifyHandler) functions(names []string) ([]catalog.FunctionSpec, error) {
	if len(names) == 0 {
		return h.registry.Functions, nil
	}
	out := make([]catalog.FunctionSpec, 0, len(names))
	for _, name := range names {
		fn, err := h.registry.Function(name)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

func classificationResponse(c *fiber.Ctx, cls llm.Classification, ragCtx *rag.RAGContext) error {
	status := fiber.StatusOK
	switch cls.Error {
	case "":
	case llm.ErrorRateLimit:
		status = fiber.StatusServiceUnavailable
		if cls.RetryAfter > 0 {
			c.Set(fiber.HeaderRetryAfter, formatSeconds(cls.RetryAfter))
		}
	default:
		status = fiber.StatusBadGateway
	}

	return c.Status(status).JSON(fiber.Map{
		"classification": cls,
		"context":        ragCtx,
	})
}

func formatSeconds(s float64) string {
	return strconv.Itoa(int(math.Ceil(s)))
}
