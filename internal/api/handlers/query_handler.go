package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/query"
	"github.com/proposal-insights/backend/internal/storage/models"
	"github.com/proposal-insights/backend/pkg/logger"
)

type QueryProcessor interface {
	ProcessQuery(ctx context.Context, req query.Request) (*query.Response, error)
}

type HistoryStore interface {
	RecentClassifications(ctx context.Context, limit int) ([]models.ClassificationRecord, error)
}

type QueryHandler struct {
	engine  QueryProcessor
	history HistoryStore
}

func NewQueryHandler(engine QueryProcessor, history HistoryStore) *QueryHandler {
	return &QueryHandler{
		engine:  engine,
		history: history,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
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

	resp, err := h.engine.ProcessQuery(c.UserContext(), query.Request{
		Question: req.Question,
		TopK:     req.TopK,
	})
	if errors.Is(err, query.ErrEmptyQuestion) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}
	if err != nil {
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	status := fiber.StatusOK
	if resp.Error == "rate_limit" {
		status = fiber.StatusServiceUnavailable
		if resp.RetryAfter > 0 {
			c.Set(fiber.HeaderRetryAfter, formatSeconds(resp.RetryAfter))
		}
	}
	return c.Status(status).JSON(resp)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 500",
		})
	}

	records, err := h.history.RecentClassifications(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to load classification history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}
	if records == nil {
		records = []models.ClassificationRecord{}
	}

	return c.JSON(fiber.Map{
		"history": records,
		"count":   len(records),
	})
}
