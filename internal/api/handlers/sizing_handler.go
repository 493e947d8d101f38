package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/parser"
	"github.com/proposal-insights/backend/internal/sizing"
	"github.com/proposal-insights/backend/pkg/logger"
)

type PercentileSource interface {
	CalculatePercentiles(ctx context.Context, forceRefresh bool, table string) (*sizing.PercentileData, error)
	GetSizeCategory(fee float64) sizing.Tier
}

type SizingHandler struct {
	calculator PercentileSource
}

func NewSizingHandler(calculator PercentileSource) *SizingHandler {
	return &SizingHandler{calculator: calculator}
}

func (h *SizingHandler) GetPercentiles(c *fiber.Ctx) error {
	refresh := c.QueryBool("refresh", false)
	table := c.Query("table")

	data, err := h.calculator.CalculatePercentiles(c.UserContext(), refresh, table)
	if errors.Is(err, sizing.ErrInvalidIdentifier) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid table name",
		})
	}
	if err != nil {
		logger.Error("Failed to calculate percentiles", zap.String("table", table), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to calculate percentiles",
		})
	}

	return c.JSON(fiber.Map{
		"percentiles": data,
		"tiers":       sizing.Tiers,
	})
}

// GetCategory accepts plain numbers as well as phrases like "2.5 million".
func (h *SizingHandler) GetCategory(c *fiber.Ctx) error {
	raw := c.Query("fee")
	fee, ok := parser.ParseNumber(raw)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "fee must be a number",
		})
	}

	return c.JSON(fiber.Map{
		"fee":  fee,
		"tier": h.calculator.GetSizeCategory(fee),
	})
}
