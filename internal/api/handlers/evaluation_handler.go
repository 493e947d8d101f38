package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/catalog"
	"github.com/proposal-insights/backend/internal/evaluation"
	"github.com/proposal-insights/backend/pkg/logger"
)

type DatasetRunner interface {
	RunDatasetEvaluation(ctx context.Context, dataset *evaluation.Dataset) (*evaluation.Report, error)
}

type EvaluationHandler struct {
	registry *catalog.Registry
	runner   DatasetRunner
}

func NewEvaluationHandler(registry *catalog.Registry, runner DatasetRunner) *EvaluationHandler {
	return &EvaluationHandler{
		registry: registry,
		runner:   runner,
	}
}

// RunEvaluation scores the posted dataset, or the catalog's own examples when
// the body carries no items. ?format=text returns the plain-text report.
func (h *EvaluationHandler) RunEvaluation(c *fiber.Ctx) error {
	var dataset evaluation.Dataset
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&dataset); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if len(dataset.Items) == 0 {
		dataset = *evaluation.DatasetFromExamples(h.registry)
	}

	report, err := h.runner.RunDatasetEvaluation(c.UserContext(), &dataset)
	if errors.Is(err, evaluation.ErrEmptyDataset) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Dataset is empty",
		})
	}
	if err != nil {
		logger.Error("Evaluation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Evaluation failed",
		})
	}

	if c.Query("format") == "text" {
		return c.SendString(evaluation.GenerateReport(report))
	}
	return c.JSON(report)
}
