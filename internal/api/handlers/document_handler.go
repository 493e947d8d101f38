package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/ingestion"
	"github.com/proposal-insights/backend/pkg/logger"
)

type DocumentProcessor interface {
	SyncCatalog(ctx context.Context, clear bool) (*ingestion.SyncResult, error)
	IngestDataDictionary(ctx context.Context, source, htmlContent string) (*ingestion.SyncResult, error)
}

// CacheInvalidator drops cached classifications once the indexed catalog
// changes, since retrieval context feeds every classification.
type CacheInvalidator interface {
	InvalidateClassifications(ctx context.Context) error
}

type DocumentHandler struct {
	processor DocumentProcessor
	cache     CacheInvalidator
}

func NewDocumentHandler(processor DocumentProcessor, cache CacheInvalidator) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
		cache:     cache,
	}
}

func (h *DocumentHandler) SyncDocuments(c *fiber.Ctx) error {
	var req struct {
		Clear bool `json:"clear"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	result, err := h.processor.SyncCatalog(c.UserContext(), req.Clear)
	if err != nil {
		logger.Error("Failed to sync catalog documents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to sync documents",
		})
	}
	h.invalidate(c.UserContext())

	return c.JSON(fiber.Map{
		"message": "Documents synced successfully",
		"result":  result,
	})
}

func (h *DocumentHandler) UploadDataDictionary(c *fiber.Ctx) error {
	var req struct {
		Source      string `json:"source"`
		HTMLContent string `json:"html_content"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if strings.TrimSpace(req.Source) == "" || strings.TrimSpace(req.HTMLContent) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Source and HTML content are required",
		})
	}

	result, err := h.processor.IngestDataDictionary(c.UserContext(), req.Source, req.HTMLContent)
	if errors.Is(err, ingestion.ErrNoSchemaFacts) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "No column definitions found in the document",
		})
	}
	if err != nil {
		logger.Error("Failed to ingest data dictionary", zap.String("source", req.Source), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}
	h.invalidate(c.UserContext())

	return c.JSON(fiber.Map{
		"message": "Document processed successfully",
		"source":  req.Source,
		"result":  result,
	})
}

func (h *DocumentHandler) invalidate(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.InvalidateClassifications(ctx); err != nil {
		logger.Warn("Failed to invalidate classification cache", zap.Error(err))
	}
}
