package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/parser"
	"github.com/proposal-insights/backend/internal/sizing"
	"github.com/proposal-insights/backend/pkg/logger"
)

// ParseHandler runs the deterministic parsers over a piece of text.
type ParseHandler struct {
	today func() time.Time
}

func NewParseHandler(today func() time.Time) *ParseHandler {
	if today == nil {
		today = time.Now
	}
	return &ParseHandler{today: today}
}

type parseResponse struct {
	Text      string              `json:"text"`
	Today     string              `json:"today"`
	TimeRange *parser.TimeRange   `json:"time_range,omitempty"`
	TimeRule  string              `json:"time_rule,omitempty"`
	Number    *float64            `json:"number,omitempty"`
	Range     *parser.NumberRange `json:"range,omitempty"`
	Limit     *int                `json:"limit,omitempty"`
	Tier      sizing.Tier         `json:"tier,omitempty"`
}

func (h *ParseHandler) Parse(c *fiber.Ctx) error {
	var req struct {
		Text  string `json:"text"`
		Today string `json:"today"`
	}
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Text is required",
		})
	}

	today := h.today()
	if req.Today != "" {
		t, err := time.Parse(parser.DateLayout, req.Today)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "today must be formatted as YYYY-MM-DD",
			})
		}
		today = t
	}

	resp := parseResponse{
		Text:  req.Text,
		Today: today.Format(parser.DateLayout),
	}
	if tr, rule, ok := parser.NewTimeParser(today).ParseWithRule(req.Text); ok {
		resp.TimeRange = &tr
		resp.TimeRule = rule
	}
	if n, ok := parser.ParseNumber(req.Text); ok {
		resp.Number = &n
	}
	if r, ok := parser.ParseRange(req.Text); ok {
		resp.Range = &r
	}
	if l, ok := parser.ParseLimit(req.Text); ok {
		resp.Limit = &l
	}
	if t, ok := sizing.ParseTier(req.Text); ok {
		resp.Tier = t
	}

	return c.JSON(resp)
}
