package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/proposal-insights/backend/internal/llm"
)

type GateStatus interface {
	IsBusy() bool
	Queued() int
	Active() int
	EstimatedWaitTime() time.Duration
}

type CredentialReporter interface {
	CredentialStatus() []llm.CredentialStatus
}

type StatusHandler struct {
	gate        GateStatus
	credentials CredentialReporter
}

func NewStatusHandler(gate GateStatus, credentials CredentialReporter) *StatusHandler {
	return &StatusHandler{
		gate:        gate,
		credentials: credentials,
	}
}

func (h *StatusHandler) GetStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"busy":                   h.gate.IsBusy(),
		"queued":                 h.gate.Queued(),
		"active":                 h.gate.Active(),
		"estimated_wait_seconds": h.gate.EstimatedWaitTime().Seconds(),
		"credentials":            h.credentials.CredentialStatus(),
	})
}
