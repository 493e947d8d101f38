package handlers

import (
	"context"
	"errors"
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/proposal-insights/backend/internal/query"
	"github.com/proposal-insights/backend/pkg/logger"
)

// WebSocketHandler streams each pipeline stage to the client as it completes,
// followed by a single "complete" message carrying the full response.
type WebSocketHandler struct {
	engine QueryProcessor
}

func NewWebSocketHandler(engine QueryProcessor) *WebSocketHandler {
	return &WebSocketHandler{
		engine: engine,
	}
}

type wsMessage struct {
	Type     string `json:"type"`
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	var mu sync.Mutex
	write := func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		return c.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		if msg.Type != "query" {
			continue
		}

		logger.Info("Processing WebSocket query", zap.String("question", msg.Question))

		if err := h.streamResponse(write, msg); err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			if errors.Is(err, query.ErrEmptyQuestion) {
				h.sendError(write, "Question is required")
				continue
			}
			h.sendError(write, "Failed to process query")
		}
	}
}

func (h *WebSocketHandler) streamResponse(write func(any) error, msg wsMessage) error {
	ctx := context.Background()

	resp, err := h.engine.ProcessQuery(ctx, query.Request{
		Question: msg.Question,
		TopK:     msg.TopK,
		Progress: func(ev query.Event) {
			if err := write(map[string]any{
				"type":   "stage",
				"stage":  ev.Stage,
				"detail": ev.Detail,
			}); err != nil {
				logger.Warn("Failed to send stage", zap.String("stage", ev.Stage), zap.Error(err))
			}
		},
	})
	if err != nil {
		return err
	}

	return write(map[string]any{
		"type":     "complete",
		"response": resp,
	})
}

func (h *WebSocketHandler) sendError(write func(any) error, errorMsg string) {
	msg := map[string]any{
		"type":  "error",
		"error": errorMsg,
	}

	if err := write(msg); err != nil {
		logger.Warn("Failed to send error", zap.Error(err))
	}
}
