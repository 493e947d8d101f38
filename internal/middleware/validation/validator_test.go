package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware(Config{MaxQuestionLength: 40, MaxDocumentSize: 64}))
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }
	app.Post("/api/v1/query", ok)
	app.Post("/api/v1/parse", ok)
	app.Post("/api/v1/documents/sync", ok)
	app.Post("/api/v1/documents/dictionary", ok)
	app.Get("/api/v1/status", ok)

	tests := []struct {
		name        string
		method      string
		path        string
		contentType string
		body        string
		want        int
	}{
		{"plain question", http.MethodPost, "/api/v1/query", "application/json", `{"question":"select projects created in 2024"}`, fiber.StatusOK},
		{"missing question", http.MethodPost, "/api/v1/query", "application/json", `{"query":"projects"}`, fiber.StatusBadRequest},
		{"blank question", http.MethodPost, "/api/v1/query", "application/json", `{"question":"   "}`, fiber.StatusBadRequest},
		{"too long", http.MethodPost, "/api/v1/query", "application/json", `{"question":"` + strings.Repeat("a", 41) + `"}`, fiber.StatusBadRequest},
		{"script tag", http.MethodPost, "/api/v1/query", "application/json", `{"question":"<script>alert(1)</script>"}`, fiber.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/v1/query", "application/json", `{`, fiber.StatusBadRequest},
		{"parse uses text", http.MethodPost, "/api/v1/parse", "application/json", `{"text":"last 6 months"}`, fiber.StatusOK},
		{"wrong content type", http.MethodPost, "/api/v1/query", "text/plain", `question`, fiber.StatusUnsupportedMediaType},
		{"sync without body", http.MethodPost, "/api/v1/documents/sync", "", ``, fiber.StatusOK},
		{"oversized dictionary", http.MethodPost, "/api/v1/documents/dictionary", "application/json", `{"source":"x","html_content":"` + strings.Repeat("x", 80) + `"}`, fiber.StatusRequestEntityTooLarge},
		{"get passes through", http.MethodGet, "/api/v1/status", "", ``, fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
