package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/session-service/internal/diagnostics"
)

// DiagnosticsHandler exposes recently captured errors.
type DiagnosticsHandler struct {
	classifier *diagnostics.Classifier
}

// NewDiagnosticsHandler constructs handler.
func NewDiagnosticsHandler(classifier *diagnostics.Classifier) *DiagnosticsHandler {
	return &DiagnosticsHandler{classifier: classifier}
}

// Recent handles GET /diagnostics/errors?limit=n.
func (h *DiagnosticsHandler) Recent(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.classifier.Recent(c.QueryInt("limit", 20))})
}

// Clear handles DELETE /diagnostics/errors.
func (h *DiagnosticsHandler) Clear(c *fiber.Ctx) error {
	h.classifier.Clear()
	return c.SendStatus(http.StatusNoContent)
}
