package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/session-service/internal/api/dto"
	"github.com/spec-kit/session-service/internal/statestore"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

// LifecycleHandler forwards visibility and focus signals to the store.
type LifecycleHandler struct {
	store *statestore.Store
}

// NewLifecycleHandler constructs handler.
func NewLifecycleHandler(store *statestore.Store) *LifecycleHandler {
	return &LifecycleHandler{store: store}
}

// Visible handles POST /lifecycle/visible.
func (h *LifecycleHandler) Visible(c *fiber.Ctx) error {
	var req dto.PositionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	target, navigate := h.store.Visible(c.UserContext(), req.ToPosition())
	resp := dto.VisibleResponse{Navigate: navigate}
	if navigate {
		resp.Target = &target
	}
	return c.JSON(fiber.Map{"data": resp})
}

// Focus handles POST /lifecycle/focus.
func (h *LifecycleHandler) Focus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": fiber.Map{"notified": h.store.Focus(c.UserContext())}})
}

// Hidden handles POST /lifecycle/hidden. An empty body only flushes.
func (h *LifecycleHandler) Hidden(c *fiber.Ctx) error {
	var req dto.PositionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"saved": h.store.Hidden(c.UserContext(), req.ToPosition())}})
}
