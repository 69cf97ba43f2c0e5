package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/spec-kit/session-service/internal/api/dto"
	"github.com/spec-kit/session-service/internal/service"
	"github.com/spec-kit/session-service/internal/statestore"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

// StateHandler exposes the persisted state store.
type StateHandler struct {
	store *statestore.Store
}

// NewStateHandler constructs handler.
func NewStateHandler(store *statestore.Store) *StateHandler {
	return &StateHandler{store: store}
}

// Put handles PUT /state/:key. The body must be a JSON object. With
// ?debounce=true the write is coalesced; ?ttl= overrides the expiry and
// ?silent=true suppresses change notifications.
func (h *StateHandler) Put(c *fiber.Ctx) error {
	key, err := h.key(c)
	if err != nil {
		return err
	}
	opts := statestore.SaveOptions{Key: key, Silent: c.QueryBool("silent")}
	if raw := c.Query("ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return apperrors.NewValidationError("validation failed: ttl must be a positive duration", map[string]any{"ttl": raw})
		}
		opts.TTL = ttl
	}

	body := json.RawMessage(append([]byte(nil), c.Body()...))
	if c.QueryBool("debounce") {
		if err := h.store.SaveDebounced(body, opts); err != nil {
			return apperrors.NewValidationError("validation failed: state must be a JSON object", nil)
		}
		return c.Status(http.StatusAccepted).JSON(fiber.Map{"data": fiber.Map{"key": key, "pending": true}})
	}
	if err := h.store.Save(c.UserContext(), body, opts); err != nil {
		return apperrors.NewValidationError("validation failed: state must be a JSON object", nil)
	}
	envelope, _ := h.store.LoadEnvelope(c.UserContext(), key)
	return c.JSON(fiber.Map{"data": envelope})
}

// Get handles GET /state/:key.
func (h *StateHandler) Get(c *fiber.Ctx) error {
	key := stateKey(c)
	envelope, ok := h.store.LoadEnvelope(c.UserContext(), key)
	if !ok {
		return apperrors.NewNotFound("state", map[string]any{"key": key})
	}
	return c.JSON(fiber.Map{"data": envelope})
}

// Meta handles GET /state/:key/meta.
func (h *StateHandler) Meta(c *fiber.Ctx) error {
	ctx := c.UserContext()
	key := stateKey(c)
	envelope, _ := h.store.LoadEnvelope(ctx, key)
	return c.JSON(fiber.Map{"data": dto.NewStateMeta(key, envelope, h.store.IsStale(ctx, key), h.store.Age(ctx, key))})
}

// Delete handles DELETE /state/:key.
func (h *StateHandler) Delete(c *fiber.Ctx) error {
	key, err := h.key(c)
	if err != nil {
		return err
	}
	h.store.Clear(c.UserContext(), key)
	return c.SendStatus(http.StatusNoContent)
}

// DeleteAll handles DELETE /state. The session's identity slot survives;
// ending the session is POST /session/logout.
func (h *StateHandler) DeleteAll(c *fiber.Ctx) error {
	h.store.ClearAllExcept(c.UserContext(), service.IdentityKey)
	return c.SendStatus(http.StatusNoContent)
}

// key rejects the slot owned by the session manager.
func (h *StateHandler) key(c *fiber.Ctx) (string, error) {
	key := stateKey(c)
	if key == service.IdentityKey {
		return "", apperrors.NewForbidden("key is managed by the session")
	}
	return key, nil
}

// stateKey copies the route parameter; debounced writes outlive the request.
func stateKey(c *fiber.Ctx) string {
	return utils.CopyString(c.Params("key"))
}
