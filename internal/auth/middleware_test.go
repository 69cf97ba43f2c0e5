package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/session-service/internal/domain"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

type staticIdentity struct{ identity *domain.Identity }

func (s staticIdentity) CurrentIdentity() (*domain.Identity, bool) {
	return s.identity, s.identity != nil
}

func guardedApp(source IdentitySource, guards ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: func(c *fiber.Ctx, err error) error {
		var de *apperrors.DomainError
		if errors.As(err, &de) {
			return c.Status(de.HTTPStatus).SendString(de.Code)
		}
		return c.SendStatus(fiber.StatusInternalServerError)
	}})
	handlers := append([]fiber.Handler{RequireSession(source)}, guards...)
	handlers = append(handlers, func(c *fiber.Ctx) error {
		identity, _ := IdentityFromContext(c)
		return c.SendString(identity.ID)
	})
	app.Get("/", handlers...)
	return app
}

func TestRequireSession(t *testing.T) {
	resp, err := guardedApp(staticIdentity{}).Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	app := guardedApp(staticIdentity{identity: &domain.Identity{ID: "u-1", Role: domain.RoleMember}})
	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRequireRole(t *testing.T) {
	member := staticIdentity{identity: &domain.Identity{ID: "u-1", Role: domain.RoleMember}}
	owner := staticIdentity{identity: &domain.Identity{ID: "u-2", Role: domain.RoleStudioOwner}}

	resp, err := guardedApp(member, RequireStaff()).Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, err = guardedApp(owner, RequireStaff()).Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = guardedApp(owner, RequireRole(domain.RoleAdmin)).Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}
