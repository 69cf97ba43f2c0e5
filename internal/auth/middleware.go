package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/session-service/internal/domain"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

const identityKey = "auth_identity"

// IdentitySource exposes the identity currently admitted by the session manager.
type IdentitySource interface {
	CurrentIdentity() (*domain.Identity, bool)
}

// RequireSession rejects requests unless the instance holds an authenticated
// identity, and stores that identity on the request.
func RequireSession(source IdentitySource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity, ok := source.CurrentIdentity()
		if !ok || identity == nil {
			return apperrors.NewUnauthorized("authentication required")
		}
		c.Locals(identityKey, identity)
		return c.Next()
	}
}

// IdentityFromContext retrieves the identity stored by RequireSession.
func IdentityFromContext(c *fiber.Ctx) (*domain.Identity, bool) {
	val := c.Locals(identityKey)
	if val == nil {
		return nil, false
	}
	identity, ok := val.(*domain.Identity)
	return identity, ok
}
