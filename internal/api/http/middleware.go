package http

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"github.com/spec-kit/session-service/internal/auth"
	"github.com/spec-kit/session-service/internal/clock"
	"github.com/spec-kit/session-service/internal/diagnostics"
	"github.com/spec-kit/session-service/internal/observability"
	"github.com/spec-kit/session-service/internal/ratelimit"
	apperrors "github.com/spec-kit/session-service/pkg/util"
)

// RegisterMiddlewares attaches global middlewares such as error handling and logging.
func RegisterMiddlewares(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, classifier *diagnostics.Classifier, timeout time.Duration) {
	app.Use(requestid.New())
	if timeout > 0 {
		app.Use(requestTimeoutMiddleware(timeout))
	}
	app.Use(observability.RequestLogger(logger, metrics))
	app.Use(errorHandlingMiddleware(logger, classifier))
}

func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func errorHandlingMiddleware(logger *zap.Logger, classifier *diagnostics.Classifier) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = apperrors.NewInternalError(nil)
			}
			if err != nil {
				err = renderError(c, logger, classifier, err)
			}
		}()
		return c.Next()
	}
}

func renderError(c *fiber.Ctx, logger *zap.Logger, classifier *diagnostics.Classifier, err error) error {
	domainErr := toDomainError(err)
	record := classifier.Capture(err, map[string]any{
		"method": c.Method(),
		"path":   c.Path(),
	})

	body := fiber.Map{
		"code":    domainErr.Code,
		"kind":    domainErr.Kind,
		"message": classifier.UserMessage(domainErr),
		"errorId": record.ID,
	}
	if len(domainErr.Details) > 0 {
		body["details"] = domainErr.Details
	}
	if domainErr.HTTPStatus == http.StatusTooManyRequests {
		if seconds, ok := domainErr.Details["retry_after_seconds"].(int); ok {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
		}
	}
	if domainErr.HTTPStatus >= 500 {
		logger.Error("request failed", zap.String("error_id", record.ID), zap.Error(err))
	}
	return c.Status(domainErr.HTTPStatus).JSON(fiber.Map{"error": body})
}

// toDomainError extends the shared mapping with fiber's own errors, such as
// unknown routes and unsupported methods.
func toDomainError(err error) *apperrors.DomainError {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code, kind := apperrors.CodeInternal, apperrors.KindUnknown
		switch {
		case fe.Code == http.StatusNotFound:
			code, kind = apperrors.CodeNotFound, apperrors.KindValidation
		case fe.Code == http.StatusUnauthorized:
			code, kind = apperrors.CodeUnauthorized, apperrors.KindAuth
		case fe.Code < 500:
			code, kind = apperrors.CodeValidation, apperrors.KindValidation
		}
		return apperrors.NewDomainError(code, kind, fe.Message, fe.Code, nil)
	}
	return apperrors.ToDomainError(err)
}

// rateLimitMiddleware applies the limiter to every request it guards, keyed
// by the admitted identity or, before sign-in, the client address.
func rateLimitMiddleware(limiter *ratelimit.Limiter, metrics *observability.Metrics, clk clock.Clock) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.IP()
		if identity, ok := auth.IdentityFromContext(c); ok {
			id = identity.ID
		}
		allowed, info := limiter.Check(ratelimit.Key(limiter.Name(), id))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		if !allowed {
			metrics.RateLimited(limiter.Name())
			return apperrors.NewRateLimited(info.Remaining, info.ResetAt, clk.Now())
		}
		return c.Next()
	}
}
