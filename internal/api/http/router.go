package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/session-service/internal/api/http/handlers"
	"github.com/spec-kit/session-service/internal/auth"
	"github.com/spec-kit/session-service/internal/clock"
	"github.com/spec-kit/session-service/internal/observability"
	"github.com/spec-kit/session-service/internal/ratelimit"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health      *handlers.HealthHandler
	Session     *handlers.SessionHandler
	State       *handlers.StateHandler
	Lifecycle   *handlers.LifecycleHandler
	Diagnostics *handlers.DiagnosticsHandler
	Identities  auth.IdentitySource
	APILimiter  *ratelimit.Limiter
	Metrics     *observability.Metrics
	Clock       clock.Clock
}

// RegisterRoutes wires HTTP routes. Diagnostics routes are registered only
// when a handler is supplied.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if registry := cfg.Metrics.Registry(); registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	session := app.Group("/session")
	session.Get("", cfg.Session.Get)
	session.Get("/stream", cfg.Session.Stream)
	session.Post("/login", cfg.Session.Login)
	session.Post("/signup", cfg.Session.Signup)
	session.Post("/logout", cfg.Session.Logout)
	session.Post("/refresh", cfg.Session.Refresh)
	session.Patch("/profile", auth.RequireSession(cfg.Identities), cfg.Session.UpdateProfile)

	requireSession := auth.RequireSession(cfg.Identities)
	state := app.Group("/state", requireSession)
	if cfg.APILimiter != nil {
		state.Put("/:key", rateLimitMiddleware(cfg.APILimiter, cfg.Metrics, cfg.Clock), cfg.State.Put)
	} else {
		state.Put("/:key", cfg.State.Put)
	}
	state.Get("/:key/meta", cfg.State.Meta)
	state.Get("/:key", cfg.State.Get)
	state.Delete("/:key", cfg.State.Delete)
	state.Delete("", cfg.State.DeleteAll)

	lifecycle := app.Group("/lifecycle")
	lifecycle.Post("/visible", cfg.Lifecycle.Visible)
	lifecycle.Post("/focus", cfg.Lifecycle.Focus)
	lifecycle.Post("/hidden", cfg.Lifecycle.Hidden)

	if cfg.Diagnostics != nil {
		diag := app.Group("/diagnostics", requireSession, auth.RequireStaff())
		diag.Get("/errors", cfg.Diagnostics.Recent)
		diag.Delete("/errors", cfg.Diagnostics.Clear)
	}
}
