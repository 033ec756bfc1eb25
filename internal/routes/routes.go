package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/traffic-tacos/profile-api/internal/config"
	"github.com/traffic-tacos/profile-api/internal/logging"
	"github.com/traffic-tacos/profile-api/internal/metrics"
	"github.com/traffic-tacos/profile-api/internal/middleware"
	apperrors "github.com/traffic-tacos/profile-api/pkg/errors"
)

const serviceName = "profile-api"

// Set at build time with -ldflags "-X .../internal/routes.Commit=..."
var (
	Commit    = "unknown"
	BuildTime = "unknown"
)

// ReadinessCheck pings one backing store
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Dependencies are the services and checks the routes are built from
type Dependencies struct {
	Auth      AuthService
	Profile   ProfileService
	Readiness []ReadinessCheck
}

// Setup configures all API routes
func Setup(app *fiber.App, cfg *config.Config, logger logrus.FieldLogger, middlewareManager *middleware.Manager, deps Dependencies) {
	authHandler := NewAuthHandler(deps.Auth, logger)
	profileHandler := NewProfileHandler(deps.Profile, logger)

	// Health check endpoints (no auth required)
	app.Get("/healthz", healthCheck)
	app.Get("/readyz", readinessCheck(deps.Readiness, logger))
	app.Get("/version", versionHandler)

	// Metrics endpoint (no auth required)
	app.Get(cfg.Observability.MetricsPath, metrics.PrometheusHandler())

	app.Use(metrics.HTTPMetricsMiddleware())
	app.Use(middlewareManager.ErrorLogger.Handle())
	app.Use(middlewareManager.RateLimit.Handle())

	// Credential endpoints (public)
	app.Post("/register", middlewareManager.Idempotency.Handle(), authHandler.Register)
	app.All("/register", methodNotAllowed(logger))
	app.Post("/login", authHandler.Login)
	app.All("/login", methodNotAllowed(logger))

	// Profile endpoints (session token required)
	app.Get("/profile", middlewareManager.Auth.Authenticate(), profileHandler.Get)
	app.Post("/profile", middlewareManager.Auth.Authenticate(), profileHandler.Update)
	app.All("/profile", methodNotAllowed(logger))

	// 404 handler
	app.Use(notFoundHandler(logger))
}

// healthCheck returns the health status of the service
func healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   serviceName,
	})
}

// readinessCheck pings every backing store
func readinessCheck(checks []ReadinessCheck, logger logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		for _, check := range checks {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			err := check.Ping(ctx)
			cancel()

			if err != nil {
				logger.WithError(err).WithField("store", check.Name).Error("Readiness check failed")
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status":    "not ready",
					"reason":    check.Name + " unavailable",
					"timestamp": time.Now().UTC(),
				})
			}
		}

		return c.JSON(fiber.Map{
			"status":    "ready",
			"timestamp": time.Now().UTC(),
			"service":   serviceName,
		})
	}
}

// versionHandler returns version information
func versionHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": serviceName,
		"version": logging.Version(),
		"commit":  Commit,
		"built":   BuildTime,
	})
}

func methodNotAllowed(logger logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return middleware.Respond(c, logger, apperrors.MethodNotAllowed())
	}
}

// notFoundHandler handles 404 errors
func notFoundHandler(logger logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return middleware.Respond(c, logger, apperrors.NewAppError(apperrors.CodeNotFound, "The requested resource was not found", nil))
	}
}
