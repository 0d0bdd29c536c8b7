package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/careline/careline-go-api/internal/config"
	"github.com/careline/careline-go-api/internal/handler"
	"github.com/careline/careline-go-api/internal/middleware"
	"github.com/careline/careline-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler   *handler.ChatHandler
	UploadHandler *handler.UploadHandler
	JWTMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ChatHandler != nil {
		// The websocket route authenticates via its own handshake; the REST
		// surface goes through the JWT middleware per route.
		chat := api.Group("/chat")
		chat.Use(middleware.RateLimit("chat", 120, time.Minute))
		deps.ChatHandler.Register(chat, jwtMiddleware)

		if deps.UploadHandler != nil {
			deps.UploadHandler.Register(chat, jwtMiddleware)
		}
	}
}
