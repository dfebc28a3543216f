package app

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/redis/go-redis/v9"

	"mermaid2img/internal/handlers"
	"mermaid2img/internal/renderer"
	u "mermaid2img/internal/utils"
)

const minBodyLimit = 4 * 1024 * 1024

// Deps are the collaborators the app is built from. Redis and Tokens may be nil.
type Deps struct {
	Config   u.Config
	Redis    *redis.Client
	Tokens   *u.TokenStore
	Renderer renderer.Renderer
}

// SetupApp creates and configures a new Fiber app instance
func SetupApp(d Deps) *fiber.App {
	cfg := d.Config

	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		// Form encoding can inflate source text up to 3x.
		BodyLimit: max(minBodyLimit, cfg.Limits.MaxSourceBytes*4),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			} else {
				u.Error("Unhandled error", "path", c.Path(), "error", err)
			}

			u.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    code,
					"message": msg,
				},
			})
		},
	})

	svc := handlers.NewRenderService(cfg, d.Redis, d.Renderer)

	RegisterMiddleware(app, cfg, d.Tokens, svc.Ready)
	RegisterRoutes(app, svc)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// RegisterRoutes mounts all route handlers to the app
func RegisterRoutes(app *fiber.App, svc *handlers.RenderService) {
	app.Get("/", svc.HandleIndex)
	app.Post("/render", svc.HandleRender)
	app.Post("/preview", svc.HandlePreview)

	v1 := app.Group("/v1")
	v1.Get("/renderer", svc.HandleRendererInfo)

	app.Get("/monitor", monitor.New())
}
