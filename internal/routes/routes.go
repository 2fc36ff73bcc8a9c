package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lumapay/lumapay/internal/config"
	"github.com/lumapay/lumapay/internal/middleware"
	"github.com/lumapay/lumapay/internal/reconcile"
	"github.com/lumapay/lumapay/internal/report"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Engine   *reconcile.Engine
	Reporter *report.Reporter
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Health
	RegisterHealthRoutes(app, d)

	engineHandler := reconcile.NewHandler(d.Engine, d.Logger)
	reportHandler := report.NewHandler(d.Reporter)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Provider deliveries authenticate by signature, never by session. They
	// bypass the Idempotency-Key layer; the ledger dedupes by reference.
	RegisterWebhookRoutes(api, engineHandler, middleware.WebhookRateLimit(d.Cache, d.Cfg.WebhookRatePerMin))

	// Client-facing routes get HTTP-level idempotency caching on top.
	client := api.Group("", middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	RegisterAccountRoutes(client, engineHandler)
	RegisterWithdrawalRoutes(client, engineHandler)

	// Operator reports sit behind the static admin token.
	admin := api.Group("/admin", middleware.AdminAuth(d.Cfg.AdminTokenHash))
	RegisterReportRoutes(admin, reportHandler)

	return nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "development", "dev", "local":
		return true
	}
	return false
}
