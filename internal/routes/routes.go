package routes

import (
    "fmt"
    "log/slog"
    "net/http"
    "time"

    "github.com/gofiber/fiber/v2"
    "github.com/gofiber/fiber/v2/middleware/recover"
    "github.com/redis/go-redis/v9"

    "github.com/chatbank/chatbank/internal/config"
    "github.com/chatbank/chatbank/internal/ledger"
    "github.com/chatbank/chatbank/internal/middleware"
    "github.com/chatbank/chatbank/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
    Cfg    config.Config
    Store  ledger.Store
    Cache  *redis.Client
    Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
    if d.Store == nil {
        return fmt.Errorf("ledger store is required")
    }
    // Enforce Redis presence outside of dev, even though config also checks.
    if !d.Cfg.IsDev() && d.Cache == nil {
        return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
    }

    app.Use(recover.New())
    app.Use(middleware.RequestID())
    app.Use(middleware.Audit(d.Logger))

    RegisterHealthRoutes(app, d)

    notifier := notification.NewLoggerNotifier(d.Logger)
    svc := ledger.NewService(d.Store, ledger.Options{
        MaxAmount:          d.Cfg.MaxAmount,
        DefaultDisplayName: d.Cfg.DefaultDisplayName,
        HistoryLimit:       d.Cfg.HistoryLimit,
        MaxHistoryLimit:    d.Cfg.MaxHistoryLimit,
    }, notifier, d.Logger)
    handler := ledger.NewHandler(svc)

    api := app.Group("/api/v1", middleware.APIKey(d.Cfg.APIKeyHashes, d.Logger))
    if d.Cache != nil {
        api.Use(middleware.Idempotency(d.Cache, middleware.IdempotencyConfig{TTL: d.Cfg.IdempotencyTTL}, d.Logger))
    }
    api.Get("/ping", func(c *fiber.Ctx) error {
        reqID, _ := c.Locals("X-Request-ID").(string)
        return c.Status(http.StatusOK).JSON(fiber.Map{
            "status":     "ok",
            "request_id": reqID,
            "timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
        })
    })

    RegisterLedgerRoutes(api, handler, middleware.AccountRateLimit(d.Cache, d.Cfg.RateLimitPerMinute, d.Logger))
    return nil
}
