package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"formflow/internal/admin"
	"formflow/internal/auth"
	"formflow/internal/config"
	"formflow/internal/engine"
	"formflow/internal/instrument"
	"formflow/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s:%d/%s)", cfg.Server.Port, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap tables: %v", err)
	}
	log.Println("Tables ready")

	// 4. Instrumentation
	var eventBuffer *instrument.EventBuffer
	if cfg.Instrumentation.Enabled {
		eventBuffer = instrument.NewEventBuffer(&instrument.PgEventSink{Pool: db.Pool},
			cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs)
		defer eventBuffer.Stop()
	}

	// 5. Webhook engine
	webhooks := &engine.PgWebhookStore{DB: db.Pool}
	deliveries := &engine.PgDeliveryStore{DB: db.Pool}
	forms := &engine.PgFormSource{DB: db.Pool}

	registry := engine.NewRegistry(webhooks, forms, engine.LogNotifier{})
	deliveryLog := engine.NewDeliveryLog(deliveries)
	enqueuer := engine.NewEnqueuer(webhooks, deliveries, forms)
	dispatcher := engine.NewDispatcher(webhooks, deliveries, forms, cfg.Webhooks)
	if eventBuffer != nil {
		dispatcher.UseInstrumenter(instrument.NewInstrumenter(eventBuffer))
	}
	dispatcher.AddMaintenance("webhook_deliveries", func(ctx context.Context) (int64, error) {
		return deliveryLog.Cleanup(ctx, cfg.Webhooks.Retention())
	})
	dispatcher.AddMaintenance("_events", func(ctx context.Context) (int64, error) {
		return instrument.CleanupOldEvents(ctx, db.Pool, cfg.Instrumentation.RetentionDays)
	})

	// 6. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(cfg.Instrumentation, eventBuffer))

	// 7. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 8. Auth middleware for all protected routes
	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	adminMW := auth.RequireAdmin()

	// 9. Admin routes (auth + admin required)
	admin.RegisterAdminRoutes(app, admin.NewHandler(registry), authMW, adminMW)
	instrument.RegisterEventRoutes(app, instrument.NewEventHandler(db.Pool), authMW, adminMW)

	// 10. Operator API and producer hooks
	engineHandler := engine.NewHandler(registry, deliveryLog, dispatcher, enqueuer)
	engine.RegisterWebhookRoutes(app, engineHandler, authMW, adminMW)

	// 11. Start dispatcher
	dispatcher.Start()
	defer dispatcher.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("Shutting down")
		if err := app.Shutdown(); err != nil {
			log.Printf("ERROR: shutdown: %v", err)
		}
	}()

	// 12. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Printf("ERROR: listen: %v", err)
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
