package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"layer-engine/internal/admin"
	"layer-engine/internal/auth"
	"layer-engine/internal/config"
	"layer-engine/internal/engine"
	"layer-engine/internal/instrument"
	"layer-engine/internal/mapper"
	"layer-engine/internal/metadata"
	"layer-engine/internal/storage"
	"layer-engine/internal/store"
	"layer-engine/internal/widget"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s %s)", cfg.Server.Port, cfg.Database.Driver, cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	conns := store.NewConnections(db, cfg.Connections)
	defer conns.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Create registry and load layers
	if cfg.AdminRole != "" {
		metadata.AdminRole = cfg.AdminRole
	}
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db, reg); err != nil {
		log.Printf("WARN: Failed to load metadata: %v", err)
	}

	// 5. Shared collaborators
	signer := auth.NewMediaSigner(cfg.MediaSecret(), time.Duration(cfg.Media.TTLSeconds)*time.Second, cfg.Media.BaseURL)
	deps := widget.Deps{
		Layers:      reg,
		StorageRoot: cfg.Storage.LocalPath,
		Thumbnailer: storage.Thumbnailer{Size: cfg.Storage.ThumbnailSize},
		Signer:      signer,
	}
	mappers := mapper.NewCache(conns, deps)
	assets := engine.NewAssetHandler(db, storage.NewLocalStorage(cfg.Storage.AssetsPath), cfg.Storage.MaxFileSize)
	replay := engine.NewReplayCache(db, cfg.Replay.CacheSizeMB, cfg.Replay.TTLSeconds)
	if cfg.Replay.RetentionDays > 0 {
		purger := engine.NewReplayPurger(replay, cfg.Replay.RetentionDays, 24*time.Hour)
		purger.Start()
		defer purger.Stop()
	}

	// 6. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    int(cfg.Storage.MaxFileSize) + 1<<20,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 7. Metrics
	if cfg.Metrics.Enabled {
		metrics := instrument.NewMetrics("layer_engine")
		app.Use(metrics.Middleware())
		app.Get("/metrics", metrics.Handler())
	} else {
		app.Use(instrument.Middleware(&instrument.NoopInstrumenter{}))
	}

	// 8. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 9. Identity: anonymous unless a valid bearer token is sent
	app.Use(auth.Authenticate(cfg.JWTSecret))

	// 10. Register admin routes (admin role required)
	adminHandler := admin.NewHandler(conns, reg, mappers, replay, deps, admin.Defaults{
		PageSize:            cfg.Layers.PageSize,
		MaxPageSize:         cfg.Layers.MaxPageSize,
		ReplayRetentionDays: cfg.Replay.RetentionDays,
	})
	admin.RegisterAdminRoutes(app, adminHandler, auth.RequireAdmin())

	// 11. Register layer routes
	engineHandler := engine.NewHandler(conns, reg, mappers, assets, replay, engine.Options{
		BulkTimeout: time.Duration(cfg.Bulk.TimeoutSeconds) * time.Second,
	})
	engine.RegisterRoutes(app, engineHandler, signer)

	// 12. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		return c.Status(code).JSON(engine.ErrorResponse{
			Error: &engine.AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
		})
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
