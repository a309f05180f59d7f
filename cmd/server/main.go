package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/nfabilling/api/internal/artifact"
	"github.com/nfabilling/api/internal/config"
	"github.com/nfabilling/api/internal/engine"
	"github.com/nfabilling/api/internal/handler"
	"github.com/nfabilling/api/internal/middleware"
	"github.com/nfabilling/api/internal/samplestore"
	"github.com/nfabilling/api/internal/scheduler"
	"github.com/nfabilling/api/internal/store"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Server.Env == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	loc, err := time.LoadLocation(cfg.Compute.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.Compute.Timezone).Msg("unknown timezone")
	}

	// Embedded job and task store.
	st, err := store.Open(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.SQLitePath).Msg("store open failed")
	}
	defer st.Close()

	// External sample store. Opening lazily: a down store fails jobs, not the
	// process.
	sampleDB, err := sqlx.Open(cfg.SampleStore.Driver, cfg.SampleStore.DSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.SampleStore.Driver).Msg("sample store open failed")
	}
	defer sampleDB.Close()
	// One connection per concurrency slot, so a running job owns its own.
	sampleDB.SetMaxOpenConns(cfg.Compute.Concurrency)
	if err := sampleDB.Ping(); err != nil {
		log.Warn().Err(err).Msg("sample store not reachable yet")
	}
	gateway := samplestore.New(sampleDB, cfg.SampleStore.BatchSize, log)

	artifacts := artifact.NewStore(cfg.Storage.Dir)
	runner := engine.NewComputeRunner(gateway, artifacts, cfg.Partners.Mapping, loc)
	dispatcher := engine.NewDispatcher(st, runner, artifacts, cfg.Compute.Concurrency, engine.Defaults{
		BatchSize:       cfg.SampleStore.BatchSize,
		UnitBase:        cfg.Compute.UnitBase,
		IntervalSeconds: cfg.Compute.IntervalSeconds,
		Timezone:        loc,
	}, log)

	sched := scheduler.New(dispatcher, loc, log)
	ctx := context.Background()
	if err := sched.LoadAll(ctx, st); err != nil {
		log.Fatal().Err(err).Msg("task reload failed")
	}
	sweeper := scheduler.NewSweeper(st, artifacts, cfg.Retention.Days, log)
	if cfg.Retention.Days > 0 {
		if err := sched.RegisterSweep(cfg.Retention.SweepAt, func() {
			sweeper.Sweep(context.Background(), time.Now())
		}); err != nil {
			log.Fatal().Err(err).Str("at", cfg.Retention.SweepAt).Msg("retention sweep not schedulable")
		}
	}
	sched.Start()
	defer sched.Stop()

	validate := validator.New()
	taskHandler := handler.NewTaskHandler(st, sched, dispatcher, validate)
	jobHandler := handler.NewJobHandler(st, dispatcher, artifacts, validate)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Auth.APIKey)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())
	app.Use(requestLogger(log))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept," + middleware.HeaderAPIKey,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api", authMiddleware.Authenticate())

	tasks := api.Group("/tasks")
	tasks.Post("/", taskHandler.Create)
	tasks.Get("/", taskHandler.List)
	tasks.Get("/:id", taskHandler.Get)
	tasks.Put("/:id", taskHandler.Update)
	tasks.Delete("/:id", taskHandler.Delete)
	tasks.Post("/:id/run", taskHandler.Run)

	jobs := api.Group("/jobs")
	jobs.Post("/", jobHandler.Create)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/:id", jobHandler.Get)
	jobs.Get("/:id/log", jobHandler.Log)
	jobs.Get("/:id/artifacts/:filename", jobHandler.Download)
	jobs.Delete("/:id", jobHandler.Delete)

	metaHandler := handler.NewMetaHandler(cfg)
	meta := api.Group("/meta")
	meta.Get("/paths", metaHandler.Paths)
	meta.Get("/partners", metaHandler.Partners)

	// Graceful shutdown: stop accepting, then drain queued and running jobs.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		dispatcher.Wait()
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Int("concurrency", cfg.Compute.Concurrency).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	dispatcher.Wait()
}

func requestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Dur("latency", time.Since(start)).
			Msg("request")
		return err
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
