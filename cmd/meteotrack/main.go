package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	httpapi "github.com/meteotrack/meteotrack/internal/api/http"
	"github.com/meteotrack/meteotrack/internal/config"
	"github.com/meteotrack/meteotrack/internal/coordinator"
	"github.com/meteotrack/meteotrack/internal/forecast"
	"github.com/meteotrack/meteotrack/internal/geocode"
	"github.com/meteotrack/meteotrack/internal/location"
	"github.com/meteotrack/meteotrack/internal/logging"
	"github.com/meteotrack/meteotrack/internal/scheduler"
	"github.com/meteotrack/meteotrack/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New("meteotrack")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	states, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to open state store", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer states.Close()

	// Shared HTTP client for outbound calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// Reverse geocoding: Google when a key is configured, otherwise the
	// keyless Open-Meteo geocoding API with Nominatim fallback.
	var namer geocode.Namer
	if cfg.GoogleAPIKey != "" {
		namer = geocode.NewGoogleNamer(cfg.GoogleAPIKey, logger)
	} else {
		namer = geocode.NewClient(httpClient, cfg.GeocodeLanguage, logger)
	}

	fetcher := forecast.NewClient(httpClient, logger)
	trackers := location.NewTrackerRegistry()

	sched := scheduler.New(logger)
	sched.Start()
	defer sched.Stop()

	registry := coordinator.NewRegistry(coordinator.RegistryOptions{
		Trackers:         trackers,
		Namer:            namer,
		Fetcher:          fetcher,
		States:           states,
		Scheduler:        sched,
		Logger:           logger,
		DefaultLatitude:  cfg.DefaultLatitude,
		DefaultLongitude: cfg.DefaultLongitude,
		GeocodeCooldown:  cfg.GeocodeCooldown,
	})
	defer registry.Close()

	for _, entry := range cfg.Entries {
		if _, err := registry.Add(entry); err != nil {
			logger.Fatal("failed to activate entry", zap.String("entry_id", entry.ID), zap.Error(err))
		}
		logger.Info("entry activated",
			zap.String("entry_id", entry.ID),
			zap.String("mode", entry.Mode),
			zap.Duration("update_interval", entry.UpdateInterval()))
	}

	app := fiber.New(fiber.Config{
		AppName:               "meteotrack",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, registry, trackers)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("fiber server stopped", zap.Error(err))
		}
	}()
	logger.Info("listening", zap.String("port", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
}
