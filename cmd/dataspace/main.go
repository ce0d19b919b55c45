package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/digitaltwin-dataspace/internal/api/http"
	"github.com/i474232898/digitaltwin-dataspace/internal/archive"
	"github.com/i474232898/digitaltwin-dataspace/internal/artifact"
	"github.com/i474232898/digitaltwin-dataspace/internal/blob"
	"github.com/i474232898/digitaltwin-dataspace/internal/component"
	"github.com/i474232898/digitaltwin-dataspace/internal/config"
	"github.com/i474232898/digitaltwin-dataspace/internal/index"
	"github.com/i474232898/digitaltwin-dataspace/internal/logging"
	"github.com/i474232898/digitaltwin-dataspace/internal/providers"
	"github.com/i474232898/digitaltwin-dataspace/internal/scheduler"
)

const serviceName = "digitaltwin-dataspace"

func main() {
	os.Exit(start())
}

// start returns the process exit code once every deferred cleanup has run.
func start() int {
	cfg, err := config.Load()
	if err != nil {
		// logger config is part of cfg, so there is no logger yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("dataspace stopped with error", zap.Error(err))
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) error {
	idx, closeIndex, err := index.Open(index.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeIndex(); err != nil {
			log.Warn("failed to close index database", zap.Error(err))
		}
	}()

	blobs, err := blob.New(ctx, blob.Config{
		ConnectionString: cfg.Storage.ConnectionString,
		Container:        cfg.Storage.Container,
		Directory:        cfg.Storage.Directory,
	}, log)
	if err != nil {
		return err
	}

	classifier, err := archive.NewClassifier(cfg.Managers.ManifestPatterns...)
	if err != nil {
		return err
	}

	repo := artifact.NewRepository(blobs, idx, log, artifact.WithArchiveLimit(cfg.ArchiveLimit))

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	catalog, err := buildCatalog(cfg, httpClient, log)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched := scheduler.New(repo, scheduler.Options{CollectTimeout: cfg.CollectTimeout},
		scheduler.NewMetrics("dataspace", registry), log)
	for _, p := range catalog.Producers() {
		if err := sched.Register(p); err != nil {
			return err
		}
	}
	if err := sched.Start(); err != nil {
		return err
	}

	app := newApp(cfg, log)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": serviceName,
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	httpapi.RegisterRoutes(app, repo, catalog, classifier, log)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("port", cfg.Port), zap.Int("components", len(catalog.Entries())))
		serveErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("fiber server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func buildCatalog(cfg *config.AppConfig, client *http.Client, log *zap.Logger) (*component.Catalog, error) {
	catalog := component.NewCatalog()

	producers := providers.Build(client, providers.Settings{
		OpenWeatherAPIKey: cfg.Providers.OpenWeatherAPIKey,
		WeatherAPIKey:     cfg.Providers.WeatherAPIKey,
		STIBAPIKey:        cfg.Providers.STIBAPIKey,
		DeLijnAPIKey:      cfg.Providers.DeLijnAPIKey,
		GeocoderAPIKey:    cfg.Providers.GeocoderAPIKey,
		Location:          cfg.Providers.Location(),
		Enabled:           cfg.Providers.Enabled,
	}, log)
	for _, p := range producers {
		if err := catalog.AddProducer(p); err != nil {
			return nil, err
		}
	}

	for _, name := range cfg.Managers.Assets {
		if err := catalog.AddManager(component.KindAssets, component.Configuration{
			Name:        name,
			Tags:        []string{"Assets"},
			Description: "Uploaded files",
			ContentType: fiber.MIMEOctetStream,
		}); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Managers.Tilesets {
		if err := catalog.AddManager(component.KindTileset, component.Configuration{
			Name:        name,
			Tags:        []string{"3D Tiles"},
			Description: "Uploaded tilesets",
			ContentType: artifact.ManifestMediaType,
		}); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func newApp(cfg *config.AppConfig, log *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.HTTPTimeout,
		WriteTimeout:          cfg.HTTPTimeout,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			if code >= fiber.StatusInternalServerError {
				log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())
	return app
}
