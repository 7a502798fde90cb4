// Package app wires the license server: configuration, logging, telemetry,
// storage, and the HTTP router, with graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"callpulse/internal/config"
	"callpulse/internal/fingerprint"
	"callpulse/internal/infrastructure"
	"callpulse/internal/middleware"
	"callpulse/internal/store"
	transporthttp "callpulse/internal/transport/http"
)

// sweepInterval paces the overdue-expiry reconciliation sweep. The
// read-triggered flips in activate/validate remain the primary path; the
// sweep only keeps reporting queries honest for licenses nobody touches.
const sweepInterval = time.Hour

// Application is the assembled license server.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Store  *store.Store
	OTel   *infrastructure.OTelProviders
	Router chi.Router
	Server *http.Server
}

// New loads configuration and assembles the application.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig assembles the application from an already loaded
// configuration. Used by tests.
func NewWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(logger)

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN,
		cfg.Security.LicenseSecret, cfg.Database.Debug, logger)
	if err != nil {
		return nil, fmt.Errorf("open license store: %w", err)
	}

	app := &Application{
		Config: cfg,
		Logger: logger,
		Store:  st,
		OTel:   otelProviders,
	}
	app.setupRouter()
	app.createServer()

	logger.Info("application assembled",
		slog.Int("port", cfg.Server.Port),
		slog.String("database_driver", cfg.Database.Driver))

	return app, nil
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RateLimiter(a.Config.Security.RateLimit))

	handler := transporthttp.NewLicenseHandler(
		a.Store,
		fingerprint.New(a.Logger),
		a.Config.Security,
		a.Logger,
	)
	r.Mount("/api/license", handler.Routes(a.Config.Security.RateLimit))

	r.Get("/healthz", a.handleHealth)
	if a.OTel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTel.PrometheusHTTP)
	}

	a.Router = r
}

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]interface{}{"status": "degraded", "error": err.Error()})
		return
	}
	render.JSON(w, r, map[string]interface{}{"status": "ok"})
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves HTTP and the expiry sweep until ctx is cancelled, then shuts
// down gracefully.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("license server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := a.Store.ExpireOverdue(ctx); err != nil {
					a.Logger.Error("expiry sweep failed", slog.String("error", err.Error()))
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *Application) shutdown() error {
	a.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := a.OTel.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
	}
	return a.Store.Close()
}
