// Supportdesk - live support chat coordination server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/supportdesk/internal/api"
	"github.com/ashureev/supportdesk/internal/config"
	"github.com/ashureev/supportdesk/internal/coordination"
	"github.com/ashureev/supportdesk/internal/dashboard"
	"github.com/ashureev/supportdesk/internal/healthcheck"
	"github.com/ashureev/supportdesk/internal/identity"
	"github.com/ashureev/supportdesk/internal/message"
	"github.com/ashureev/supportdesk/internal/middleware"
	"github.com/ashureev/supportdesk/internal/presence"
	"github.com/ashureev/supportdesk/internal/retention"
	"github.com/ashureev/supportdesk/internal/session"
	"github.com/ashureev/supportdesk/internal/store"
	"github.com/ashureev/supportdesk/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const serviceName = "supportdesk"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "backend", cfg.StorageBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.New(cfg.StorageBackend, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize services.
	registry := session.NewRegistry(repo, logger)
	svc := coordination.NewService(
		registry,
		message.NewLog(repo, logger, cfg.MessageHistoryLimit),
		presence.NewStore(repo, logger),
		logger,
	)
	views := dashboard.NewViewManager()
	svc.SetNotifier(views)

	sendLimiter := api.NewRateLimiter(cfg.SendRateLimit)
	defer sendLimiter.Stop()

	// Initialize handlers.
	apiHandler := api.NewHandler(svc, sendLimiter, cfg.MessageHistoryLimit)
	healthHandler := api.NewHealthHandler(repo, cfg.HealthCheckTimeout)
	dashHandler := dashboard.NewHandler(svc, views, dashboard.Config{
		SessionInterval:  cfg.SessionPollInterval,
		MessageInterval:  cfg.MessagePollInterval,
		PresenceInterval: cfg.PresencePollInterval,
		HistoryLimit:     cfg.MessageHistoryLimit,
		AllowedOrigin:    cfg.FrontendURL,
		IsDev:            cfg.IsDevelopment(),
	}, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Everything else needs a caller identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware())
		apiHandler.RegisterRoutes(r)
		r.Get("/ws/dashboard", dashHandler.ServeHTTP)
	})

	// Create server.
	// WebSocket feeds are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start retention worker.
	retention.NewWorker(registry, cfg.ClosedSessionRetention, cfg.RetentionSweepInterval, logger).Start(ctx)

	// Start gRPC health endpoint (optional).
	var healthSrv *healthcheck.Server
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err)
			os.Exit(1)
		}
		healthSrv = healthcheck.NewServer(repo, 10*time.Second, cfg.HealthCheckTimeout, logger)
		go func() {
			if err := healthSrv.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Hijacked WebSocket connections are not tracked by Shutdown.
	views.CloseAll()
	if healthSrv != nil {
		healthSrv.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
