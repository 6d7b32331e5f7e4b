// Portfolio status notification hub.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kmcai/portfolio-status/internal/api"
	"github.com/kmcai/portfolio-status/internal/config"
	"github.com/kmcai/portfolio-status/internal/health"
	"github.com/kmcai/portfolio-status/internal/hub"
	"github.com/kmcai/portfolio-status/internal/middleware"
	"github.com/kmcai/portfolio-status/internal/store"
)

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

	if err := run(cfg, logger); err != nil {
		slog.Error("Hub stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Hub stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting hub", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Journal opened", "path", cfg.DBPath)

	healthSrv := health.NewServer(logger)
	if err := healthSrv.CheckDependency(context.Background(), repo); err != nil {
		return err
	}

	notifications := hub.New(hub.Options{
		Journal:       repo,
		Logger:        logger,
		SendQueueSize: cfg.SendQueueSize,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		ReadLimit:     1 << 20,
	})
	updates := api.NewUpdatesHandler(api.UpdatesOptions{
		Publisher:    notifications,
		Journal:      repo,
		PublishRate:  cfg.PublishRate,
		PublishBurst: cfg.PublishBurst,
		Logger:       logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.AllowedOrigins(cfg.FrontendURL, cfg.IsDevelopment())))

	api.NewHealthHandler(repo, 5*time.Second).RegisterHealth(r)
	updates.RegisterRoutes(r)
	r.Get("/hubs/processing", notifications.ServeHTTP)

	// Websocket clients stay connected for the whole session, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartTTLWorker(ctx, repo, cfg.JournalTTL, 0, nil)

	var grpcLis net.Listener
	if cfg.GRPCPort != "" {
		if grpcLis, err = net.Listen("tcp", ":"+cfg.GRPCPort); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if grpcLis != nil {
		g.Go(func() error { return healthSrv.Serve(grpcLis) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		healthSrv.SetServing(false)
		notifications.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		healthSrv.Stop()
		return err
	})

	return g.Wait()
}
