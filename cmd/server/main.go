package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"bilbo/internal/api"
	"bilbo/internal/app"
	"bilbo/internal/config"
	"bilbo/internal/logging"
	"bilbo/internal/middleware"
	"bilbo/internal/services/events"
	"bilbo/internal/telemetry"
)

const version = "1.0.0"

func main() {
	var runImport bool

	cmd := &cobra.Command{
		Use:           "bilbo-server",
		Short:         "Serve the Bilbo library search and chat API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runImport)
		},
	}
	cmd.Flags().BoolVar(&runImport, "import", false, "import the data directory before serving")

	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func run(runImport bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(cfg.LogLevel)
	log.Info().Str("version", version).Msg("starting Bilbo server")

	jaegerShutdown, err := telemetry.InitJaeger("bilbo", version, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize Jaeger, continuing without tracing")
		jaegerShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	hub := events.NewHub()
	hub.Start()
	defer hub.Shutdown()

	application, err := app.New(cfg, hub)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close stores")
		}
	}()

	if runImport {
		report, err := application.Ingestion.ImportDirectory(context.Background())
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		log.Info().Int("failed", report.Failed).Msg("startup import complete")
	}

	if cfg.SupabaseURL == "" {
		log.Warn().Msg("SUPABASE_URL not set: authenticated routes will reject every request")
	}
	verifier := middleware.NewSupabaseVerifier(cfg.SupabaseURL, cfg.SupabaseAnonKey)

	handler := api.NewHandler(application.Search, application.RAG, application.Ingestion, cfg.SiteBaseURL)
	router := api.SetupRoutes(handler, verifier, events.NewHandler(hub))

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // chat answers and admin imports can take a while
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server shutdown complete")
	return nil
}
