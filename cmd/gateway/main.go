package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/surveyor-gateway/internal/audit"
	"github.com/tjfontaine/surveyor-gateway/internal/auth"
	"github.com/tjfontaine/surveyor-gateway/internal/metrics"
	"github.com/tjfontaine/surveyor-gateway/internal/pipeline"
	"github.com/tjfontaine/surveyor-gateway/internal/pkg/config"
	"github.com/tjfontaine/surveyor-gateway/internal/proxy"
	"github.com/tjfontaine/surveyor-gateway/internal/quota"
	"github.com/tjfontaine/surveyor-gateway/internal/server"
	"github.com/tjfontaine/surveyor-gateway/internal/storage"
	"github.com/tjfontaine/surveyor-gateway/internal/telemetry"
)

const serviceName = "surveyor-gateway"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.Telemetry.Exporter, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := storage.Open(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("storage ready",
		slog.String("type", cfg.Storage.Type),
		slog.String("path", cfg.Storage.Path))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	verifierOpts := []auth.Option{auth.WithTimeout(cfg.Auth.Timeout), auth.WithLogger(logger)}
	if cfg.Auth.TokenInfoURL != "" {
		verifierOpts = append(verifierOpts, auth.WithTokenInfoURL(cfg.Auth.TokenInfoURL))
	}
	verifier := auth.NewVerifier(cfg.Auth.ClientID, verifierOpts...)
	collector.SetAuthMode(verifier.Mode())

	limiter, err := quota.NewLimiter(store, cfg.RateLimit.Requests, cfg.RateLimit.WindowDuration())
	if err != nil {
		return err
	}

	auditLogger := audit.NewLogger(store, cfg.Audit.QueueSize,
		audit.WithLogger(logger),
		audit.WithMetrics(collector))

	p := pipeline.New(pipeline.Config{
		Verifier:   verifier,
		Identities: store,
		Quota:      limiter,
		Audit:      auditLogger,
		Metrics:    collector,
		Logger:     logger,
	})

	forwarder := proxy.NewForwarder(cfg.Backend.URL,
		proxy.WithTimeout(cfg.Backend.Timeout),
		proxy.WithMetrics(collector),
		proxy.WithLogger(logger))

	srv := server.New(server.Config{
		Port:           cfg.Server.Port,
		ClientID:       cfg.Auth.ClientID,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, server.Deps{
		Logger:    logger,
		Pipeline:  p,
		Forwarder: forwarder,
		Quota:     limiter,
		AuthMode:  verifier.Mode(),
		Gatherer:  reg,
	})

	logger.Info("gateway configured",
		slog.String("backend", cfg.Backend.URL),
		slog.String("auth_mode", verifier.Mode()),
		slog.Int("rate_limit_requests", cfg.RateLimit.Requests),
		slog.Int("rate_limit_window", cfg.RateLimit.Window),
		slog.Any("stages", p.Stages()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, stopping gateway...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop taking requests first so every audit record is queued before
		// the queue is drained.
		err := srv.Shutdown(shutdownCtx)
		if aerr := auditLogger.Close(shutdownCtx); aerr != nil {
			logger.Error("audit queue not drained", slog.String("error", aerr.Error()))
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Gateway shutdown complete")
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
