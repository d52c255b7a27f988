package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/onboard/internal/api"
	"github.com/rendis/onboard/internal/clients"
	"github.com/rendis/onboard/internal/engine"
	"github.com/rendis/onboard/internal/expressions"
	"github.com/rendis/onboard/internal/logging"
	"github.com/rendis/onboard/internal/metrics"
	"github.com/rendis/onboard/internal/rules"
	"github.com/rendis/onboard/internal/scheduler"
	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/internal/streaming"
	"github.com/rendis/onboard/internal/validation"
	"github.com/rendis/onboard/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	thresholds, err := rules.NewThresholds(cfg.ProfitabilityMinimum, cfg.ProfitabilityTarget)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	m := metrics.New()
	jq := expressions.NewGoJQEngine()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	stepTimeout := duration(cfg.StepTimeout, 30*time.Second)
	catalog := engine.NewCatalog(engine.CatalogConfig{
		Thresholds:     thresholds,
		WebhookURL:     cfg.WebhookURL,
		RetentionYears: cfg.RetentionYears,
		StepTimeout:    stepTimeout,
	}, jq, logger)

	clientTimeout := duration(cfg.ClientTimeout, 30*time.Second)
	stepClients := map[string]clients.Client{
		schema.StepSimulatorAPI: clients.NewSimulatorClient(clients.Config{
			BaseURL: cfg.SimulatorURL, APIKey: cfg.SimulatorKey, Timeout: clientTimeout,
		}),
		schema.StepProfitabilityCheck: clients.NewProfitabilityClient(clients.Config{
			BaseURL: cfg.ProfitabilityURL, APIKey: cfg.ProfitabilityKey, Timeout: clientTimeout,
		}),
		schema.StepContractGeneration: clients.NewContractGeneratorClient(clients.Config{
			BaseURL: cfg.ContractURL, APIKey: cfg.ContractKey, Timeout: clientTimeout,
		}),
		schema.StepESignUpload: clients.NewESignClient(clients.Config{
			BaseURL: cfg.ESignURL, APIKey: cfg.ESignKey, Timeout: clientTimeout,
		}),
		schema.StepVisionArchive: clients.NewVisionClient(clients.Config{
			BaseURL: cfg.VisionURL, APIKey: cfg.VisionKey, Timeout: clientTimeout,
		}),
	}

	breakers := engine.NewCircuitBreakerRegistry(engine.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         duration(cfg.BreakerCooldown, 30*time.Second),
		HalfOpenMax:      cfg.BreakerHalfOpenMax,
	})
	executor := engine.NewExecutor(catalog, stepClients, breakers,
		engine.NewFallbackPolicy(thresholds), m, logger)
	eng := engine.NewEngine(executor, catalog, cel, st, breakers, m, logger)
	hub := streaming.NewMemoryHub()
	eng.SetEventHub(hub)

	if recovered, err := eng.RecoverOrphans(ctx); err != nil {
		logger.Warn("orphan recovery failed", slog.String("error", err.Error()))
	} else if recovered > 0 {
		logger.Info("recovered orphaned processes", slog.Int("count", recovered))
	}

	sweeper, err := scheduler.NewRetentionSweeper(st, scheduler.Config{
		CronExpression: cfg.RetentionCron,
		RetentionYears: cfg.RetentionYears,
	}, logger)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	validator, err := validation.NewJSONSchemaValidator(catalog.Order())
	if err != nil {
		return err
	}

	server := api.NewServer(eng, validator, m.Handler(), logger, api.Config{
		AuthToken: cfg.AuthToken,
	})
	server.SetEventHub(hub)
	server.SetBreakerInspector(breakers)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", slog.String("error", err.Error()))
	}
	return nil
}

// newLogger builds the JSON logger with correlation attributes injected from
// context.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
