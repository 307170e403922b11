package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omniroute/omniroute/internal/api"
	"github.com/omniroute/omniroute/internal/breaker"
	"github.com/omniroute/omniroute/internal/config"
	"github.com/omniroute/omniroute/internal/decisionlog"
	"github.com/omniroute/omniroute/internal/observability"
	"github.com/omniroute/omniroute/internal/provider"
	"github.com/omniroute/omniroute/internal/quota"
	"github.com/omniroute/omniroute/internal/router"
	"github.com/omniroute/omniroute/internal/telemetry"
	"github.com/omniroute/omniroute/internal/version"
)

const (
	defaultConfigPath     = "omniroute.yaml"
	writerShutdownTimeout = 10 * time.Second
	otelShutdownTimeout   = 5 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("omniroute", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	showVersion := flagSet.Bool("version", false, "Print version and exit")
	validateOnly := flagSet.Bool("validate", false, "Validate config and exit")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(os.Stdout, "omniroute "+version.Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		return 1
	}
	if *validateOnly {
		fmt.Fprintln(os.Stdout, "config is valid")
		return 0
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability, version.Version, logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
		otelRuntime = &observability.Runtime{}
	}
	defer shutdownOpenTelemetry(logger, otelRuntime)

	decisionStore, err := newDecisionStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize decision storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := decisionStore.Close(); err != nil {
			logger.Error("failed to close decision storage", "error", err)
		}
	}()

	decisionWriter := decisionlog.NewWriter(decisionStore, cfg.Route.WriterBufferSize)
	decisionWriter.OnDrop = otelRuntime.RecordDecisionDrop
	decisionWriter.Start(context.Background())
	defer shutdownDecisionWriter(logger, decisionWriter)

	quotaStore, closeQuotaStore, err := newQuotaStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize quota storage: %v\n", err)
		return 1
	}
	defer closeQuotaStore(logger)

	tracker := quota.NewTracker(quotaStore)
	registry := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		profile := profileFromConfig(pc)
		client, err := clientFromConfig(pc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize provider %q: %v\n", pc.Name, err)
			return 1
		}
		if err := registry.Register(profile, client); err != nil {
			fmt.Fprintf(os.Stderr, "failed to register provider %q: %v\n", pc.Name, err)
			return 1
		}
		if !pc.Local {
			tracker.SetLimits(pc.Name, quota.Limits{
				RequestsPerMinute:  pc.RequestsPerMinute,
				RequestsPerDay:     pc.RequestsPerDay,
				TokensPerMonth:     pc.TokensPerMonth,
				CostCapPerMonthUSD: pc.CostCapPerMonthUSD,
			})
		}
	}
	for _, customer := range cfg.Customers {
		tracker.SetCustomerCap(customer.ID, customer.CostCapPerMonthUSD)
	}

	remoteNames := make([]string, 0, len(cfg.Providers))
	for _, entry := range registry.Remotes() {
		remoteNames = append(remoteNames, entry.Profile.Name)
	}
	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeoutSec) * time.Second,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, remoteNames, func(providerName string, from, to breaker.State) {
		logger.Info("breaker state changed",
			"provider", providerName,
			"from", from.String(),
			"to", to.String(),
		)
		otelRuntime.RecordBreakerTransition(providerName, from.String(), to.String())
	})

	requestRouter, err := router.New(router.Options{
		Registry:        registry,
		Tracker:         tracker,
		Breakers:        breakers,
		Logger:          logger,
		DispatchTimeout: time.Duration(cfg.Route.DispatchTimeoutMS) * time.Millisecond,
		OnAttempt: func(providerName string, outcome router.AttemptOutcome) {
			otelRuntime.RecordAttempt(providerName, string(outcome))
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize router: %v\n", err)
		return 1
	}

	recorder := telemetry.NewRecorder(telemetry.Options{
		Writer:   decisionWriter,
		Store:    decisionStore,
		Registry: registry,
		Tracker:  tracker,
		Breakers: breakers,
		Logger:   logger,
	})

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.Version,
		Router:        requestRouter,
		Recorder:      recorder,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		Logger:        logger,
	})
	serverHandler := otelRuntime.WrapHTTPHandler(apiHandler)

	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           serverHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("startup banner",
		"version", version.Version,
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"quota_store", cfg.Quota.Store,
		"providers", registry.Names(),
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("router stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("router failed", "error", err)
			return 1
		}
		return 0
	}
}

func newDecisionStore(cfg config.Config) (decisionlog.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return decisionlog.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return decisionlog.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func newQuotaStore(cfg config.Config) (quota.Store, func(*slog.Logger), error) {
	switch cfg.Quota.Store {
	case "memory":
		return quota.NewMemoryStore(), func(*slog.Logger) {}, nil
	case "postgres":
		store, err := quota.NewPostgresStore(cfg.Quota.DSN)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func(logger *slog.Logger) {
			if err := store.Close(); err != nil {
				logger.Error("failed to close quota storage", "error", err)
			}
		}
		return store, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unsupported quota.store %q", cfg.Quota.Store)
	}
}

func profileFromConfig(pc config.ProviderConfig) provider.Profile {
	return provider.Profile{
		Name:               pc.Name,
		CostPer1MTokens:    pc.CostPer1MTokens,
		AvgLatencySeconds:  pc.AvgLatencySeconds,
		SupportsReasoning:  pc.SupportsReasoning,
		SupportsVision:     pc.SupportsVision,
		IsFree:             pc.Free,
		Local:              pc.Local,
		RequestsPerMinute:  pc.RequestsPerMinute,
		RequestsPerDay:     pc.RequestsPerDay,
		TokensPerMonth:     pc.TokensPerMonth,
		CostCapPerMonthUSD: pc.CostCapPerMonthUSD,
		Priority:           pc.Priority,
	}
}

func clientFromConfig(pc config.ProviderConfig) (provider.Client, error) {
	if pc.Local {
		return provider.NewLocalClient(pc.Model), nil
	}
	apiKey := ""
	if pc.APIKeyEnv != "" {
		apiKey = os.Getenv(pc.APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key: set %s", pc.APIKeyEnv)
	}
	return provider.NewOpenAIClient(pc.Name, pc.Upstream, apiKey, pc.Model), nil
}

func shutdownDecisionWriter(logger *slog.Logger, writer *decisionlog.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), writerShutdownTimeout)
	defer cancel()
	if err := writer.Shutdown(ctx); err != nil {
		logger.Error("decision writer shutdown incomplete", "error", err, "dropped", writer.Dropped())
		return
	}
	if dropped := writer.Dropped(); dropped > 0 {
		logger.Warn("decision writer dropped records", "dropped", dropped)
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("opentelemetry shutdown incomplete", "error", err)
	}
}
