package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/burst/internal/config"
	"github.com/terrpan/burst/internal/gate"
	"github.com/terrpan/burst/internal/health"
	"github.com/terrpan/burst/internal/job"
	"github.com/terrpan/burst/internal/lifecycle"
	"github.com/terrpan/burst/internal/otel"
	"github.com/terrpan/burst/internal/secrets"
)

var (
	cfgPath       string
	flagOverrides config.Config

	// run-job flags
	payload     string
	payloadFile string
)

// jobPayloadEnv is the fallback source for the run-job descriptor when
// no flag is given (the docker and gcp dispatchers deliver it this way).
const jobPayloadEnv = "BURST_JOB"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burst",
	Short: "Webhook-driven one-shot GitHub Actions runners",
	Long: `burst turns queued workflow_job webhook deliveries into short-lived,
single-use runners. The serve command runs the webhook gate; run-job
executes exactly one worker invocation and exits.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gate HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runServe(ctx)
	},
}

var runJobCmd = &cobra.Command{
	Use:   "run-job",
	Short: "Execute one worker invocation for a dispatched job",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd.Context())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	sf := serveCmd.Flags()
	sf.StringVar(&flagOverrides.Gate.ListenAddr, "listen", "", "Gate listen address (e.g. :8080)")
	sf.StringVar(&flagOverrides.Pool.Name, "pool", "", "Pool name")
	sf.StringSliceVar(&flagOverrides.Pool.Labels, "labels", nil, "Pool label set a job must fully contain")
	sf.StringVar(&flagOverrides.Dispatch.Type, "dispatch", "", "Dispatch backend (local, docker, gcp)")

	jf := runJobCmd.Flags()
	jf.StringVar(&payload, "payload", "", "Job descriptor JSON")
	jf.StringVar(&payloadFile, "payload-file", "", "Path to a file containing the job descriptor JSON")

	rootCmd.AddCommand(serveCmd, runJobCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Gate.ListenAddr != "" {
		cfg.Gate.ListenAddr = flagOverrides.Gate.ListenAddr
	}
	if flagOverrides.Pool.Name != "" {
		cfg.Pool.Name = flagOverrides.Pool.Name
	}
	if len(flagOverrides.Pool.Labels) > 0 {
		cfg.Pool.Labels = flagOverrides.Pool.Labels
	}
	if flagOverrides.Dispatch.Type != "" {
		cfg.Dispatch.Type = flagOverrides.Dispatch.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupOTel(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	return otel.SetupOTelSDK(ctx, "burst", otel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: cfg.OTel.PrometheusEnabled,
	})
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("listenAddr", cfg.Gate.ListenAddr),
		slog.String("dispatch", cfg.Dispatch.Type),
		slog.String("pool", cfg.Pool.Name),
		slog.Any("labels", cfg.Pool.Labels),
	)

	otelShutdown, err := setupOTel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setting up otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("otel shutdown error", slog.String("error", err.Error()))
		}
	}()

	store, err := cfg.NewSecretStore(ctx)
	if err != nil {
		return fmt.Errorf("creating secret store: %w", err)
	}
	cache := secrets.NewCache(store)

	// SIGHUP drops the cached signing secret so a rotated value takes
	// effect without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			logger.Info("SIGHUP received, invalidating secret cache")
			cache.Invalidate()
		}
	}()
	defer signal.Stop(hup)

	dispatcher, err := cfg.NewDispatcher(ctx, cfgPath, logger)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Error("dispatcher close error", slog.String("error", err.Error()))
		}
	}()

	handler := gate.New(gate.Config{
		WebhookSecretName: cfg.GitHub.WebhookSecret,
		PoolLabels:        cfg.Pool.Labels,
		Secrets:           cache,
		Dispatcher:        dispatcher,
		Logger:            logger.WithGroup("gate"),
	})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post("/webhook", handler.ServeHTTP)
	r.Get("/healthz", health.Handler(cfg.Dispatch.Type))
	if cfg.OTel.PrometheusEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Gate.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gate listening", slog.String("addr", cfg.Gate.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gate server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gate shutdown: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// run-job
// ---------------------------------------------------------------------------

func runJob(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	desc, err := resolvePayload()
	if err != nil {
		return err
	}

	logger := cfg.NewLogger()
	logger.Info("worker invocation starting",
		slog.Int64("jobID", desc.JobID),
		slog.String("repo", desc.OwnerRepo),
	)

	otelShutdown, err := setupOTel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setting up otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("otel shutdown error", slog.String("error", err.Error()))
		}
	}()

	store, err := cfg.NewSecretStore(ctx)
	if err != nil {
		return fmt.Errorf("creating secret store: %w", err)
	}

	invoker := lifecycle.New(lifecycle.Config{
		TokenSecretName:  cfg.GitHub.TokenSecret,
		WorkDir:          cfg.Runner.WorkDir,
		ExecutionCeiling: cfg.Runner.ExecutionCeiling.Std(),
		SafetyMargin:     cfg.Runner.SafetyMargin.Std(),
		Secrets:          store,
		Registrar:        &lifecycle.GitHubRegistrar{BaseURL: cfg.GitHub.APIURL},
		Executor: &lifecycle.RunnerExecutor{
			DistDir:   cfg.Runner.DistDir,
			ServerURL: cfg.GitHub.ServerURL,
			PoolName:  cfg.Pool.Name,
			Labels:    cfg.Pool.Labels,
			Logger:    logger.WithGroup("runner"),
		},
		Logger: logger.WithGroup("lifecycle"),
	})

	return invoker.Run(ctx, desc)
}

// resolvePayload reads the job descriptor from --payload,
// --payload-file, or the BURST_JOB environment variable, in that order.
func resolvePayload() (*job.Descriptor, error) {
	switch {
	case payload != "":
		return job.Decode([]byte(payload))
	case payloadFile != "":
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		return job.Decode(data)
	default:
		if v := os.Getenv(jobPayloadEnv); v != "" {
			return job.Decode([]byte(v))
		}
		return nil, errors.New("no job descriptor: provide --payload, --payload-file, or " + jobPayloadEnv)
	}
}
