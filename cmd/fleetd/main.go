package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/buildfleet/internal/ci"
	"github.com/terrpan/buildfleet/internal/config"
	"github.com/terrpan/buildfleet/internal/dispatch"
	"github.com/terrpan/buildfleet/internal/fleet"
	"github.com/terrpan/buildfleet/internal/health"
	"github.com/terrpan/buildfleet/internal/otel"
	"github.com/terrpan/buildfleet/internal/scheduler"
	"github.com/terrpan/buildfleet/internal/shell"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Build fleet control plane -- CI build server scheduler and dispatcher",
	Long: `fleetd manages a fleet of cloud build servers for CI jobs: it scales
servers up and down against the pending job queue, dispatches jobs to
reserved servers over SSH, and supervises running builds.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Control plane overrides
	f.StringVar(&flagOverrides.ControlPlane.BaseURL, "base-url", "", "Externally reachable control plane URL (e.g. https://ci.example.com)")
	f.StringVar(&flagOverrides.ControlPlane.ListenAddress, "listen", "", "HTTP bind address")

	// Fleet overrides
	f.IntVar(&flagOverrides.Fleet.MaxServers, "max-servers", 0, "Maximum number of concurrent build servers")
	f.DurationVar(&flagOverrides.Fleet.IdleTimeout, "idle-timeout", 0, "How long idle servers are kept before stopping")

	// Driver override
	f.StringVar(&flagOverrides.Driver.Type, "driver", "", "Compute driver (docker, gcp)")

	// Storage override
	f.StringVar(&flagOverrides.Storage.StateDir, "state-dir", "", "Directory for persisted fleet and job state")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.ControlPlane.BaseURL != "" {
		cfg.ControlPlane.BaseURL = flagOverrides.ControlPlane.BaseURL
	}
	if flagOverrides.ControlPlane.ListenAddress != "" {
		cfg.ControlPlane.ListenAddress = flagOverrides.ControlPlane.ListenAddress
	}
	if flagOverrides.Fleet.MaxServers != 0 {
		cfg.Fleet.MaxServers = flagOverrides.Fleet.MaxServers
	}
	if flagOverrides.Fleet.IdleTimeout != 0 {
		cfg.Fleet.IdleTimeout = flagOverrides.Fleet.IdleTimeout
	}
	if flagOverrides.Driver.Type != "" {
		cfg.Driver.Type = flagOverrides.Driver.Type
	}
	if flagOverrides.Storage.StateDir != "" {
		cfg.Storage.StateDir = flagOverrides.Storage.StateDir
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("driver", cfg.Driver.Type),
		slog.Int("maxServers", cfg.Fleet.MaxServers),
		slog.Duration("idleTimeout", cfg.Fleet.IdleTimeout),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, otel.Config{
		ServiceName:    "fleetd",
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: listenPort(cfg.ControlPlane.ListenAddress),
	})
	if err != nil {
		return fmt.Errorf("setting up OpenTelemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("otel shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Initialize compute driver
	// ---------------------------------------------------------------
	drv, err := cfg.NewDriver(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing driver: %w", err)
	}
	defer func() {
		if err := drv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("driver shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 5. Load persisted state
	// ---------------------------------------------------------------
	servers := fleet.NewFileStore(cfg.Storage.ServersFile())
	if err := servers.Load(ctx); err != nil {
		return fmt.Errorf("loading fleet state: %w", err)
	}

	jobs, err := ci.NewFileJobStore(cfg.Storage.JobsFile())
	if err != nil {
		return fmt.Errorf("loading job state: %w", err)
	}

	// ---------------------------------------------------------------
	// 6. Create dispatcher + scheduler
	// ---------------------------------------------------------------
	dispatcher := dispatch.New(dispatch.Config{
		Jobs:      jobs,
		Servers:   servers,
		Connector: shell.NewSSHConnector(logger.WithGroup("shell")),
		Images: dispatch.URLImageResolver{
			BaseURL: cfg.ControlPlane.BaseURL + "/images",
		},
		BaseURL:               cfg.ControlPlane.BaseURL,
		ExecutorDownloadURL:   cfg.ControlPlane.ExecutorDownloadURL,
		SSHUser:               cfg.SSH.User,
		SSHKeyPath:            cfg.SSH.KeyPath,
		CleanThresholdPercent: cfg.Fleet.CleanThresholdPercent,
		Logger:                logger.WithGroup("dispatch"),
	})

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentServers: cfg.Fleet.MaxServers,
		IdleTimeout:          cfg.Fleet.IdleTimeout,
		UseHibernate:         cfg.Fleet.UseHibernate,
		Store:                servers,
		Jobs:                 jobs,
		Driver:               drv,
		Dispatch:             dispatcher.Start,
		Logger:               logger.WithGroup("scheduler"),
	})

	// ---------------------------------------------------------------
	// 7. HTTP server (health + metrics)
	// ---------------------------------------------------------------
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(cfg.Driver.Type))
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.ControlPlane.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", slog.String("address", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 8. Run the scheduler until shutdown
	// ---------------------------------------------------------------
	logger.Info("starting scheduler", slog.Duration("interval", cfg.Fleet.SchedulerInterval))
	sched.Run(ctx, cfg.Fleet.SchedulerInterval)

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// listenPort extracts the port from a bind address for the Prometheus
// reader signal; the /metrics endpoint itself is served by the main
// HTTP server.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
