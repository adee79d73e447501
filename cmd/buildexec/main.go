package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terrpan/buildfleet/internal/executor"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "buildexec <connect-url>",
	Short: "Build executor -- runs one CI job on a build server",
	Long: `buildexec runs a single CI job: it prepares caches and the repository
checkout, loads the build environment image, runs the build inside a
container and streams output to the control plane over the given
connect URL.  All job parameters arrive through CI_* environment
variables set by the dispatcher.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger := newLogger()

		cfg, err := executor.FromEnv()
		if err != nil {
			return fmt.Errorf("reading job environment: %w", err)
		}

		logger.Info("starting build",
			slog.String("job", cfg.JobName),
			slog.String("commit", cfg.CommitHash),
			slog.String("image", cfg.ImageName),
			slog.Bool("trusted", cfg.Trusted),
		)

		if !executor.New(cfg, logger).Run(ctx, args[0]) {
			// The failure has already been reported upstream; the
			// exit code is for the process supervisor.
			os.Exit(1)
		}
		return nil
	},
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("CI_LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
