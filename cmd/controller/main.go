package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelci/controller/pkg/config"
	"github.com/kestrelci/controller/pkg/controller"
	"github.com/kestrelci/controller/pkg/log"
	"github.com/kestrelci/controller/pkg/metrics"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// Process exit codes. An operator or orchestrator watching this process's
// exit status needs to tell a bad config apart from a port already in use
// apart from Postgres being unreachable.
const (
	exitConfig   = 1
	exitBind     = 2
	exitDatabase = 3
)

// configError marks a failure in loading configuration, so main can map it
// to exitConfig instead of the exitDatabase default.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a serveCmd failure to its process exit code. Anything
// that isn't a config or bind failure is treated as a database/storage
// failure, since that covers the rest of what controller.New and
// ctl.Start can return (store open, migrate, artifact storage, queue
// reconciliation).
func exitCodeFor(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	var bindErr *controller.ErrBind
	if errors.As(err, &bindErr) {
		return exitBind
	}
	return exitDatabase
}

var rootCmd = &cobra.Command{
	Use:     "controller",
	Short:   "Controller - the build-farm coordination service",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("controller version %s\ncommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller: queue manager, assignment service, HTTP surface",
	Long: `serve loads configuration from CONTROLLER_* environment variables,
connects to Postgres, applies pending migrations, reconciles the queue
from pending builds, and starts serving the HTTP surface until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return &configError{err: fmt.Errorf("load configuration: %w", err)}
		}

		metrics.SetVersion(Version)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ctl, err := controller.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("build controller: %w", err)
		}

		if err := ctl.Start(ctx); err != nil {
			return fmt.Errorf("start controller: %w", err)
		}

		fmt.Printf("✓ Controller listening on %s\n", ctl.Addr())
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := ctl.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}
