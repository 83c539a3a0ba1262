package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	recoverability "github.com/DarlingtonDeveloper/swarm-recoverability"
	"github.com/DarlingtonDeveloper/swarm-recoverability/internal/app"
	"github.com/DarlingtonDeveloper/swarm-recoverability/internal/config"
)

var (
	cfgPath string
	isDebug bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "recoverd",
		Short: "Failed message recoverability service",
		Long: `recoverd ingests failed-message reports from NATS, groups them by failure
cause and retries or archives them in resumable batch operations.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file")
	root.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the ingest processor, operation coordinator and HTTP API",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the applied state of every database migration",
			RunE:  runStatus,
		},
	)
	return root
}

// setup loads the config and installs the process logger.
func setup() (*config.AppConfig, io.Closer, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger, closer := app.NewLogger(cfg.Logging, isDebug)
	slog.SetDefault(logger)
	return cfg, closer, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer a.Close()

	slog.Info("recoverd: started", "config", cfgPath)
	if err := a.Run(ctx); err != nil {
		return err
	}
	slog.Info("recoverd: stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	return withDB(cmd.Context(), func(ctx context.Context, cfg *config.AppConfig) error {
		pool, err := app.ConnectDB(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := recoverability.Migrate(ctx, pool); err != nil {
			return err
		}
		slog.Info("recoverd: migrations applied")
		return nil
	})
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withDB(cmd.Context(), func(ctx context.Context, cfg *config.AppConfig) error {
		pool, err := app.ConnectDB(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		return recoverability.MigrationStatus(ctx, pool)
	})
}

func withDB(ctx context.Context, fn func(context.Context, *config.AppConfig) error) error {
	cfg, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(ctx, cfg)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
