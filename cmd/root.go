// Package cmd defines the CLI commands for the catalogsync executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/logging"
	"github.com/JakeFAU/catalog-sync/internal/server"
)

// runtime carries what PersistentPreRunE prepared for a subcommand.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

type runtimeKey struct{}

// buildApp is the application factory. It is a variable so tests can swap
// in a stub.
var buildApp = server.Build

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "catalogsync",
		Short: "Keeps a local product catalog in sync with an online storefront.",
		Long: `catalogsync crawls a storefront collection on a schedule, appends newly
seen products to a snapshot, mirrors them into a document store and a read
cache, and serves the catalog over HTTP.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime); ok {
				_ = logging.Sync(rt.logger)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (env vars use the CATALOG_ prefix)")

	cmd.AddCommand(newServeCmd(), newSyncCmd())
	return cmd
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application runtime not initialized")
	}
	return rt, nil
}

// withApp builds the application, hands it to fn and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *server.App, logger *zap.Logger) error) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			rt.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()
	return fn(ctx, app, rt.logger)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
