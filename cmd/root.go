// Package cmd defines and implements the CLI commands for the webprogress executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/app"
	"github.com/JakeFAU/web-progress/internal/config"
	"github.com/JakeFAU/web-progress/internal/logging"
	"github.com/JakeFAU/web-progress/internal/progress"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what every subcommand receives from the root command.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// Service is the long-running relay started by `serve`.
type Service interface {
	Run(ctx context.Context) error
}

// Remote is the slice of a server-side progress source used by `cancel` and `watch`.
type Remote interface {
	FetchProgress(ctx context.Context, code progress.Code) (progress.Stack, error)
	Cancel(ctx context.Context, code progress.Code) error
	Close() error
}

// The factories are variables so tests can inject fakes.
var (
	newService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
		return app.Build(ctx, cfg, logger)
	}
	openRemote = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Remote, error) {
		src, err := app.OpenSource(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if !src.Remote() {
			_ = src.Close()
			return nil, errors.New("source.kind must be jsonrpc or postgres to reach a server")
		}
		return remoteSource{src}, nil
	}
	loadConfig = config.Load
)

type remoteSource struct {
	src *app.Source
}

func (r remoteSource) FetchProgress(ctx context.Context, code progress.Code) (progress.Stack, error) {
	return r.src.Fetcher.FetchProgress(ctx, code)
}

func (r remoteSource) Cancel(ctx context.Context, code progress.Code) error {
	return r.src.Canceller.Cancel(ctx, code)
}

func (r remoteSource) Close() error { return r.src.Close() }

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile, envFile string

	cmd := &cobra.Command{
		Use:   "webprogress",
		Short: "Relays server-side progress of long-running RPC calls.",
		Long: `webprogress tags outgoing RPC calls with a correlation code, follows the
server-side progress of each tagged call by polling or push, and relays typed
progress events to presentation clients over HTTP and server-sent events.`,
		SilenceUsage: true,

		// Loads configuration and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile, envFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	cmd.AddCommand(newServeCmd(), newCancelCmd(), newWatchCmd())

	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	if ctx == nil {
		return nil, errors.New("missing command context")
	}
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		zap.L().Fatal("command execution failed", zap.Error(err))
	}
}
