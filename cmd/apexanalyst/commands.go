package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hamzanaeem10/apexanalyst/internal/app"
	"github.com/hamzanaeem10/apexanalyst/internal/core/config"
	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
	"github.com/hamzanaeem10/apexanalyst/internal/logger"
	"github.com/hamzanaeem10/apexanalyst/internal/metrics"
)

const shutdownGrace = 30 * time.Second

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "apexanalyst",
		Short:         "Session dataset cache for race analysis",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")

	load := func(component string) (config.Config, *slog.Logger, error) {
		cfg, err := config.FromEnv()
		if err != nil {
			return config.Config{}, nil, err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		zl := logger.Build(logger.Config{
			Level:     cfg.LogLevel,
			Console:   cfg.LogConsole,
			SampleN:   cfg.LogSampleN,
			Service:   "apexanalyst",
			Component: component,
		}, os.Stdout)
		return cfg, logger.NewSlog(&zl), nil
	}

	root.AddCommand(newServeCmd(load), newWarmCmd(load))
	return root
}

type loadFunc func(component string) (config.Config, *slog.Logger, error)

func buildInfo() metrics.BuildInfo {
	return metrics.BuildInfo{Version: Version, Revision: Revision, BuildDate: BuildDate}
}

func newServeCmd(load loadFunc) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load("server")
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log, buildInfo())
			if err != nil {
				return err
			}
			log.Info("starting apexanalyst",
				"addr", cfg.Addr,
				"version", Version,
				"fetcher", cfg.FetcherURL,
				"upgrade_workers", cfg.UpgradeWorkers,
				"redis", cfg.RedisEnabled,
				"events", cfg.Events.Enabled,
				"invalidation", cfg.Invalidation.Enabled)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Serve(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
				defer cancel()
				return a.Close(closeCtx)
			})
			if err := g.Wait(); err != nil {
				return err
			}
			log.Info("apexanalyst stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override ADDR")
	return cmd
}

func newWarmCmd(load loadFunc) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "warm season/event/kind...",
		Short: "Load sessions fully, filling the shared fetch store",
		Example: "  apexanalyst warm 2023/Monaco/R 2023/Monaco/Q\n" +
			"  apexanalyst warm --timeout 5m 2024/Silverstone/SPRINT",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := make([]model.SessionKey, 0, len(args))
			for _, arg := range args {
				k, err := app.ParseTarget(arg)
				if err != nil {
					return err
				}
				targets = append(targets, k)
			}

			cfg, log, err := load("warm")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log, buildInfo())
			if err != nil {
				return err
			}
			werr := a.Warm(ctx, timeout, targets...)

			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
			defer cancel()
			if err := a.Close(closeCtx); err != nil {
				log.Warn("close after warm", "err", err)
			}
			if werr != nil {
				return fmt.Errorf("warm: %w", werr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "warmed %d sessions\n", len(targets))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "wait per session for the full dataset (default ENSURE_TIMEOUT_DEFAULT)")
	return cmd
}
