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
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/planrelay/internal/config"
	"github.com/agentworkforce/planrelay/internal/httpapi"
	"github.com/agentworkforce/planrelay/internal/logging"
	"github.com/agentworkforce/planrelay/internal/pipeline"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "planrelay",
		Short:        "Stage plan submissions and sync them to production",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to a YAML config file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newSweepCommand())
	root.AddCommand(newProcessPendingCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newTokenCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newSubmitCommand())
	root.AddCommand(newTriggerCommand())
	return root
}

// loadConfig reads --config and builds the logger every local command shares.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, logger, nil
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface, event consumer and retry scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); strings.TrimSpace(addr) != "" {
				cfg.Addr = addr
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger, ln)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	return cmd
}

// runServe owns ln and returns once ctx is cancelled and everything has shut
// down, or as soon as any part fails.
func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, ln net.Listener) error {
	p, err := pipeline.New(pipeline.Options{Config: cfg, Logger: logger})
	if err != nil {
		_ = ln.Close()
		return err
	}
	server := &http.Server{
		Handler: httpapi.NewServer(p, httpapi.ServerConfig{
			JWTSecret:       cfg.JWTSecret,
			RateLimitMax:    cfg.PublicRateLimitMax,
			RateLimitWindow: cfg.PublicRateLimitWindow,
			MaxBodyBytes:    cfg.MaxBodyBytes,
			Logger:          logging.Component(logger, "httpapi"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- p.Run(runCtx)
	}()
	serveDone := make(chan error, 1)
	go func() {
		logger.Info("planrelay listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- fmt.Errorf("serve http: %w", err)
			return
		}
		serveDone <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-runDone:
		runDone = nil
	case runErr = <-serveDone:
	}
	cancel()
	if runDone != nil {
		runErr = errors.Join(runErr, <-runDone)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown http: %w", err))
	}
	if err := p.Drain(shutdownCtx); err != nil {
		logger.Warn("drain incomplete at shutdown", "error", err)
	}
	if err := p.Close(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	logger.Info("planrelay stopped")
	return runErr
}

// withPipeline builds a pipeline from config for one-shot commands, runs fn,
// waits for dispatched work and closes it.
func withPipeline(cmd *cobra.Command, fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	p, err := pipeline.New(pipeline.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := fn(ctx, p)
	if runErr == nil {
		runErr = p.Drain(ctx)
	}
	return errors.Join(runErr, p.Close())
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry sweep over failed submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
				result, err := p.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued=%d synced=%d failed=%d already_synced=%d escalated=%d reclaimed=%d released=%d\n",
					result.Requeued, result.Synced, result.Failed, result.AlreadySynced, result.Escalated, result.Reclaimed, result.Released)
				return nil
			})
		},
	}
}

func newProcessPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "process-pending",
		Short: "Dispatch every Pending submission and wait for the syncs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
				n, err := p.ProcessPendingNow(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dispatched=%d\n", n)
				return nil
			})
		},
	}
}
