package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/httpapi"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, plus the sweeper and MCP SSE transport when configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().String("listen", ":4200", "HTTP listen address (env: STEPWISE_LISTEN_ADDR)")
	cmd.Flags().String("mcp-addr", "", "Serve MCP over SSE on this address (env: STEPWISE_MCP_ADDR)")
	cmd.Flags().String("sweep-schedule", "", "Cron schedule for advancing stale executions (env: STEPWISE_SWEEP_SCHEDULE)")
	_ = c.v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen"))
	_ = c.v.BindPFlag("mcp_addr", cmd.Flags().Lookup("mcp-addr"))
	_ = c.v.BindPFlag("sweep.schedule", cmd.Flags().Lookup("sweep-schedule"))
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.close()

	var sweeper *scheduler.Sweeper
	if c.cfg.Sweep.Schedule != "" {
		sweeper, err = scheduler.NewSweeper(a.executor, c.cfg.sweeperConfig(), c.logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 2)

	api := httpapi.NewServer(a.executor, c.logger)
	c.logger.Info("stepwise starting", "store", c.cfg.Store.Driver, "workflow_types", a.registry.Types())
	go func() { errCh <- api.Start(c.cfg.ListenAddr) }()

	var mcpSrv *mcp.StepwiseServer
	if c.cfg.MCPAddr != "" {
		mcpSrv = mcp.NewStepwiseServer(mcp.StepwiseServerDeps{Executor: a.executor, Logger: c.logger})
		go func() { errCh <- mcpSrv.ServeSSE(c.cfg.MCPAddr) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		c.logger.Info("shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			c.logger.Error("server stopped", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := api.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if mcpSrv != nil {
		if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if sweeper != nil {
		if err := sweeper.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(append([]error{runErr}, errs...)...)
}
