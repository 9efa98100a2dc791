package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"curator/api_orchestrator/internal/scheduler"
	"curator/pkg/config"
	"curator/pkg/locks"
	"curator/pkg/logging"
	"curator/pkg/monitoring"
	"curator/pkg/server"
	"curator/pkg/version"
)

func newDaemonCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run heartbeats on a timer and serve /health, /metrics and /status",
		Long: `Run a heartbeat immediately and then every --interval until interrupted.
Each heartbeat takes the same process lock as "orchestrator run", so a cron
entry left in place alongside the daemon only produces skipped runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("interval") {
				interval = config.GetEnvDuration("ORCHESTRATOR_INTERVAL", interval)
			}
			return runDaemon(cmd, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "Time between heartbeats")
	return cmd
}

func runDaemon(cmd *cobra.Command, interval time.Duration) error {
	logger := logging.NewLogger()
	logger.SetOutput(cmd.OutOrStdout())
	e, err := setup(cmd, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc := monitoring.NewMetricsCollector("curator_orchestrator", version.GetInfo().Version, version.GetInfo().GitCommit)
	sched, closeLocker, err := e.newScheduler(ctx, mc)
	if err != nil {
		return err
	}
	defer closeLocker()
	daemon := scheduler.NewDaemon(sched, interval, logger)

	statusDir := filepath.Dir(e.store.Path())
	if err := os.MkdirAll(statusDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", statusDir, err)
	}
	hc := monitoring.NewHealthChecker("orchestrator", version.GetInfo().Version)
	hc.AddCheck("status_dir", monitoring.WritableDirCheck(statusDir))
	hc.AddCheck("heartbeat", monitoring.FreshnessCheck("heartbeat", daemon.LastHeartbeat, 2*daemon.Interval()))
	if p, ok := e.locker.(locks.Pinger); ok {
		hc.AddCheck("lock_backend", monitoring.PingCheck("lock backend", p.Ping))
	}

	router := server.SetupServiceRouter(logger, "orchestrator", hc, mc)
	daemon.RegisterRoutes(router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		daemon.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx, server.DefaultConfig("orchestrator", "18090"), router, logger)
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

