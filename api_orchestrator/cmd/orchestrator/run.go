package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"curator/api_orchestrator/internal/scheduler"
	"curator/pkg/config"
	"curator/pkg/monitoring"
	"curator/pkg/version"
)

func newRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one heartbeat",
		Example: `  # From cron, every five minutes
  */5 * * * * cd /srv/curator && ./bin/orchestrator run --config config/tatami.yaml

  # Show what is due without starting anything
  orchestrator run --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeartbeat(cmd, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log what would run without running it")
	return cmd
}

func runHeartbeat(cmd *cobra.Command, dryRun bool) error {
	e, err := setup(cmd, nil)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	mc := monitoring.NewMetricsCollector("curator_orchestrator", version.GetInfo().Version, version.GetInfo().GitCommit)
	sched, closeLocker, err := e.newScheduler(ctx, mc)
	if err != nil {
		return err
	}
	defer closeLocker()

	_, err = sched.Heartbeat(ctx, dryRun)
	if scheduler.IsLocked(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "Another orchestrator instance is running. Skipping.")
		return nil
	}

	if gateway := config.GetEnv("PUSHGATEWAY_URL", ""); gateway != "" && !dryRun {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		grouping := map[string]string{"registry": e.registry.Stem()}
		if pushErr := mc.Push(pushCtx, gateway, "orchestrator", grouping); pushErr != nil {
			e.logger.WithError(pushErr).Warn("Failed to push metrics")
		}
		cancel()
	}
	return err
}
