package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"curator/api_orchestrator/internal/runner"
	"curator/api_orchestrator/internal/scheduler"
	"curator/api_orchestrator/internal/tasks"
	"curator/pkg/config"
	"curator/pkg/locks"
	"curator/pkg/logging"
	"curator/pkg/monitoring"
	"curator/pkg/notify"
)

const defaultConfigFile = "config/orchestrator.yaml"

var configFile string

// NewRootCmd returns the orchestrator command tree. Without a subcommand
// it runs one heartbeat, which is what cron invokes.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run registered automation tasks on their schedules",
		Long: `The orchestrator reads a task registry and, on each heartbeat, starts
every task that is due as a separate process with a timeout. Run history,
failure streaks and the day's jitter are kept in a status file next to the
registry's work dir.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeartbeat(cmd, false)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "task registry (default $ORCHESTRATOR_CONFIG or "+defaultConfigFile+")")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

type env struct {
	logger   logging.Logger
	registry *tasks.Config
	store    *scheduler.Store
	locker   locks.ProcessLocker
}

func setup(cmd *cobra.Command, logger logging.Logger) (*env, error) {
	if logger == nil {
		logger = logging.NewScriptLogger(cmd.OutOrStdout())
	}
	config.LoadEnv(logger, "")

	path := configFile
	if path == "" {
		path = config.GetEnv("ORCHESTRATOR_CONFIG", defaultConfigFile)
	}
	reg, err := tasks.Load(path)
	if err != nil {
		return nil, err
	}
	return &env{
		logger:   logger,
		registry: reg,
		store:    scheduler.NewStore(reg.StatusPath(), logger),
	}, nil
}

// newScheduler wires the scheduler's collaborators. The returned func
// releases the lock backend.
func (e *env) newScheduler(ctx context.Context, mc *monitoring.MetricsCollector) (*scheduler.Scheduler, func(), error) {
	locker, closeLocker, err := locks.FromEnv(ctx, e.registry.Dir())
	if err != nil {
		return nil, nil, err
	}
	e.locker = locker
	sched := scheduler.New(scheduler.Config{
		Registry: e.registry,
		Store:    e.store,
		Runner: &runner.Runner{
			Dir:    e.registry.Dir(),
			Env:    e.registry.Environ(os.Environ()),
			Logger: e.logger,
		},
		Locker:   locker,
		Notifier: notify.FromEnv(e.logger, e.registry.NtfyTopic),
		Metrics:  scheduler.NewMetrics(mc),
		Logger:   e.logger,
	})
	return sched, closeLocker, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
