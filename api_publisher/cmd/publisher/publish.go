package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"curator/api_publisher/internal/media"
	"curator/api_publisher/internal/platform"
	"curator/api_publisher/internal/publish"
	"curator/api_publisher/internal/queue"
	"curator/pkg/config"
	"curator/pkg/locks"
	"curator/pkg/monitoring"
	"curator/pkg/notify"
	"curator/pkg/version"
)

type publishOptions struct {
	dryRun   bool
	targetID int
	maxPosts int
	minScore float64
}

func newPublishCmd() *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the next due post for the stream",
		Long: `Run one publish attempt: recover posts stuck in posting, check the
daily cap and minimum gap, pick the next due approved item, check its media
and text, then post it and record the result in the post store.`,
		Example: `  # Post whatever is due
  publisher publish --stream tatamispaces

  # Show what would go out without touching the store
  publisher publish --dry-run

  # Post one item now, ignoring its schedule and the rate limits
  publisher publish --id 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var minScore *float64
			if cmd.Flags().Changed("min-score") {
				minScore = &opts.minScore
			}
			return runPublish(cmd, opts, minScore)
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Show what would be posted without posting")
	cmd.Flags().IntVar(&opts.targetID, "id", 0, "Publish this item now, bypassing schedule and limits")
	cmd.Flags().IntVar(&opts.maxPosts, "max-posts", 1, "Publish up to this many posts in one invocation")
	cmd.Flags().Float64Var(&opts.minScore, "min-score", 0, "Override the stream's minimum score")

	return cmd
}

func runPublish(cmd *cobra.Command, opts publishOptions, minScore *float64) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	stream := e.stream

	locker, closeLocker, err := locks.FromEnv(ctx, e.dataDir())
	if err != nil {
		return err
	}
	defer closeLocker()
	lock, err := locker.TryAcquire(ctx, "publisher-"+stream.ID)
	if errors.Is(err, locks.ErrLocked) {
		fmt.Fprintf(out, "Another publisher instance is running for %s. Skipping.\n", stream.ID)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	mode := "LIVE"
	if opts.dryRun {
		mode = "DRY RUN"
	}
	e.logger.Infof("Checking post queue for %s (%s)", stream.Handle, mode)

	selection := stream.SelectionConfig()
	if minScore != nil {
		selection.MinScore = minScore
	}

	client, err := newPlatformClient(ctx, e)
	if err != nil {
		if !opts.dryRun {
			return err
		}
		e.logger.WithError(err).Warn("No platform client, dry run continues without one")
	}

	mc := monitoring.NewMetricsCollector("curator_publisher", version.GetInfo().Version, version.GetInfo().GitCommit)
	pipeline := publish.NewPipeline(publish.Config{
		Stream:    stream.ID,
		Handle:    stream.Handle,
		Limits:    stream.Limits,
		Location:  stream.Location(),
		CrossPost: stream.CrossPostDestination,
		BaseDir:   e.dataDir(),
		Store:     e.store,
		Selector:  queue.NewSelector(selection, stream.Classifier(), e.logger),
		Platform:  client,
		Media:     media.NewCache(media.Config{Dir: stream.MediaPath(), Logger: e.logger}),
		Notifier:  notify.FromEnv(e.logger, ""),
		Metrics:   publish.NewMetrics(mc),
		Logger:    e.logger,
		Out:       out,
	})

	runs := opts.maxPosts
	if runs < 1 || opts.targetID != 0 || opts.dryRun {
		runs = 1
	}
	var last publish.Result
	var runErr error
	for i := 0; i < runs; i++ {
		last, runErr = pipeline.Run(ctx, publish.RunOptions{DryRun: opts.dryRun, TargetID: opts.targetID})
		if runErr != nil || last.Outcome != publish.OutcomePosted {
			break
		}
	}

	if gateway := config.GetEnv("PUSHGATEWAY_URL", ""); gateway != "" && !opts.dryRun {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := mc.Push(pushCtx, gateway, "publisher", map[string]string{"stream": stream.ID}); err != nil {
			e.logger.WithError(err).Warn("Failed to push metrics")
		}
		cancel()
	}

	if runErr != nil {
		return runErr
	}
	return exitFor(last.Outcome)
}

// exitFor maps a run outcome to the process exit. Only a publish that went
// wrong exits non-zero; policy rejections and empty queues are normal runs.
func exitFor(outcome publish.Outcome) error {
	switch outcome {
	case publish.OutcomeFailed, publish.OutcomePartial:
		return &exitError{code: 1}
	}
	return nil
}

// newPlatformClient builds the X client. X_HANDLE overrides the stream's
// handle for the posted URL.
func newPlatformClient(ctx context.Context, e *env) (platform.Client, error) {
	if handle := config.GetEnv("X_HANDLE", ""); handle != "" {
		e.stream.Handle = handle
	}
	cfg := platform.XConfigFromEnv()
	cfg.Logger = e.logger
	client, err := platform.NewXClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}
