package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/live-tender/cleanup"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/oauth"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/runner"
	"github.com/onnwee/live-tender/server"
	"github.com/onnwee/live-tender/telemetry"
)

const defaultHTTPAddr = ":8080"

func newRunCmd(a *app) *cobra.Command {
	var (
		interval  time.Duration
		retention int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch every configured room and process broadcasts until stopped",
		Long:  "Starts one runner per configured room, the periodic cleanup, the token refresher and the HTTP status server. SIGINT or SIGTERM stops it after the running stages are interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, a, interval, retention)
		},
	}
	cmd.Flags().DurationVar(&interval, "cleanup-interval", 0, "time between cleanup sweeps (default: cleanup.interval_hours)")
	cmd.Flags().IntVar(&retention, "cleanup-retention", 0, "days to keep session artifacts (default: cleanup.retention_days)")
	return cmd
}

// cleanupSettings resolves the flag overrides against the config.
func cleanupSettings(cfg *config.Config, interval time.Duration, retentionDays int) (time.Duration, time.Duration, error) {
	if interval < 0 || retentionDays < 0 {
		return 0, 0, fmt.Errorf("%w: cleanup interval and retention must not be negative", runner.ErrUsage)
	}
	if interval == 0 {
		interval = time.Duration(cfg.Root.Cleanup.IntervalHours) * time.Hour
	}
	if retentionDays == 0 {
		retentionDays = cfg.Root.Cleanup.RetentionDays
	}
	return interval, time.Duration(retentionDays) * 24 * time.Hour, nil
}

func runDaemon(cmd *cobra.Command, a *app, interval time.Duration, retentionDays int) error {
	ctx := cmd.Context()
	cfg := a.cfg
	logger := slog.Default()

	interval, retention, err := cleanupSettings(cfg, interval, retentionDays)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataRoot(), 0o755); err != nil {
		return fmt.Errorf("%w: data root: %v", pipeline.ErrStartFailed, err)
	}

	shutdownTracing, err := telemetry.InitTracing("live-tender", Version)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrStartFailed, err)
	}
	a.onClose(shutdownTracing)

	e, err := build(ctx, a)
	if err != nil {
		return err
	}
	sup, err := runner.NewSupervisor(cfg, e.deps, logger)
	if err != nil {
		return err
	}

	if r := e.refresher(); r != nil {
		oauth.StartRefresher(ctx, r, cfg.Root.Database.RefreshInterval)
	}

	sw := sweeper(cfg, retention, sup.ActiveSessions)
	sched, err := cleanup.NewScheduler(sw, interval, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", runner.ErrUsage, err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrStartFailed, err)
	}
	defer sched.Stop()

	sup.Start(ctx)
	sup.StartPrinter(ctx, cmd.OutOrStdout(), cfg.PrintEvery())

	deps := server.Deps{
		Status:   sup,
		Sweeper:  sw,
		Uploader: &runner.Ops{Cfg: cfg, Deps: e.deps, Logger: logger, Claims: sup},
		DB:       e.db,
		DataRoot: cfg.DataRoot(),
	}
	if e.ledger != nil {
		deps.History = e.ledger
	}
	addr := cfg.Root.HTTPAddr
	if addr == "" {
		addr = defaultHTTPAddr
	}
	srvErr := make(chan error, 1)
	go func() { srvErr <- server.Start(ctx, addr, server.NewRouter(ctx, deps)) }()

	logger.Info("recorder started",
		slog.Int("rooms", len(cfg.Rooms)),
		slog.String("data_root", cfg.DataRoot()),
		slog.Duration("cleanup_interval", interval),
		slog.Duration("retention", retention))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("%w: http server: %v", pipeline.ErrStartFailed, err)
		}
	}
	if err := sup.Stop(); err != nil {
		logger.Error("runners did not stop in time", slog.Any("err", err))
	}
	return runErr
}

func newRecordCmd(a *app) *cobra.Command {
	var (
		roomID   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one live room once, without processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOps(cmd, a, func(ctx context.Context, ops *runner.Ops) error {
				segs, err := ops.Record(ctx, roomID, duration)
				if err != nil {
					return stageFailure(err)
				}
				printLines(cmd, segs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&roomID, "room-id", "", "Twitch channel to record (required)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: until the room goes offline)")
	return cmd
}

func newProcessCmd(a *app) *cobra.Command {
	var source, subtitle, roomID string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Merge raw segments into one file, burning in the chat overlay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOps(cmd, a, func(ctx context.Context, ops *runner.Ops) error {
				merged, err := ops.Process(ctx, source, subtitle, roomID)
				if err != nil {
					return stageFailure(err)
				}
				printLines(cmd, []string{merged})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "raw segment file or directory (required)")
	cmd.Flags().StringVar(&subtitle, "subtitle-path", "", "overlay log (.jsonl) or rendered subtitles (.ass) to burn in")
	cmd.Flags().StringVar(&roomID, "room-id", "", "room the segments belong to (default: taken from the file names)")
	return cmd
}

func newSplitCmd(a *app) *cobra.Command {
	var (
		target   string
		interval int
		roomID   string
	)
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Cut a merged file into fixed-length parts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var override *int
			if cmd.Flags().Changed("split-interval") {
				override = &interval
			}
			return withOps(cmd, a, func(ctx context.Context, ops *runner.Ops) error {
				parts, err := ops.Split(ctx, target, override, roomID)
				if err != nil {
					return stageFailure(err)
				}
				printLines(cmd, parts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "merged file, or a directory whose newest merged file is used (required)")
	cmd.Flags().IntVar(&interval, "split-interval", 0, "part length in seconds, <=0 keeps the file whole (default: the room's split_interval)")
	cmd.Flags().StringVar(&roomID, "room-id", "", "room the file belongs to (default: taken from the file name)")
	return cmd
}

func newUploadCmd(a *app) *cobra.Command {
	var path, roomID string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Publish a directory of split files with the room's account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOps(cmd, a, func(ctx context.Context, ops *runner.Ops) error {
				ids, err := ops.Upload(ctx, path, roomID)
				if err != nil {
					return uploadFailure(err)
				}
				printLines(cmd, ids)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "split directory, or a file inside it (required)")
	cmd.Flags().StringVar(&roomID, "room-id", "", "configured room whose uploader settings apply (default: taken from the directory name)")
	return cmd
}

func newCleanCmd(a *app) *cobra.Command {
	var retention int
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete session artifacts older than the retention window",
		Long:  "Runs one cleanup sweep. Sessions carrying a failure marker are kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, keep, err := cleanupSettings(a.cfg, 0, retention)
			if err != nil {
				return err
			}
			rep, err := sweeper(a.cfg, keep, nil).Sweep(cmd.Context(), time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d skipped=%d errors=%d bytes_freed=%d dry_run=%t\n",
				rep.Deleted, rep.Skipped, rep.Errors, rep.BytesFreed, rep.DryRun)
			return stageFailure(err)
		},
	}
	cmd.Flags().IntVar(&retention, "retention", 0, "days to keep session artifacts (default: cleanup.retention_days)")
	return cmd
}

// withOps wires the collaborators and runs fn with the command's context.
// An interrupted stage reports context.Canceled.
func withOps(cmd *cobra.Command, a *app, fn func(context.Context, *runner.Ops) error) error {
	ctx := cmd.Context()
	e, err := build(ctx, a)
	if err != nil {
		return err
	}
	err = fn(ctx, &runner.Ops{Cfg: a.cfg, Deps: e.deps, Logger: slog.Default()})
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("interrupted: %w", err)
	}
	return err
}

func printLines(cmd *cobra.Command, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), l)
	}
}
