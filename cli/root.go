// Package cli is the command line of the recorder: the long-running daemon
// (run) and one-shot stage commands for operators and cron jobs.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/credentials"
	"github.com/onnwee/live-tender/pipeline"
	"github.com/onnwee/live-tender/runner"
	"github.com/onnwee/live-tender/telemetry"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// Process exit codes.
const (
	ExitOK            = 0
	ExitOperatorError = 2
	ExitStageFailure  = 3
	ExitUploadFailure = 4
	ExitFatal         = 5
)

// exitError tags an error with the exit code of its failure class.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func stageFailure(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: ExitStageFailure, err: err}
}

func uploadFailure(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: ExitUploadFailure, err: err}
}

// operatorErrors are failures caused by how the command was invoked.
var operatorErrors = []error{
	config.ErrInvalid,
	runner.ErrUsage,
	runner.ErrUnknownRoom,
	runner.ErrDuplicateRoom,
	pipeline.ErrNotFound,
	credentials.ErrUnknownAccount,
}

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	for _, target := range operatorErrors {
		if errors.Is(err, target) {
			return ExitOperatorError
		}
	}
	if errors.Is(err, pipeline.ErrStartFailed) {
		return ExitFatal
	}
	var xe *exitError
	if errors.As(err, &xe) {
		return xe.code
	}
	return ExitFatal
}

// app carries what the commands share: flags, the loaded config and the
// resources to release once the command returns.
type app struct {
	configPath string
	cfg        *config.Config
	started    bool
	closers    []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// setup loads the config and installs logging and metrics. Cobra calls it
// after flags and arguments validated, so a failure before it is always an
// operator error.
func (a *app) setup(cmd *cobra.Command) error {
	a.started = true
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	closer, err := telemetry.SetupLogging(telemetry.LogOptions{
		Level:  cfg.Root.Logger.Level,
		Format: cfg.Root.Logger.Format,
		Dir:    cfg.Root.Logger.Path,
		Stdout: cmd.OutOrStdout(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrStartFailed, err)
	}
	a.onClose(func() { _ = closer.Close() })
	telemetry.Init()
	return nil
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "live-tender",
		Short:         "Record live Twitch rooms, burn in chat, split and publish",
		Long:          "live-tender watches Twitch channels, records every broadcast with its chat overlay, then merges, splits and uploads the result.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "path to the YAML config file")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", runner.ErrUsage, err)
	})

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newRecordCmd(a))
	cmd.AddCommand(newProcessCmd(a))
	cmd.AddCommand(newSplitCmd(a))
	cmd.AddCommand(newUploadCmd(a))
	cmd.AddCommand(newCleanCmd(a))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "live-tender %s (commit: %s)\n", Version, Commit)
		},
	}
}

// Execute runs the command line and returns the process exit code.
// SIGINT and SIGTERM cancel the command's context.
func Execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{}
	defer a.close()

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if !a.started {
		return ExitOperatorError
	}
	return ExitCode(err)
}
