package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/timeguard/internal/backend"
	"github.com/seantiz/timeguard/internal/backend/command"
	"github.com/seantiz/timeguard/internal/config"
	"github.com/seantiz/timeguard/internal/model"
	"github.com/seantiz/timeguard/internal/watchdog"
)

// exitTimedOut matches the exit status of coreutils timeout(1).
const exitTimedOut = 124

func newRunCmd(cfg config.Config) *cobra.Command {
	var timeout string

	cmd := &cobra.Command{
		Use: "run [flags] -- COMMAND [ARGS...]",

		Short: "Run one command under the watchdog",

		Long: `run executes COMMAND, streaming its output, and interrupts it if it
outlives its timeout. The exit status is COMMAND's, or 124 if the deadline
was enforced. With --continue-on-timeout the command keeps running and a
warning is written to stderr instead.
`,

		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			var override int64
			if timeout != "" {
				d, ok := config.ParseDuration(timeout)
				if !ok {
					return fmt.Errorf("invalid --timeout %q", timeout)
				}
				if d > 0 && d < model.MinTimeout {
					return fmt.Errorf("--timeout %q is below the minimum of %s", timeout, model.MinTimeout)
				}
				override = d.Milliseconds()
			}
			return runOnce(cmd, cfg, override, args)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&timeout, "timeout", "", "timeout for this command (Go duration or seconds)")
	addWatchdogFlags(fs, &cfg)

	return cmd
}

func runOnce(cmd *cobra.Command, cfg config.Config, timeoutMS int64, argv []string) error {
	logger := config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	wd := watchdog.New(logger.With("sys", "watchdog"), watchdogOptions(cfg, cmd.ErrOrStderr()))
	defer wd.Wait()

	ex := command.New(command.Config{GracePeriod: cfg.GracePeriod}, logger.With("sys", "command"))

	t := &model.Task{
		ID:   model.NewID(),
		Name: strings.Join(argv, " "),
		Kind: command.Kind,
		Args: argv,
	}
	if timeoutMS > 0 {
		t.TimeoutMS = &timeoutMS
	}

	out := cmd.OutOrStdout()
	var res backend.Result
	_, err := wd.Run(cmd.Context(), watchdog.Task{
		ID:          watchdog.TaskID(t.ID),
		Description: t.Describe(),
		Timeout:     t.Timeout(),
	}, func(ctx context.Context) error {
		var err error
		res, err = ex.Execute(ctx, backend.Spec{
			ID:        t.ID,
			Kind:      t.Kind,
			Args:      t.Args,
			LogWriter: func(line string) { _, _ = io.WriteString(out, line+"\n") },
		})
		return err
	})

	var dl *watchdog.DeadlineExceededError
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &dl):
		return exitError{code: exitTimedOut, err: dl}
	case errors.As(err, &exitErr) && res.ExitCode > 0:
		return exitError{code: res.ExitCode}
	default:
		return err
	}
}
