// Command timeguard runs tasks under a deadline watchdog, either as an HTTP
// service (serve) or for a single command line (run).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/timeguard/internal/config"
)

func main() {
	os.Exit(mainE())
}

func mainE() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	root := newRootCmd(cfg)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "timeguard:", ee.err)
			}
			return ee.code
		}
		fmt.Fprintln(os.Stderr, "timeguard:", err)
		return 1
	}
	return 0
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error { return e.err }

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use: "timeguard SUBCOMMAND",

		Short: "Run tasks under a deadline watchdog",

		Long: `timeguard tracks running tasks against their timeouts from a single
background watchdog. Overdue tasks are interrupted, or only reported when
continue-on-timeout is set.

Defaults come from TIMEGUARD_* environment variables; flags override them.
`,

		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	root.AddCommand(
		newServeCmd(cfg),
		newRunCmd(cfg),
	)

	return root
}
