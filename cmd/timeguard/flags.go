package main

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/seantiz/timeguard/internal/backend/command"
	"github.com/seantiz/timeguard/internal/config"
	"github.com/seantiz/timeguard/internal/watchdog"
)

// addWatchdogFlags binds the flags shared by serve and run to cfg.
func addWatchdogFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.DurationVar(&cfg.DefaultTimeout, "default-timeout", cfg.DefaultTimeout,
		"timeout for tasks without their own; 0 leaves them unmonitored")
	fs.BoolVar(&cfg.ContinueOnTimeout, "continue-on-timeout", cfg.ContinueOnTimeout,
		"warn about overdue tasks instead of interrupting them")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval,
		"how often the watchdog checks deadlines")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod,
		"how long an interrupted command may run before it is killed")
}

// watchdogOptions builds watchdog options from cfg. Continue-on-timeout
// warnings go to diag as plain text lines.
//
// cfg.GracePeriod is the command executor's kill delay; the watchdog waits
// past it so a killed process is reported rather than abandoned.
func watchdogOptions(cfg config.Config, diag io.Writer) watchdog.Options {
	d := logrus.New()
	d.SetOutput(diag)
	d.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})

	return watchdog.Options{
		Diagnostics:  d,
		PollInterval: cfg.PollInterval,
		GracePeriod:  command.SupervisionGrace(cfg.GracePeriod),
		Settings: watchdog.Settings{
			DefaultTimeout:    cfg.DefaultTimeout,
			ContinueOnTimeout: cfg.ContinueOnTimeout,
		},
	}
}
