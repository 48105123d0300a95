// testserver starts a timeguard API server backed by an in-memory store,
// with fast watchdog timings and a scripted executor for end-to-end checks.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/timeguard/internal/api"
	"github.com/seantiz/timeguard/internal/backend"
	"github.com/seantiz/timeguard/internal/backend/sleep"
	"github.com/seantiz/timeguard/internal/engine"
	"github.com/seantiz/timeguard/internal/store"
	"github.com/seantiz/timeguard/internal/watchdog"
)

// scriptedExecutor emits fixed log lines, one per interval, then succeeds.
// It stops early when its context is cancelled.
type scriptedExecutor struct {
	interval time.Duration
	logLines []string
	output   []byte
}

func (s *scriptedExecutor) Execute(ctx context.Context, spec backend.Spec) (backend.Result, error) {
	for _, line := range s.logLines {
		select {
		case <-ctx.Done():
			return backend.Result{ExitCode: 1}, context.Cause(ctx)
		case <-time.After(s.interval):
		}
		spec.Log(line)
	}
	return backend.Result{Output: s.output}, nil
}

func (s *scriptedExecutor) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        "scripted",
		Description: "Emits a fixed script of log lines.",
		Cooperative: true,
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("TIMEGUARD_LISTEN_ADDR"); v != "" {
		addr = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	reg := backend.NewRegistry()
	reg.Register(sleep.Kind, sleep.New())
	reg.Register("scripted", &scriptedExecutor{
		interval: 200 * time.Millisecond,
		logLines: []string{"[scripted] starting", "[scripted] working", "[scripted] done"},
		output:   []byte("hello from scripted"),
	})

	wd := watchdog.New(logger.With("sys", "watchdog"), watchdog.Options{
		PollInterval: 50 * time.Millisecond,
		GracePeriod:  250 * time.Millisecond,
		Settings:     watchdog.Settings{DefaultTimeout: 5 * time.Second},
	})
	eng := engine.NewEngine(db, reg, wd, logger, engine.DefaultMaxConcurrency)
	srv := api.NewServer(addr, db, reg, eng, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	eng.Wait()
}
