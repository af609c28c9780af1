// Command deferq runs a deferred task driver with an HTTP introspection API.
// It loads configuration, starts the driver, optionally seeds it with a
// Fibonacci demo workload, and serves until SIGINT or SIGTERM.
//
// Usage:
//
//	deferq [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snehjoshi/deferq/internal/config"
	"github.com/snehjoshi/deferq/internal/consumer"
	"github.com/snehjoshi/deferq/internal/demo"
	"github.com/snehjoshi/deferq/internal/dlq"
	"github.com/snehjoshi/deferq/internal/driver"
	"github.com/snehjoshi/deferq/internal/metrics"
	transphttp "github.com/snehjoshi/deferq/internal/transport/http"
	transportws "github.com/snehjoshi/deferq/internal/transport/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "deferq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	slog.SetDefault(cfg.Log.NewLogger(os.Stdout))

	// ── 3. Metrics, event sinks and driver ───────────────────────────────────
	metricsReg := &metrics.Registry{}
	hub := transportws.NewHub(0)
	ledger := dlq.New(cfg.DeadLetter.Capacity)
	hooks := consumer.NewManager()
	for _, wh := range cfg.Webhooks {
		if _, err := hooks.Register(wh.URL, wh.Secret); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
	}

	d := driver.New(
		driver.WithName(cfg.Driver.Name),
		driver.WithWorkers(cfg.Driver.Workers),
		driver.WithCompactThreshold(cfg.Driver.CompactThreshold),
		driver.WithMetrics(metricsReg),
		driver.WithObserver(hub.Publish),
		driver.WithObserver(ledger.Record),
		driver.WithObserver(hooks.Publish),
	)
	metricsReg.Gauge("dead_letters", "Failed task events held in the dead-letter record", d.Name(),
		func() int64 { return int64(ledger.Len()) })
	metricsReg.Gauge("event_stream_subscribers", "Connected WebSocket event subscribers", d.Name(),
		func() int64 { return int64(hub.Subscribers()) })

	slog.Info("deferq starting",
		"driver", d.Name(),
		"run_id", d.RunID(),
		"workers", cfg.Driver.Workers,
		"http_enabled", cfg.HTTP.Enabled,
	)

	// ── 4. Seed the demo workload ────────────────────────────────────────────
	if cfg.Demo.Tasks > 0 {
		offset, err := cfg.Demo.Offset()
		if err != nil {
			return fmt.Errorf("demo: %w", err)
		}
		tasks, err := demo.ScheduleFib(d, cfg.Demo.Tasks, offset, nil)
		if err != nil {
			return err
		}
		slog.Info("demo workload scheduled", "tasks", len(tasks), "max_offset", offset)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	// ── 5. Start HTTP / WebSocket transport ──────────────────────────────────
	var srv *transphttp.Server
	serveErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		srv = transphttp.New(d, cfg, metricsReg, hub,
			transphttp.WithDeadLetters(ledger),
			transphttp.WithWebhooks(hooks),
		)
		addr := cfg.HTTP.Addr()
		go func() {
			slog.Info("deferq ready", "addr", addr)
			if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			} else {
				serveErr <- nil
			}
		}()
	}

	// ── 6. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	hub.Close()
	if srv != nil {
		// Give in-flight requests 5 seconds to complete.
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
	}

	d.Stop()
	hooks.Close()
	st := d.Stats()
	slog.Info("deferq stopped",
		"pending", st.Pending,
		"completed", st.Completed,
		"failed", st.Failed,
		"webhooks_delivered", hooks.Delivered(),
	)
	return runErr
}
