// Spins up the tiercache server: a two tier blob cache served over the Redis protocol, with prometheus metrics and a
// periodic staleness sweep.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/tiercache/pkg/config"
	"github.com/nobletooth/tiercache/pkg/engine"
	"github.com/nobletooth/tiercache/pkg/port"
	"github.com/nobletooth/tiercache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	printVersion    = flag.Bool("print_version", false, "Print the version and exit.")
	metricsAddress  = flag.String("metrics_address", ":9090", "The ip:port serving /metrics; empty disables it.")
	cleanupInterval = flag.Duration("cleanup_interval", 6*time.Hour,
		"How often stale disk entries are swept. Zero only sweeps on shutdown.")
)

const metricsShutdownTimeout = 5 * time.Second

// cleaner is the part of the engine the cleanup loop drives.
type cleaner interface {
	Cleanup() engine.SweepResult
}

// runCleanupLoop sweeps `cache` every `interval` until `ctx` is done.
func runCleanupLoop(ctx context.Context, cache cleaner, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result := cache.Cleanup()
			slog.Debug("Periodic cleanup finished.", "deleted", result.Deleted, "skipped", result.Skipped)
		}
	}
}

// serveMetrics serves the prometheus registry on `listener` until `ctx` is done.
func serveMetrics(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}
		return nil
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server stopped unexpectedly: %w", err)
	}
}

// run serves `cache` until `ctx` is done or one of the servers fails.
func run(ctx context.Context, cache *engine.Engine) error {
	var metricsListener net.Listener
	if *metricsAddress != "" {
		listener, err := net.Listen("tcp", *metricsAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on metrics address: %w", err)
		}
		metricsListener = listener
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return port.RunRedisServer(ctx, cache) })
	group.Go(func() error { return runCleanupLoop(ctx, cache, *cleanupInterval) })
	if metricsListener != nil {
		group.Go(func() error { return serveMetrics(ctx, metricsListener) })
	}
	return group.Wait()
}

func main() {
	if err := config.InitFlags(); err != nil {
		slog.Error("Failed to load config file.", "error", err)
		os.Exit(1)
	}
	utils.InitLogging()

	if *printVersion {
		slog.Info("Tiercache build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	opts, err := engine.OptionsFromFlags()
	if err != nil {
		slog.Error("Invalid cache options.", "error", err)
		os.Exit(1)
	}
	cache, err := engine.New(opts)
	if err != nil {
		slog.Error("Failed to open cache engine.", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := run(ctx, cache)

	// Shutdown is the last chance to sweep before the process goes away.
	result := cache.Cleanup()
	slog.Info("Shutdown cleanup finished.", "deleted", result.Deleted, "uptime", utils.Uptime())
	if err := cache.Close(); err != nil {
		slog.Error("Failed to close cache engine.", "error", err)
	}
	if runErr != nil {
		slog.Error("Tiercache server stopped.", "error", runErr)
		os.Exit(1)
	}
}
