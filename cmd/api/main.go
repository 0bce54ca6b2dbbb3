package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "session-recap/internal/api"
	"session-recap/internal/bootstrap"
	"session-recap/internal/config"
	"session-recap/internal/logging"
	"session-recap/internal/queue"
	"session-recap/internal/ratelimit"
)

func main() {
	os.Exit(start(os.Stderr))
}

// start runs the api and reports a fatal error on stderr, including errors
// raised before the logger exists.
func start(stderr io.Writer) int {
	if err := run(); err != nil {
		fmt.Fprintf(stderr, "api: %v\n", err)
		return 1
	}
	return 0
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		return err
	}
	defer backend.Close()

	opts := []queue.Option{queue.WithLogger(logger)}
	var limiter api.Limiter
	if rdb := bootstrap.OpenRedis(ctx, cfg, logger); rdb != nil {
		defer rdb.Close()
		opts = append(opts, queue.WithNotifier(queue.NewRedisNotifier(rdb)))
		limiter = ratelimit.New(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}
	q := queue.NewClient(backend.Jobs, opts...)

	server := api.New(backend.Records, q, backend.Jobs, limiter, logging.NewComponentLogger(logger, "api"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("listen failed", "error", err)
		return err
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}
