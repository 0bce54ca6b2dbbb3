package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"session-recap/internal/bootstrap"
	"session-recap/internal/config"
	"session-recap/internal/logging"
	"session-recap/internal/pipeline"
	"session-recap/internal/queue"
	"session-recap/internal/summarize"
	"session-recap/internal/telemetry"
	"session-recap/internal/transcribe"
	workerproc "session-recap/internal/worker"
)

func main() {
	if err := newWorkerCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newWorkerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:          "worker [queue]",
		Short:        "Process session recap jobs from a queue",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Queue = args[0]
			}
			return run(cmd.Context(), cfg, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process every eligible job, then exit")
	return cmd
}

func run(parent context.Context, cfg config.Config, once bool) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("job store unavailable", "error", err)
		return err
	}
	defer backend.Close()

	workerID := bootstrap.WorkerID(cfg)
	opts := []queue.Option{queue.WithWorkerID(workerID), queue.WithLogger(logger)}
	if rdb := bootstrap.OpenRedis(ctx, cfg, logger); rdb != nil {
		defer rdb.Close()
		opts = append(opts, queue.WithNotifier(queue.NewRedisNotifier(rdb)))
	}
	q := queue.NewClient(backend.Jobs, opts...)

	src, err := bootstrap.AudioSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("audio source: %w", err)
	}
	p := pipeline.New(pipeline.Deps{
		Records: backend.Records,
		Audio:   src,
		Transcriber: transcribe.NewClient(transcribe.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.WhisperModel,
			Timeout: cfg.TranscribeTimeout,
		}, transcribe.WithLogger(logging.NewComponentLogger(logger, "whisper"))),
		Summarizer: summarize.NewClient(summarize.Config{
			APIKey:  cfg.AnthropicAPIKey,
			BaseURL: cfg.AnthropicBaseURL,
			Model:   cfg.AnthropicModel,
			Timeout: cfg.SummarizeTimeout,
		}, summarize.WithLogger(logging.NewComponentLogger(logger, "claude"))),
		Queue:  q,
		Logger: logging.NewComponentLogger(logger, "pipeline"),
	})
	reg := workerproc.NewRegistry()
	p.Register(reg)

	processor := workerproc.NewProcessor(workerproc.Config{
		Queue:        cfg.Queue,
		PollInterval: cfg.WorkerPollInterval,
		RetryDelay:   cfg.RetryDelay,
	}, q, reg, logger.With("worker_id", workerID))

	if once {
		n, err := processor.Drain(ctx)
		logger.Info("queue drained", "queue", cfg.Queue, "processed", n)
		return err
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	err = processor.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("worker stopped")
		return nil
	}
	logger.Error("worker stopped", "error", err)
	return err
}
