package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"session-recap/internal/models"
	"session-recap/internal/queue"
	"session-recap/internal/telemetry"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultRetryDelay   = 60 * time.Second
)

// Config controls a worker loop.
type Config struct {
	Queue        string
	PollInterval time.Duration
	RetryDelay   time.Duration
}

// Processor drives the worker execution loop: one job at a time from a
// single queue.
type Processor struct {
	cfg      Config
	queue    *queue.Client
	registry *Registry
	logger   *slog.Logger
}

// NewProcessor builds a worker loop over q using handlers from reg.
func NewProcessor(cfg Config, q *queue.Client, reg *Registry, logger *slog.Logger) *Processor {
	if cfg.Queue == "" {
		cfg.Queue = models.DefaultQueue
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		logger:   logger.With("queue", cfg.Queue),
	}
}

// Run polls until ctx is cancelled or the store fails. A job that has been
// claimed always runs to completion before cancellation is observed.
func (p *Processor) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if n := p.queue.Notifier(); n != nil {
		ch, closeSub, err := n.Subscribe(ctx, p.cfg.Queue)
		if err != nil {
			p.logger.Warn("job notifications unavailable, polling only", "error", err)
		} else {
			wake = ch
			defer closeSub()
		}
	}

	p.logger.Info("worker started", "handlers", p.registry.Names(), "poll_interval", p.cfg.PollInterval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.reportDepth(ctx)

		processed, err := p.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if processed {
			continue
		}

		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				wake = nil
			}
		}
	}
}

// Drain processes jobs until none is eligible and returns how many ran.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := p.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job was
// claimed. Handler failures are recorded on the job and never returned;
// errors returned here come from the store and are fatal to the loop.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.queue.Pop(ctx, p.cfg.Queue)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, p.execute(context.WithoutCancel(ctx), job)
}

func (p *Processor) execute(ctx context.Context, job *models.Job) error {
	handler := job.Payload.Handler
	logger := p.logger.With("job_id", job.ID, "handler", handler, "attempt", job.Attempts)
	telemetry.JobsClaimed.WithLabelValues(job.Queue, handler).Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	logger.Info("processing job")
	start := time.Now()
	runErr := p.run(ctx, job)
	elapsed := time.Since(start)
	telemetry.JobDuration.WithLabelValues(handler).Observe(elapsed.Seconds())

	if runErr == nil {
		if err := p.queue.Complete(ctx, job.ID); err != nil {
			return fmt.Errorf("complete job %d: %w", job.ID, err)
		}
		telemetry.JobsComplete.WithLabelValues(job.Queue, handler).Inc()
		logger.Info("job completed", "duration", elapsed.Round(time.Millisecond))
		return nil
	}

	telemetry.JobsFailed.WithLabelValues(job.Queue, handler).Inc()
	logger.Error("job failed", "error", runErr, "duration", elapsed.Round(time.Millisecond))
	if err := p.queue.Fail(ctx, job.ID, runErr.Error()); err != nil {
		return fmt.Errorf("fail job %d: %w", job.ID, err)
	}

	switch {
	case IsPermanent(runErr):
		logger.Warn("job failed permanently, not retrying")
		return nil
	case !job.CanRetry():
		logger.Warn("max attempts reached, giving up", "max_attempts", models.MaxAttempts)
		return nil
	}

	retried, err := p.queue.Retry(ctx, job.ID, p.cfg.RetryDelay)
	if err != nil {
		return fmt.Errorf("retry job %d: %w", job.ID, err)
	}
	if retried {
		telemetry.JobsRetried.WithLabelValues(job.Queue, handler).Inc()
		logger.Info("job queued for retry", "delay", p.cfg.RetryDelay)
	}
	return nil
}

// run resolves and invokes the job's handler, converting panics to errors.
func (p *Processor) run(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", job.Payload.Handler, r)
		}
	}()
	h, err := p.registry.Resolve(job.Payload)
	if err != nil {
		return err
	}
	if err := h.Handle(withJob(ctx, job)); err != nil {
		return err
	}
	return nil
}

func (p *Processor) reportDepth(ctx context.Context) {
	n, err := p.queue.Ready(ctx, p.cfg.Queue)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Debug("queue depth unavailable", "error", err)
		}
		return
	}
	telemetry.QueueDepthGauge.WithLabelValues(p.cfg.Queue).Set(float64(n))
}
