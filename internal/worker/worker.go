// Package worker implements the pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/incident"
	"github.com/jvilhena/vigia/internal/metrics"
	"github.com/jvilhena/vigia/internal/stages"
)

// Config controls Worker behavior.
type Config struct {
	// RetryDelay is how long a throttled job waits before renaking.
	RetryDelay time.Duration
	// MaxAttempts caps redeliveries of one job before it is dropped.
	MaxAttempts int
}

// Worker consumes queue jobs and executes the stage pipeline.
type Worker struct {
	queue  incident.Queue
	stages *stages.Stages
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue incident.Queue, st *stages.Stages, cfg Config, logger *zap.Logger) *Worker {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, stages: st, cfg: cfg, logger: logger}
}

// Run blocks, consuming jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, delivery)

		if depth, err := w.queue.Depth(ctx); err == nil {
			metrics.SetQueueDepth(depth)
		}
	}
}

func (w *Worker) process(ctx context.Context, d incident.Delivery) {
	job := d.Job
	w.logger.Debug("dequeued job",
		zap.String("job_id", job.ID),
		zap.String("stage", string(job.Stage)),
	)

	err := w.stages.Run(ctx, job)
	switch {
	case err == nil:
		w.ack(d)

	case errors.Is(err, stages.ErrRetryLater):
		// Throttled upstream. Back off before redelivering so the whole
		// pool does not hammer the provider.
		w.logger.Warn("job throttled, backing off",
			zap.String("job_id", job.ID),
			zap.String("stage", string(job.Stage)),
			zap.Error(err),
		)
		select {
		case <-time.After(w.cfg.RetryDelay):
		case <-ctx.Done():
		}
		w.nak(d)

	case job.Attempt+1 >= w.cfg.MaxAttempts:
		// Persistent failure. Drop the job; the scheduled sweeps will pick
		// the item up again from its stored status.
		w.logger.Error("job dropped after max attempts",
			zap.String("job_id", job.ID),
			zap.String("stage", string(job.Stage)),
			zap.Int("attempts", job.Attempt+1),
			zap.Error(err),
		)
		w.ack(d)

	default:
		w.logger.Error("job failed, will redeliver",
			zap.String("job_id", job.ID),
			zap.String("stage", string(job.Stage)),
			zap.Int("attempt", job.Attempt+1),
			zap.Error(err),
		)
		w.nak(d)
	}
}

func (w *Worker) ack(d incident.Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(); err != nil {
		w.logger.Error("job ack failed", zap.String("job_id", d.Job.ID), zap.Error(err))
	}
}

func (w *Worker) nak(d incident.Delivery) {
	if d.Nak == nil {
		return
	}
	if err := d.Nak(); err != nil {
		w.logger.Error("job nak failed", zap.String("job_id", d.Job.ID), zap.Error(err))
	}
}
