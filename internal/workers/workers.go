package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"promptlab/internal/engine/webhooks"
	"promptlab/internal/platform/config"
	"promptlab/internal/platform/queue"
)

const (
	defaultPollInterval   = time.Second
	defaultReconcileAfter = 2 * time.Minute
	defaultReconcileEvery = time.Minute
	defaultCleanupEvery   = 24 * time.Hour
	requeueEvery          = time.Minute
)

// Runner owns the background loops of the worker process: delivery workers
// draining the job queue plus periodic reconciliation, abandoned-job recovery
// and retention cleanup.
type Runner struct {
	worker     *webhooks.Worker
	dispatcher *webhooks.Dispatcher
	service    *webhooks.Service
	queue      *queue.Queue
	cfg        config.WebhooksConfig
}

func NewRunner(worker *webhooks.Worker, dispatcher *webhooks.Dispatcher, service *webhooks.Service, q *queue.Queue, cfg config.WebhooksConfig) *Runner {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = defaultReconcileAfter
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = defaultReconcileEvery
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = defaultCleanupEvery
	}
	return &Runner{worker: worker, dispatcher: dispatcher, service: service, queue: q, cfg: cfg}
}

// Run blocks until ctx is cancelled and every loop has stopped.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < r.cfg.WorkerCount; i++ {
		id := i
		g.Go(func() error {
			r.drain(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		every(ctx, "reconcile", r.cfg.ReconcileEvery, r.Reconcile)
		return nil
	})
	g.Go(func() error {
		every(ctx, "requeue_abandoned", requeueEvery, r.RequeueAbandoned)
		return nil
	})
	g.Go(func() error {
		every(ctx, "cleanup", r.cfg.CleanupEvery, r.Cleanup)
		return nil
	})

	log.Info().Int("workers", r.cfg.WorkerCount).Dur("poll_interval", r.cfg.PollInterval).Msg("background workers started")
	err := g.Wait()
	log.Info().Msg("background workers stopped")
	return err
}

// drain processes jobs back to back and sleeps for the poll interval whenever
// the queue is empty or a job errors.
func (r *Runner) drain(ctx context.Context, id int) {
	logger := log.With().Int("worker", id).Logger()
	for {
		processed, err := r.worker.ProcessNext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("job processing failed")
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

func every(ctx context.Context, name string, interval time.Duration, task func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := task(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("task", name).Msg("periodic task failed")
			}
		}
	}
}

// Reconcile re-enqueues pending deliveries that lost their job.
func (r *Runner) Reconcile(ctx context.Context) error {
	_, err := r.dispatcher.ReconcilePending(ctx, r.cfg.ReconcileAfter, 0)
	return err
}

// RequeueAbandoned returns jobs left running by a crashed worker to the queue.
func (r *Runner) RequeueAbandoned(ctx context.Context) error {
	n, err := r.queue.RequeueAbandoned(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Warn().Int64("jobs", n).Msg("requeued abandoned jobs")
	}
	return nil
}

// Cleanup deletes settled deliveries past the retention period.
func (r *Runner) Cleanup(ctx context.Context) error {
	_, err := r.service.CleanupOldDeliveries(ctx, r.cfg.RetentionDays)
	return err
}
