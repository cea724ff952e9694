package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"promptlab/internal/platform/config"
	"promptlab/internal/platform/metrics"
	"promptlab/internal/platform/models"
	"promptlab/internal/platform/queue"
	"promptlab/internal/platform/repositories"
)

const maxBackoff = time.Hour

// statusError marks a 5xx answer as a breaker failure while keeping the
// response available to the caller.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d", e.code) }

// Worker executes webhook.deliver jobs.
type Worker struct {
	queue      *queue.Queue
	deliveries *repositories.DeliveryRepository
	client     *Client
	cfg        config.WebhooksConfig
	now        func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*Response]
}

func NewWorker(q *queue.Queue, deliveries *repositories.DeliveryRepository, client *Client, cfg config.WebhooksConfig) *Worker {
	return &Worker{
		queue:      q,
		deliveries: deliveries,
		client:     client,
		cfg:        cfg,
		now:        time.Now,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*Response]),
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func (w *Worker) breaker(host string) *gobreaker.CircuitBreaker[*Response] {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[host]; ok {
		return cb
	}

	failures := w.cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     w.cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	w.breakers[host] = cb
	return cb
}

// ProcessNext claims and runs one job. It reports false when the queue had
// nothing runnable.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if job.Type != JobType {
		log.Error().Str("job_id", job.ID).Str("type", job.Type).Msg("unknown job type")
		return true, w.queue.Fail(ctx, job.ID, "unknown job type "+job.Type)
	}
	return true, w.handle(ctx, job)
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) error {
	var dj DeliveryJob
	if err := json.Unmarshal(job.Payload, &dj); err != nil {
		return w.queue.Fail(ctx, job.ID, "invalid job payload: "+err.Error())
	}

	delivery, err := w.deliveries.GetByID(ctx, dj.DeliveryID)
	if err != nil {
		retryErr := w.queue.Retry(ctx, job.ID, w.now().Add(w.backoff(1)), err.Error())
		return errors.Join(fmt.Errorf("load delivery %s: %w", dj.DeliveryID, err), retryErr)
	}
	if delivery == nil || delivery.Status != models.DeliveryPending {
		// Deleted or already settled by an earlier run.
		return w.queue.Complete(ctx, job.ID)
	}

	logger := log.With().Str("delivery_id", delivery.ID).Str("webhook_id", delivery.WebhookID).Str("event", delivery.EventType).Logger()

	resp, err := w.send(ctx, dj, job.Timeout)
	if ctx.Err() != nil {
		// Shutting down; the abandoned job is requeued later.
		return ctx.Err()
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.DeliveryAttempts.WithLabelValues("deferred").Inc()
		logger.Debug().Msg("circuit open, delivery deferred")
		return w.queue.Defer(ctx, job.ID, w.now().Add(w.cfg.BreakerOpenFor), err.Error())
	}

	if err == nil && resp.OK() {
		if err := w.deliveries.MarkDelivered(ctx, delivery.ID, resp.StatusCode, w.now()); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
		logger.Info().Int("status", resp.StatusCode).Dur("duration", resp.Duration).Msg("webhook delivered")
		return w.queue.Complete(ctx, job.ID)
	}

	var responseStatus *int
	var lastError string
	terminal := false
	if err != nil {
		lastError = err.Error()
	} else {
		code := resp.StatusCode
		responseStatus = &code
		lastError = fmt.Sprintf("HTTP %d", code)
		terminal = !retryableStatus(code)
	}

	status, err := w.deliveries.RecordAttemptFailure(ctx, delivery.ID, responseStatus, lastError, terminal)
	if err != nil {
		return fmt.Errorf("record attempt failure: %w", err)
	}
	if status == models.DeliveryPending {
		delay := w.backoff(delivery.Attempts + 1)
		err := w.queue.Retry(ctx, job.ID, w.now().Add(delay), lastError)
		if !errors.Is(err, queue.ErrAttemptsExhausted) {
			if err == nil {
				metrics.DeliveryAttempts.WithLabelValues("retry").Inc()
				logger.Warn().Str("error", lastError).Dur("retry_in", delay).Msg("webhook delivery failed, retrying")
			}
			return err
		}
		// Abandoned runs count against the job, so it can run out first.
		if err := w.deliveries.MarkFailed(ctx, delivery.ID, lastError); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		metrics.DeliveryAttempts.WithLabelValues("failed").Inc()
		logger.Warn().Str("error", lastError).Int("job_attempt", job.Attempt).Msg("webhook delivery failed, job attempts exhausted")
		return nil
	}

	metrics.DeliveryAttempts.WithLabelValues("failed").Inc()
	logger.Warn().Str("error", lastError).Bool("permanent", terminal).Msg("webhook delivery failed")
	return w.queue.Fail(ctx, job.ID, lastError)
}

func (w *Worker) send(ctx context.Context, dj DeliveryJob, timeout time.Duration) (*Response, error) {
	resp, err := w.breaker(hostOf(dj.URL)).Execute(func() (*Response, error) {
		resp, err := w.client.Post(ctx, dj.URL, []byte(dj.Payload), dj.Headers, timeout)
		if err != nil {
			return nil, err
		}
		metrics.DeliveryLatency.Observe(resp.Duration.Seconds())
		if resp.StatusCode >= 500 {
			return resp, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	})

	var se *statusError
	if errors.As(err, &se) {
		return resp, nil
	}
	return resp, err
}

// retryableStatus reports whether a non-2xx answer is worth another attempt.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// backoff doubles the configured base delay per attempt.
func (w *Worker) backoff(attempt int) time.Duration {
	base := w.cfg.RetryBackoff
	if base <= 0 {
		base = 10 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
