package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"promptlab/internal/platform/metrics"
	"promptlab/internal/platform/models"
	"promptlab/internal/platform/queue"
	"promptlab/internal/platform/repositories"
)

// JobType identifies delivery jobs in the queue.
const JobType = "webhook.deliver"

const defaultDeliveryTimeout = 30 * time.Second

// DeliveryJob is the queue payload handed to the delivery worker.
type DeliveryJob struct {
	DeliveryID string            `json:"deliveryId"`
	URL        string            `json:"url"`
	Payload    string            `json:"payload"`
	Headers    map[string]string `json:"headers"`
}

// deliveryJob builds the queue spec for d. The delivery id is the dedupe
// key, so enqueueing the same delivery twice yields a single active job.
func deliveryJob(d *models.WebhookDelivery, timeout time.Duration) queue.Spec {
	headers := map[string]string{}
	if d.Headers != "" {
		if err := json.Unmarshal([]byte(d.Headers), &headers); err != nil {
			log.Warn().Err(err).Str("delivery_id", d.ID).Msg("stored delivery headers are not valid JSON")
		}
	}
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	remaining := d.MaxAttempts - d.Attempts
	if remaining < 1 {
		remaining = 1
	}
	return queue.Spec{
		Type: JobType,
		Payload: DeliveryJob{
			DeliveryID: d.ID,
			URL:        d.URL,
			Payload:    d.Payload,
			Headers:    headers,
		},
		MaxAttempts: remaining,
		Timeout:     timeout,
		DedupeKey:   d.ID,
	}
}

// Dispatcher fans domain events out to matching subscriptions.
type Dispatcher struct {
	webhooks   *repositories.WebhookRepository
	deliveries *repositories.DeliveryRepository
	queue      queue.Enqueuer
	timeout    time.Duration
	now        func() time.Time
}

func NewDispatcher(webhooks *repositories.WebhookRepository, deliveries *repositories.DeliveryRepository, q queue.Enqueuer, deliveryTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		webhooks:   webhooks,
		deliveries: deliveries,
		queue:      q,
		timeout:    deliveryTimeout,
		now:        time.Now,
	}
}

// TriggerEvent creates one pending delivery per enabled subscription of the
// event type and enqueues it. Global subscriptions match every project. It
// returns the ids of the created deliveries.
//
// A delivery whose enqueue fails stays pending and is picked up by
// ReconcilePending. Repeated calls with the same event id create new
// deliveries.
func (d *Dispatcher) TriggerEvent(ctx context.Context, event Event) ([]string, error) {
	if event.Type == "" {
		return nil, errors.New("event type is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}
	if event.ID == "" {
		event.ID = NewEventID(event.Timestamp)
	}

	subscribers, err := d.webhooks.FindSubscribers(ctx, event.Type, event.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("find subscribers for %s: %w", event.Type, err)
	}
	metrics.EventsTriggered.WithLabelValues(event.Type).Inc()

	ids := make([]string, 0, len(subscribers))
	var errs []error
	for _, webhook := range subscribers {
		id, err := d.dispatch(ctx, webhook, event)
		if err != nil {
			log.Error().Err(err).Str("webhook_id", webhook.ID).Str("event", event.Type).Msg("create delivery failed")
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}

	log.Debug().Str("event", event.Type).Str("event_id", event.ID).Int("deliveries", len(ids)).Msg("event dispatched")
	return ids, errors.Join(errs...)
}

func (d *Dispatcher) dispatch(ctx context.Context, webhook *models.Webhook, event Event) (string, error) {
	deliveryID := "dlv_" + uuid.NewString()
	body, headers, err := buildRequest(webhook.Secret, webhook.Headers, event, deliveryID)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}

	// A subscription with zero retries still gets its one attempt.
	maxAttempts := webhook.RetryAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delivery := &models.WebhookDelivery{
		ID:          deliveryID,
		WebhookID:   webhook.ID,
		ProjectID:   event.ProjectID,
		URL:         webhook.URL,
		EventType:   event.Type,
		Payload:     string(body),
		Headers:     string(headersJSON),
		Status:      models.DeliveryPending,
		MaxAttempts: maxAttempts,
	}
	if err := d.deliveries.Create(ctx, delivery); err != nil {
		return "", fmt.Errorf("persist delivery: %w", err)
	}
	metrics.DeliveriesCreated.WithLabelValues(event.Type).Inc()

	if _, err := d.queue.Enqueue(ctx, deliveryJob(delivery, d.timeout)); err != nil {
		log.Warn().Err(err).Str("delivery_id", deliveryID).Msg("enqueue failed, left for reconciliation")
	}
	return deliveryID, nil
}

// ReconcilePending re-enqueues pending deliveries untouched for olderThan
// that have no active job. It returns how many were enqueued.
func (d *Dispatcher) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stranded, err := d.deliveries.ListStrandedPending(ctx, d.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list stranded deliveries: %w", err)
	}

	enqueued := 0
	for _, delivery := range stranded {
		if _, err := d.queue.Enqueue(ctx, deliveryJob(delivery, d.timeout)); err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.ID).Msg("reconcile enqueue failed")
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		log.Info().Int("enqueued", enqueued).Msg("stranded deliveries re-enqueued")
	}
	return enqueued, nil
}
