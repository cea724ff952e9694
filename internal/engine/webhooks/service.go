package webhooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"promptlab/internal/engine/projects"
	apperrors "promptlab/internal/pkg/errors"
	"promptlab/internal/pkg/validator"
	"promptlab/internal/platform/audit"
	"promptlab/internal/platform/config"
	"promptlab/internal/platform/models"
	"promptlab/internal/platform/queue"
	"promptlab/internal/platform/repositories"
)

const (
	DefaultRetryAttempts = 3
	MaxRetryAttempts     = 10

	DefaultDeliveryLimit = 50
	MaxDeliveryLimit     = 100

	// RetryBatchSize bounds how many failed deliveries one retry call resets.
	RetryBatchSize = 10

	DefaultRetentionDays = 30
)

// CreateInput is the caller-supplied configuration of a new subscription.
type CreateInput struct {
	URL           string            `json:"url"`
	Events        []string          `json:"events"`
	Headers       map[string]string `json:"headers"`
	Secret        *string           `json:"secret"`
	Enabled       *bool             `json:"enabled"`
	RetryAttempts *int              `json:"retryAttempts"`
}

// UpdateInput is a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	URL           *string            `json:"url"`
	Events        *[]string          `json:"events"`
	Headers       *map[string]string `json:"headers"`
	Secret        *string            `json:"secret"`
	Enabled       *bool              `json:"enabled"`
	RetryAttempts *int               `json:"retryAttempts"`
}

// TestResult reports a one-off test send.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration"`
}

// Auditor records management actions taken on subscriptions.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

type Service struct {
	webhooks   *repositories.WebhookRepository
	deliveries *repositories.DeliveryRepository
	access     *projects.Access
	queue      queue.Enqueuer
	client     *Client
	cfg        config.WebhooksConfig
	auditor    Auditor
	now        func() time.Time
}

func NewService(
	webhooks *repositories.WebhookRepository,
	deliveries *repositories.DeliveryRepository,
	access *projects.Access,
	q queue.Enqueuer,
	client *Client,
	cfg config.WebhooksConfig,
) *Service {
	return &Service{
		webhooks:   webhooks,
		deliveries: deliveries,
		access:     access,
		queue:      q,
		client:     client,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetAuditor enables the audit trail. Without one, actions are only logged.
func (s *Service) SetAuditor(a Auditor) {
	s.auditor = a
}

func (s *Service) record(ctx context.Context, userID, action string, webhook *models.Webhook, metadata map[string]interface{}) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Entry{
		ProjectID:    webhook.ProjectID,
		UserID:       userID,
		Action:       action,
		ResourceType: "webhook",
		ResourceID:   webhook.ID,
		Metadata:     metadata,
	})
}

func validateURL(raw string) error {
	if !validator.IsAbsoluteURL(raw) {
		return apperrors.NewValidation("Invalid webhook URL", map[string]string{"url": raw})
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return apperrors.NewValidation("At least one event is required", nil)
	}
	if invalid := InvalidEvents(events); len(invalid) > 0 {
		return apperrors.NewValidation(
			fmt.Sprintf("Invalid events: %s", strings.Join(invalid, ", ")),
			map[string]interface{}{"invalidEvents": invalid},
		)
	}
	return nil
}

func validateRetryAttempts(n int) error {
	if n < 0 || n > MaxRetryAttempts {
		return apperrors.NewValidation(
			fmt.Sprintf("retryAttempts must be between 0 and %d", MaxRetryAttempts),
			map[string]int{"retryAttempts": n},
		)
	}
	return nil
}

// probe posts a test payload and rejects endpoints that fail or answer >= 400.
func (s *Service) probe(ctx context.Context, target string, secret *string, headers map[string]string) error {
	event := Event{
		ID:        NewEventID(s.now()),
		Type:      EventTest,
		Data:      map[string]string{"message": "Webhook reachability check"},
		Timestamp: s.now(),
	}
	body, hdrs, err := buildRequest(secret, headers, event, "")
	if err != nil {
		return err
	}

	resp, err := s.client.Post(ctx, target, body, hdrs, s.cfg.ProbeTimeout)
	if err != nil {
		return apperrors.NewValidation(fmt.Sprintf("Webhook URL is not reachable: %v", err), nil)
	}
	if resp.StatusCode >= 400 {
		return apperrors.NewValidation(fmt.Sprintf("Webhook URL is not reachable: endpoint returned HTTP %d", resp.StatusCode), nil)
	}
	return nil
}

// CreateWebhook registers a project subscription after the endpoint passes a
// reachability probe. Nothing is persisted when any check fails.
func (s *Service) CreateWebhook(ctx context.Context, userID, projectID string, in CreateInput) (*models.WebhookWithCounts, error) {
	if _, err := s.access.RequireProjectRole(ctx, userID, projectID, projects.ManageRoles...); err != nil {
		return nil, err
	}
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	if err := validateEvents(in.Events); err != nil {
		return nil, err
	}
	retry := DefaultRetryAttempts
	if in.RetryAttempts != nil {
		retry = *in.RetryAttempts
		if err := validateRetryAttempts(retry); err != nil {
			return nil, err
		}
	}
	if err := s.probe(ctx, in.URL, in.Secret, in.Headers); err != nil {
		return nil, err
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	webhook := &models.Webhook{
		ProjectID:     &projectID,
		URL:           in.URL,
		Events:        dedupeEvents(in.Events),
		Headers:       in.Headers,
		Secret:        in.Secret,
		Enabled:       enabled,
		RetryAttempts: retry,
		CreatedBy:     userID,
	}
	if err := s.webhooks.Create(ctx, webhook); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}

	log.Info().Str("webhook_id", webhook.ID).Str("project_id", projectID).Strs("events", webhook.Events).Msg("webhook created")
	s.record(ctx, userID, "webhook.created", webhook, map[string]interface{}{"url": webhook.URL, "events": webhook.Events})
	return &models.WebhookWithCounts{Webhook: webhook}, nil
}

func dedupeEvents(events []string) []string {
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// loadForManage loads a webhook the caller may modify. Project subscriptions
// need OWNER or ADMIN; global ones can only be changed by their creator.
func (s *Service) loadForManage(ctx context.Context, userID, webhookID string) (*models.Webhook, error) {
	webhook, err := s.load(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if webhook.ProjectID != nil {
		if _, err := s.access.RequireProjectRole(ctx, userID, *webhook.ProjectID, projects.ManageRoles...); err != nil {
			return nil, err
		}
	} else if webhook.CreatedBy != userID {
		return nil, apperrors.NewAuthorization("Only the creator can manage a global webhook")
	}
	return webhook, nil
}

func (s *Service) loadForRead(ctx context.Context, userID, webhookID string) (*models.Webhook, error) {
	webhook, err := s.load(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if webhook.ProjectID != nil {
		if _, err := s.access.RequireRead(ctx, userID, *webhook.ProjectID); err != nil {
			return nil, err
		}
	} else if webhook.CreatedBy != userID {
		return nil, apperrors.NewAuthorization("You do not have access to this webhook")
	}
	return webhook, nil
}

func (s *Service) load(ctx context.Context, webhookID string) (*models.Webhook, error) {
	webhook, err := s.webhooks.GetByID(ctx, webhookID)
	if err != nil {
		return nil, fmt.Errorf("load webhook %s: %w", webhookID, err)
	}
	if webhook == nil {
		return nil, apperrors.NewNotFound("webhook", webhookID)
	}
	return webhook, nil
}

func (s *Service) withCounts(ctx context.Context, webhook *models.Webhook) (*models.WebhookWithCounts, error) {
	stats, err := s.deliveries.Stats(ctx, webhook.ID)
	if err != nil {
		return nil, fmt.Errorf("load delivery stats: %w", err)
	}
	return &models.WebhookWithCounts{Webhook: webhook, DeliveryCount: stats.Total, FailureCount: stats.Failed}, nil
}

func (s *Service) GetWebhook(ctx context.Context, userID, webhookID string) (*models.WebhookWithCounts, error) {
	webhook, err := s.loadForRead(ctx, userID, webhookID)
	if err != nil {
		return nil, err
	}
	return s.withCounts(ctx, webhook)
}

// UpdateWebhook applies a partial update. Changing the URL re-runs the
// reachability probe.
func (s *Service) UpdateWebhook(ctx context.Context, userID, webhookID string, in UpdateInput) (*models.WebhookWithCounts, error) {
	webhook, err := s.loadForManage(ctx, userID, webhookID)
	if err != nil {
		return nil, err
	}

	if in.Events != nil {
		if err := validateEvents(*in.Events); err != nil {
			return nil, err
		}
	}
	if in.RetryAttempts != nil {
		if err := validateRetryAttempts(*in.RetryAttempts); err != nil {
			return nil, err
		}
	}
	if in.URL != nil {
		if err := validateURL(*in.URL); err != nil {
			return nil, err
		}
		secret, headers := webhook.Secret, webhook.Headers
		if in.Secret != nil {
			secret = in.Secret
		}
		if in.Headers != nil {
			headers = *in.Headers
		}
		if err := s.probe(ctx, *in.URL, secret, headers); err != nil {
			return nil, err
		}
		webhook.URL = *in.URL
	}

	if in.Events != nil {
		webhook.Events = dedupeEvents(*in.Events)
	}
	if in.Headers != nil {
		webhook.Headers = *in.Headers
	}
	if in.Secret != nil {
		if *in.Secret == "" {
			webhook.Secret = nil
		} else {
			webhook.Secret = in.Secret
		}
	}
	if in.Enabled != nil {
		webhook.Enabled = *in.Enabled
	}
	if in.RetryAttempts != nil {
		webhook.RetryAttempts = *in.RetryAttempts
	}

	if err := s.webhooks.Update(ctx, webhook); err != nil {
		return nil, fmt.Errorf("update webhook %s: %w", webhookID, err)
	}
	log.Info().Str("webhook_id", webhookID).Str("user_id", userID).Msg("webhook updated")
	s.record(ctx, userID, "webhook.updated", webhook, updatedFields(in))
	return s.withCounts(ctx, webhook)
}

// updatedFields lists the fields a partial update touched. Secret values are
// never recorded.
func updatedFields(in UpdateInput) map[string]interface{} {
	fields := make([]string, 0, 6)
	if in.URL != nil {
		fields = append(fields, "url")
	}
	if in.Events != nil {
		fields = append(fields, "events")
	}
	if in.Headers != nil {
		fields = append(fields, "headers")
	}
	if in.Secret != nil {
		fields = append(fields, "secret")
	}
	if in.Enabled != nil {
		fields = append(fields, "enabled")
	}
	if in.RetryAttempts != nil {
		fields = append(fields, "retryAttempts")
	}
	return map[string]interface{}{"fields": fields}
}

func (s *Service) DeleteWebhook(ctx context.Context, userID, webhookID string) error {
	webhook, err := s.loadForManage(ctx, userID, webhookID)
	if err != nil {
		return err
	}
	if err := s.webhooks.Delete(ctx, webhookID); err != nil {
		return fmt.Errorf("delete webhook %s: %w", webhookID, err)
	}
	log.Info().Str("webhook_id", webhookID).Str("user_id", userID).Msg("webhook deleted")
	s.record(ctx, userID, "webhook.deleted", webhook, map[string]interface{}{"url": webhook.URL})
	return nil
}

// GetProjectWebhooks lists a project's subscriptions with delivery and
// failure counts.
func (s *Service) GetProjectWebhooks(ctx context.Context, userID, projectID string) ([]*models.WebhookWithCounts, error) {
	if _, err := s.access.RequireRead(ctx, userID, projectID); err != nil {
		return nil, err
	}

	webhooks, err := s.webhooks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	counts, err := s.deliveries.CountsByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}

	out := make([]*models.WebhookWithCounts, 0, len(webhooks))
	for _, w := range webhooks {
		c := counts[w.ID]
		out = append(out, &models.WebhookWithCounts{Webhook: w, DeliveryCount: c[0], FailureCount: c[1]})
	}
	return out, nil
}

// TestWebhook sends a signed test event and reports the outcome. No delivery
// record is written.
func (s *Service) TestWebhook(ctx context.Context, userID, webhookID string) (*TestResult, error) {
	webhook, err := s.loadForManage(ctx, userID, webhookID)
	if err != nil {
		return nil, err
	}

	event := Event{
		ID:        NewEventID(s.now()),
		Type:      EventTest,
		Data:      map[string]string{"message": "This is a test webhook from Prompt Lab", "webhookId": webhook.ID},
		ProjectID: webhook.ProjectID,
		Timestamp: s.now(),
	}
	body, headers, err := buildRequest(webhook.Secret, webhook.Headers, event, "")
	if err != nil {
		return nil, fmt.Errorf("build test payload: %w", err)
	}

	start := s.now()
	resp, err := s.client.Post(ctx, webhook.URL, body, headers, s.cfg.ProbeTimeout)
	if err != nil {
		return &TestResult{Success: false, Error: err.Error(), DurationMS: s.now().Sub(start).Milliseconds()}, nil
	}

	result := &TestResult{
		Success:    resp.OK(),
		StatusCode: resp.StatusCode,
		Response:   resp.Body,
		DurationMS: resp.Duration.Milliseconds(),
	}
	if !resp.OK() {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}

func (s *Service) GetWebhookStats(ctx context.Context, userID, webhookID string) (*models.WebhookStats, error) {
	if _, err := s.loadForRead(ctx, userID, webhookID); err != nil {
		return nil, err
	}
	stats, err := s.deliveries.Stats(ctx, webhookID)
	if err != nil {
		return nil, fmt.Errorf("load delivery stats: %w", err)
	}
	return stats, nil
}

// DeliveryQuery filters GetWebhookDeliveries. Zero Limit means the default.
type DeliveryQuery struct {
	Status models.DeliveryStatus
	Limit  int
	Offset int
}

func (s *Service) GetWebhookDeliveries(ctx context.Context, userID, webhookID string, q DeliveryQuery) ([]*models.WebhookDelivery, error) {
	if _, err := s.loadForRead(ctx, userID, webhookID); err != nil {
		return nil, err
	}

	switch q.Status {
	case "", models.DeliveryPending, models.DeliveryDelivered, models.DeliveryFailed:
	default:
		return nil, apperrors.NewValidation(fmt.Sprintf("Unknown delivery status %q", q.Status), nil)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultDeliveryLimit
	}
	if q.Limit > MaxDeliveryLimit {
		q.Limit = MaxDeliveryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	deliveries, err := s.deliveries.ListByWebhook(ctx, webhookID, repositories.DeliveryFilter{
		Status: q.Status,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return deliveries, nil
}

// RetryFailedDeliveries resets up to RetryBatchSize failed deliveries that
// still have attempts left and re-enqueues them with the remaining budget.
// It returns how many were re-enqueued.
func (s *Service) RetryFailedDeliveries(ctx context.Context, userID, webhookID string) (int, error) {
	webhook, err := s.loadForManage(ctx, userID, webhookID)
	if err != nil {
		return 0, err
	}

	failed, err := s.deliveries.ListRetryable(ctx, webhookID, RetryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list retryable deliveries: %w", err)
	}

	retried := 0
	for _, d := range failed {
		ok, err := s.deliveries.ResetToPending(ctx, d.ID)
		if err != nil {
			return retried, fmt.Errorf("reset delivery %s: %w", d.ID, err)
		}
		if !ok {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, deliveryJob(d, s.cfg.DeliveryTimeout)); err != nil {
			// The reconciliation sweep picks the pending row up later.
			log.Error().Err(err).Str("delivery_id", d.ID).Msg("re-enqueue delivery failed")
			continue
		}
		retried++
	}

	log.Info().Str("webhook_id", webhookID).Int("retried", retried).Msg("failed deliveries retried")
	if retried > 0 {
		s.record(ctx, userID, "webhook.deliveries_retried", webhook, map[string]interface{}{"count": retried})
	}
	return retried, nil
}

// CleanupOldDeliveries deletes delivered and failed records older than the
// given number of days. Pending deliveries are never removed.
func (s *Service) CleanupOldDeliveries(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -olderThanDays)
	n, err := s.deliveries.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup deliveries: %w", err)
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Int("older_than_days", olderThanDays).Msg("old deliveries cleaned up")
	}
	return n, nil
}
