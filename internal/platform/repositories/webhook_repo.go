package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"promptlab/internal/platform/models"
)

type WebhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const webhookColumns = `id, project_id, url, events, headers, secret, enabled, retry_attempts, created_by, created_at, updated_at`

func scanWebhook(row interface{ Scan(...interface{}) error }) (*models.Webhook, error) {
	var w models.Webhook
	var projectID, secret sql.NullString
	var eventsStr, headersStr string

	if err := row.Scan(&w.ID, &projectID, &w.URL, &eventsStr, &headersStr, &secret, &w.Enabled, &w.RetryAttempts, &w.CreatedBy, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if projectID.Valid {
		w.ProjectID = &projectID.String
	}
	if secret.Valid && secret.String != "" {
		w.Secret = &secret.String
		w.HasSecret = true
	}
	if err := json.Unmarshal([]byte(eventsStr), &w.Events); err != nil {
		return nil, fmt.Errorf("decode events for webhook %s: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(headersStr), &w.Headers); err != nil {
		return nil, fmt.Errorf("decode headers for webhook %s: %w", w.ID, err)
	}
	if w.Headers == nil {
		w.Headers = map[string]string{}
	}
	return &w, nil
}

func encodeWebhook(w *models.Webhook) (events, headers string, err error) {
	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return "", "", err
	}
	if w.Headers == nil {
		w.Headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(w.Headers)
	if err != nil {
		return "", "", err
	}
	return string(eventsJSON), string(headersJSON), nil
}

func (r *WebhookRepository) Create(ctx context.Context, webhook *models.Webhook) error {
	if webhook.ID == "" {
		webhook.ID = "wh_" + uuid.New().String()
	}
	now := time.Now().Unix()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	webhook.HasSecret = webhook.Secret != nil && *webhook.Secret != ""

	events, headers, err := encodeWebhook(webhook)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, project_id, url, events, headers, secret, enabled, retry_attempts, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, webhook.ID, webhook.ProjectID, webhook.URL, events, headers, webhook.Secret, webhook.Enabled, webhook.RetryAttempts, webhook.CreatedBy, webhook.CreatedAt, webhook.UpdatedAt)
	return err
}

// GetByID returns (nil, nil) when the webhook does not exist.
func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*models.Webhook, error) {
	w, err := scanWebhook(r.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func (r *WebhookRepository) ListByProject(ctx context.Context, projectID string) ([]*models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (r *WebhookRepository) Update(ctx context.Context, webhook *models.Webhook) error {
	events, headers, err := encodeWebhook(webhook)
	if err != nil {
		return err
	}
	webhook.UpdatedAt = time.Now().Unix()
	webhook.HasSecret = webhook.Secret != nil && *webhook.Secret != ""

	_, err = r.db.ExecContext(ctx, `
		UPDATE webhooks
		SET url = ?, events = ?, headers = ?, secret = ?, enabled = ?, retry_attempts = ?, updated_at = ?
		WHERE id = ?
	`, webhook.URL, events, headers, webhook.Secret, webhook.Enabled, webhook.RetryAttempts, webhook.UpdatedAt, webhook.ID)
	return err
}

func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	return err
}

// FindSubscribers returns enabled webhooks subscribed to eventType. When
// projectID is set, project-scoped webhooks of other projects are excluded but
// global webhooks (no project) still match.
func (r *WebhookRepository) FindSubscribers(ctx context.Context, eventType string, projectID *string) ([]*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE enabled = 1`
	var args []interface{}
	if projectID != nil && *projectID != "" {
		query += ` AND (project_id = ? OR project_id IS NULL)`
		args = append(args, *projectID)
	}
	// Coarse prefilter; exact membership is checked after decoding.
	query += ` AND events LIKE ?`
	args = append(args, "%"+strings.ReplaceAll(eventType, "%", "")+"%")

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		for _, e := range w.Events {
			if e == eventType {
				matched = append(matched, w)
				break
			}
		}
	}
	return matched, rows.Err()
}
