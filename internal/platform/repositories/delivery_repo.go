package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"promptlab/internal/platform/models"
)

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

const deliveryColumns = `id, webhook_id, project_id, url, event_type, payload, headers, status, attempts, max_attempts, last_error, response_status, delivered_at, created_at, updated_at`

func scanDelivery(row interface{ Scan(...interface{}) error }) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	var projectID, lastError sql.NullString
	var responseStatus sql.NullInt64
	var deliveredAt sql.NullInt64
	var status string

	err := row.Scan(&d.ID, &d.WebhookID, &projectID, &d.URL, &d.EventType, &d.Payload, &d.Headers, &status,
		&d.Attempts, &d.MaxAttempts, &lastError, &responseStatus, &deliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = models.DeliveryStatus(status)
	if projectID.Valid {
		d.ProjectID = &projectID.String
	}
	if lastError.Valid {
		d.LastError = &lastError.String
	}
	if responseStatus.Valid {
		code := int(responseStatus.Int64)
		d.ResponseStatus = &code
	}
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.Int64
	}
	return &d, nil
}

func (r *DeliveryRepository) Create(ctx context.Context, d *models.WebhookDelivery) error {
	now := time.Now().Unix()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = models.DeliveryPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, project_id, url, event_type, payload, headers, status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.WebhookID, d.ProjectID, d.URL, d.EventType, d.Payload, d.Headers, d.Status, d.Attempts, d.MaxAttempts, d.CreatedAt, d.UpdatedAt)
	return err
}

// GetByID returns (nil, nil) when the delivery does not exist.
func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	d, err := scanDelivery(r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

type DeliveryFilter struct {
	Status models.DeliveryStatus
	Limit  int
	Offset int
}

func (r *DeliveryRepository) ListByWebhook(ctx context.Context, webhookID string, f DeliveryFilter) ([]*models.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE webhook_id = ?`
	args := []interface{}{webhookID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	return r.query(ctx, query, args...)
}

func (r *DeliveryRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []*models.WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func (r *DeliveryRepository) Stats(ctx context.Context, webhookID string) (*models.WebhookStats, error) {
	var stats models.WebhookStats
	var last sql.NullInt64

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			MAX(delivered_at)
		FROM webhook_deliveries WHERE webhook_id = ?
	`, webhookID).Scan(&stats.Total, &stats.Delivered, &stats.Failed, &stats.Pending, &last)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		stats.LastDeliveryAt = &last.Int64
	}
	if finished := stats.Delivered + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Delivered) / float64(finished)
	}
	return &stats, nil
}

// CountsByProject returns total and failed delivery counts per webhook.
func (r *DeliveryRepository) CountsByProject(ctx context.Context, projectID string) (map[string][2]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.webhook_id, COUNT(*), COALESCE(SUM(CASE WHEN d.status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM webhook_deliveries d
		JOIN webhooks w ON w.id = d.webhook_id
		WHERE w.project_id = ?
		GROUP BY d.webhook_id
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string][2]int)
	for rows.Next() {
		var id string
		var total, failed int
		if err := rows.Scan(&id, &total, &failed); err != nil {
			return nil, err
		}
		counts[id] = [2]int{total, failed}
	}
	return counts, rows.Err()
}

// ListRetryable returns failed deliveries that still have attempts left.
func (r *DeliveryRepository) ListRetryable(ctx context.Context, webhookID string, limit int) ([]*models.WebhookDelivery, error) {
	return r.query(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE webhook_id = ? AND status = 'failed' AND attempts < max_attempts
		ORDER BY created_at ASC, id ASC LIMIT ?
	`, webhookID, limit)
}

// ResetToPending moves a failed delivery back to pending. It reports whether
// the row was still failed.
func (r *DeliveryRepository) ResetToPending(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = 'pending', last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'
	`, time.Now().Unix(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveryRepository) MarkDelivered(ctx context.Context, id string, responseStatus int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivered', attempts = MIN(attempts + 1, max_attempts), response_status = ?, last_error = NULL, delivered_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, responseStatus, at.Unix(), at.Unix(), id)
	return err
}

// RecordAttemptFailure increments the attempt counter. When terminal is set or
// the budget is exhausted the delivery moves to failed. It returns the
// resulting status.
func (r *DeliveryRepository) RecordAttemptFailure(ctx context.Context, id string, responseStatus *int, lastError string, terminal bool) (models.DeliveryStatus, error) {
	now := time.Now().Unix()
	var status string
	err := r.db.QueryRowContext(ctx, `
		UPDATE webhook_deliveries
		SET attempts = MIN(attempts + 1, max_attempts),
			last_error = ?,
			response_status = ?,
			status = CASE WHEN ? OR attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			updated_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING status
	`, lastError, responseStatus, terminal, now, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return models.DeliveryStatus(status), err
}

// MarkFailed forces a pending delivery into failed without consuming an attempt.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, lastError, time.Now().Unix(), id)
	return err
}

// DeleteTerminalBefore purges delivered and failed rows created before cutoff.
func (r *DeliveryRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries WHERE status IN ('delivered', 'failed') AND created_at < ?
	`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListStrandedPending returns pending deliveries older than cutoff that have
// no active job in the queue.
func (r *DeliveryRepository) ListStrandedPending(ctx context.Context, cutoff time.Time, limit int) ([]*models.WebhookDelivery, error) {
	return r.query(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries d
		WHERE d.status = 'pending' AND d.updated_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM jobs j WHERE j.dedupe_key = d.id AND j.status IN ('queued', 'running')
		)
		ORDER BY d.created_at ASC LIMIT ?
	`, cutoff.Unix(), limit)
}
