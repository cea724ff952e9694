package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type Job struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Status      Status
	Attempt     int
	MaxAttempts int
	Timeout     time.Duration
	DedupeKey   *string
	NextRunAt   time.Time
	LastError   *string
	CreatedAt   time.Time
}

// Spec describes a job to enqueue. Payload is JSON-encoded on the way in.
type Spec struct {
	Type        string
	Payload     interface{}
	MaxAttempts int
	Timeout     time.Duration
	// DedupeKey makes enqueueing idempotent: while a queued or running job
	// holds the key, further enqueues return that job instead.
	DedupeKey string
	RunAt     time.Time
}

// Enqueuer is the narrow interface producers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec Spec) (string, error)
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrAttemptsExhausted is returned by Retry when the job has used its
	// last attempt. The job is left failed.
	ErrAttemptsExhausted = errors.New("job attempts exhausted")
)

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

func (q *Queue) Enqueue(ctx context.Context, spec Spec) (string, error) {
	if spec.Type == "" {
		return "", fmt.Errorf("job type is empty")
	}

	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	now := q.now()
	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	var dedupe interface{}
	if spec.DedupeKey != "" {
		dedupe = spec.DedupeKey
	}

	id := uuid.NewString()
	res, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (id, type, payload, status, attempt, max_attempts, timeout_ms, dedupe_key, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
	`, id, spec.Type, string(payload), StatusQueued, maxAttempts, timeout.Milliseconds(), dedupe, runAt.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 && spec.DedupeKey != "" {
		var existing string
		err := q.db.QueryRowContext(ctx, `
			SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running')
		`, spec.DedupeKey).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("load deduplicated job: %w", err)
		}
		return existing, nil
	}
	return id, nil
}

// Dequeue claims the oldest runnable job and marks it running, incrementing
// its attempt counter. Returns (nil, nil) when nothing is runnable.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.now().UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE status = ? AND next_run_at <= ?
			ORDER BY next_run_at ASC, created_at ASC
			LIMIT 1
		)
		UPDATE jobs
		SET status = ?, attempt = attempt + 1, updated_at = ?
		WHERE id IN (SELECT id FROM next)
		RETURNING id, type, payload, status, attempt, max_attempts, timeout_ms, dedupe_key, next_run_at, last_error, created_at
	`, StatusQueued, now, StatusRunning, now)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		j          Job
		payload    string
		status     string
		timeoutMS  int64
		dedupe     sql.NullString
		nextRunAt  int64
		lastError  sql.NullString
		createdAt  int64
	)
	if err := row.Scan(&j.ID, &j.Type, &payload, &status, &j.Attempt, &j.MaxAttempts, &timeoutMS, &dedupe, &nextRunAt, &lastError, &createdAt); err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Status = Status(status)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.NextRunAt = time.UnixMilli(nextRunAt)
	j.CreatedAt = time.UnixMilli(createdAt)
	if dedupe.Valid {
		j.DedupeKey = &dedupe.String
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, StatusSucceeded, nil)
}

func (q *Queue) Fail(ctx context.Context, id, lastError string) error {
	return q.finish(ctx, id, StatusFailed, &lastError)
}

func (q *Queue) finish(ctx context.Context, id string, status Status, lastError *string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, status, lastError, q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Retry puts a running job back in the queue to run at runAt, or fails it
// with ErrAttemptsExhausted once attempt has reached max_attempts.
func (q *Queue) Retry(ctx context.Context, id string, runAt time.Time, lastError string) error {
	var status string
	err := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempt >= max_attempts THEN ? ELSE ? END,
			next_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING status
	`, StatusFailed, StatusQueued, runAt.UnixMilli(), lastError, q.now().UnixMilli(), id, StatusRunning).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	if Status(status) == StatusFailed {
		return ErrAttemptsExhausted
	}
	return nil
}

// Defer requeues a running job without spending the attempt it was claimed
// with.
func (q *Queue) Defer(ctx context.Context, id string, runAt time.Time, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempt = MAX(attempt - 1, 0), next_run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusQueued, runAt.UnixMilli(), reason, q.now().UnixMilli(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("defer job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RequeueAbandoned returns running jobs whose worker vanished to the queue.
// A job is abandoned once it has been running for twice its timeout.
func (q *Queue) RequeueAbandoned(ctx context.Context) (int64, error) {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, next_run_at = ?, last_error = 'abandoned by worker', updated_at = ?
		WHERE status = ? AND updated_at + (timeout_ms * 2) < ?
	`, StatusQueued, now, now, StatusRunning, now)
	if err != nil {
		return 0, fmt.Errorf("requeue abandoned jobs: %w", err)
	}
	return res.RowsAffected()
}
