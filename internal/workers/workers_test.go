package workers

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptlab/internal/engine/projects"
	"promptlab/internal/engine/webhooks"
	"promptlab/internal/platform/config"
	"promptlab/internal/platform/database"
	"promptlab/internal/platform/models"
	"promptlab/internal/platform/queue"
	"promptlab/internal/platform/repositories"
)

type runnerEnv struct {
	db         *sql.DB
	deliveries *repositories.DeliveryRepository
	webhooks   *repositories.WebhookRepository
	dispatcher *webhooks.Dispatcher
	runner     *Runner
}

func newRunnerEnv(t *testing.T) *runnerEnv {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := repositories.NewUserRepository(db)
	projectRepo := repositories.NewProjectRepository(db)
	require.NoError(t, users.Create(ctx, &models.User{ID: "owner", Email: "owner@example.com", Name: "owner", CreatedAt: 1, UpdatedAt: 1}))
	require.NoError(t, projectRepo.Create(ctx, &models.Project{ID: "proj_1", Name: "Prompts", OwnerID: "owner", CreatedAt: 1}))

	cfg := config.WebhooksConfig{
		WorkerCount:     2,
		PollInterval:    10 * time.Millisecond,
		DeliveryTimeout: 5 * time.Second,
		ProbeTimeout:    time.Second,
		RetryBackoff:    time.Second,
		RetentionDays:   30,
		ReconcileAfter:  time.Minute,
		BreakerFailures: 5,
		BreakerOpenFor:  time.Minute,
	}
	env := &runnerEnv{
		db:         db,
		deliveries: repositories.NewDeliveryRepository(db),
		webhooks:   repositories.NewWebhookRepository(db),
	}
	q := queue.New(db)
	client := webhooks.NewClient()
	env.dispatcher = webhooks.NewDispatcher(env.webhooks, env.deliveries, q, cfg.DeliveryTimeout)
	service := webhooks.NewService(env.webhooks, env.deliveries, projects.NewAccess(projectRepo), q, client, cfg)
	env.runner = NewRunner(webhooks.NewWorker(q, env.deliveries, client, cfg), env.dispatcher, service, q, cfg)
	return env
}

func (e *runnerEnv) subscribe(t *testing.T, target string) *models.Webhook {
	t.Helper()
	project := "proj_1"
	hook := &models.Webhook{
		ProjectID: &project, URL: target, Events: []string{webhooks.EventPromptCreated},
		Enabled: true, RetryAttempts: 3, CreatedBy: "owner",
	}
	require.NoError(t, e.webhooks.Create(context.Background(), hook))
	return hook
}

func (e *runnerEnv) status(t *testing.T, id string) models.DeliveryStatus {
	t.Helper()
	d, err := e.deliveries.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d.Status
}

func TestRunner_DeliversAndStops(t *testing.T) {
	env := newRunnerEnv(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	env.subscribe(t, srv.URL)

	project := "proj_1"
	var ids []string
	for i := 0; i < 3; i++ {
		created, err := env.dispatcher.TriggerEvent(context.Background(), webhooks.Event{Type: webhooks.EventPromptCreated, ProjectID: &project, Data: map[string]int{"n": i}})
		require.NoError(t, err)
		ids = append(ids, created...)
	}
	require.Len(t, ids, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if env.status(t, id) != models.DeliveryDelivered {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 3, hits.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_ReconcileEnqueuesStrandedDeliveries(t *testing.T) {
	env := newRunnerEnv(t)
	hook := env.subscribe(t, "http://example.invalid/hook")
	ctx := context.Background()

	d := &models.WebhookDelivery{
		ID: "dlv_stranded", WebhookID: hook.ID, URL: hook.URL, EventType: webhooks.EventPromptCreated,
		Payload: `{}`, Headers: `{}`, MaxAttempts: 3,
	}
	require.NoError(t, env.deliveries.Create(ctx, d))

	require.NoError(t, env.runner.Reconcile(ctx))
	assert.Equal(t, 0, countJobs(t, env.db, d.ID), "recent deliveries are left alone")

	_, err := env.db.Exec(`UPDATE webhook_deliveries SET updated_at = ? WHERE id = ?`, time.Now().Add(-time.Hour).Unix(), d.ID)
	require.NoError(t, err)

	require.NoError(t, env.runner.Reconcile(ctx))
	assert.Equal(t, 1, countJobs(t, env.db, d.ID))

	require.NoError(t, env.runner.Reconcile(ctx))
	assert.Equal(t, 1, countJobs(t, env.db, d.ID), "active job is not duplicated")
}

func TestRunner_CleanupKeepsPending(t *testing.T) {
	env := newRunnerEnv(t)
	hook := env.subscribe(t, "http://example.invalid/hook")
	ctx := context.Background()

	for _, d := range []*models.WebhookDelivery{
		{ID: "dlv_old_delivered", Status: models.DeliveryDelivered},
		{ID: "dlv_old_failed", Status: models.DeliveryFailed},
		{ID: "dlv_old_pending", Status: models.DeliveryPending},
		{ID: "dlv_new_delivered", Status: models.DeliveryDelivered},
	} {
		d.WebhookID, d.URL, d.EventType, d.Payload, d.Headers, d.MaxAttempts = hook.ID, hook.URL, webhooks.EventPromptCreated, `{}`, `{}`, 3
		require.NoError(t, env.deliveries.Create(ctx, d))
	}
	_, err := env.db.Exec(`UPDATE webhook_deliveries SET created_at = ? WHERE id LIKE 'dlv_old_%'`, time.Now().AddDate(0, 0, -45).Unix())
	require.NoError(t, err)

	require.NoError(t, env.runner.Cleanup(ctx))

	for id, kept := range map[string]bool{
		"dlv_old_delivered": false, "dlv_old_failed": false, "dlv_old_pending": true, "dlv_new_delivered": true,
	} {
		d, err := env.deliveries.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, kept, d != nil, id)
	}
}

func TestRunner_RequeueAbandoned(t *testing.T) {
	env := newRunnerEnv(t)
	ctx := context.Background()

	_, err := env.db.Exec(`INSERT INTO jobs (id, type, payload, status, attempt, max_attempts, timeout_ms, next_run_at, created_at, updated_at)
		VALUES ('job_stuck', 'webhook.deliver', '{}', 'running', 1, 3, 1000, 0, 0, 0)`)
	require.NoError(t, err)

	require.NoError(t, env.runner.RequeueAbandoned(ctx))

	var status string
	require.NoError(t, env.db.QueryRow(`SELECT status FROM jobs WHERE id = 'job_stuck'`).Scan(&status))
	assert.Equal(t, "queued", status)
}

func countJobs(t *testing.T, db *sql.DB, deliveryID string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running')`, deliveryID).Scan(&n))
	return n
}
