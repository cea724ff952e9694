package webhooks

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"promptlab/internal/engine/projects"
	"promptlab/internal/platform/config"
	"promptlab/internal/platform/database"
	"promptlab/internal/platform/models"
	"promptlab/internal/platform/queue"
	"promptlab/internal/platform/repositories"
)

const (
	projectID      = "proj_1"
	otherProjectID = "proj_2"
)

type testEnv struct {
	db         *sql.DB
	webhooks   *repositories.WebhookRepository
	deliveries *repositories.DeliveryRepository
	queue      *queue.Queue
	cfg        config.WebhooksConfig
	service    *Service
	dispatcher *Dispatcher
}

// newTestEnv builds an in-memory database with two projects. proj_1 has an
// owner, admin, member and viewer; proj_2 is owned by "other".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := repositories.NewUserRepository(db)
	for _, id := range []string{"owner", "admin", "member", "viewer", "stranger", "other"} {
		require.NoError(t, users.Create(ctx, &models.User{ID: id, Email: id + "@example.com", Name: id, CreatedAt: 1, UpdatedAt: 1}))
	}

	projectRepo := repositories.NewProjectRepository(db)
	require.NoError(t, projectRepo.Create(ctx, &models.Project{ID: projectID, Name: "Prompts", OwnerID: "owner", CreatedAt: 1}))
	require.NoError(t, projectRepo.Create(ctx, &models.Project{ID: otherProjectID, Name: "Other", OwnerID: "other", CreatedAt: 1}))
	require.NoError(t, projectRepo.AddMember(ctx, projectID, "admin", models.RoleAdmin))
	require.NoError(t, projectRepo.AddMember(ctx, projectID, "member", models.RoleMember))
	require.NoError(t, projectRepo.AddMember(ctx, projectID, "viewer", models.RoleViewer))

	cfg := config.WebhooksConfig{
		DeliveryTimeout: 5 * time.Second,
		ProbeTimeout:    2 * time.Second,
		RetryBackoff:    time.Second,
		BreakerFailures: 3,
		BreakerOpenFor:  time.Minute,
	}

	env := &testEnv{
		db:         db,
		webhooks:   repositories.NewWebhookRepository(db),
		deliveries: repositories.NewDeliveryRepository(db),
		queue:      queue.New(db),
		cfg:        cfg,
	}
	env.service = NewService(env.webhooks, env.deliveries, projects.NewAccess(projectRepo), env.queue, NewClient(), cfg)
	env.dispatcher = NewDispatcher(env.webhooks, env.deliveries, env.queue, cfg.DeliveryTimeout)
	return env
}

// addWebhook inserts a subscription directly, bypassing the reachability probe.
func (e *testEnv) addWebhook(t *testing.T, w *models.Webhook) *models.Webhook {
	t.Helper()
	if w.CreatedBy == "" {
		w.CreatedBy = "owner"
	}
	require.NoError(t, e.webhooks.Create(context.Background(), w))
	return w
}

func (e *testEnv) addDelivery(t *testing.T, d *models.WebhookDelivery) *models.WebhookDelivery {
	t.Helper()
	if d.URL == "" {
		d.URL = "http://example.invalid/hook"
	}
	if d.EventType == "" {
		d.EventType = EventPromptCreated
	}
	if d.Payload == "" {
		d.Payload = `{}`
	}
	if d.Headers == "" {
		d.Headers = `{}`
	}
	require.NoError(t, e.deliveries.Create(context.Background(), d))
	return d
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
func boolPtr(b bool) *bool    { return &b }

type recordedRequest struct {
	Header http.Header
	Body   []byte
}

// receiver is a subscriber endpoint that records what it is sent.
type receiver struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	delay    time.Duration
	requests []recordedRequest
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	r := &receiver{status: status}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)

		r.mu.Lock()
		r.requests = append(r.requests, recordedRequest{Header: req.Header.Clone(), Body: body})
		status, delay := r.status, r.delay
		r.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) setStatus(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *receiver) received() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedRequest, len(r.requests))
	copy(out, r.requests)
	return out
}
