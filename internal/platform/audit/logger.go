package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Entry struct {
	ID           string                 `json:"id"`
	ProjectID    *string                `json:"project_id"`
	UserID       string                 `json:"user_id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Metadata     map[string]interface{} `json:"metadata"`
	IPAddress    string                 `json:"ip_address"`
	UserAgent    string                 `json:"user_agent"`
	CreatedAt    int64                  `json:"created_at"`
}

type clientKey struct{}

type client struct {
	ip, userAgent string
}

// WithClient attaches the caller's address and user agent so entries recorded
// further down the call chain carry them.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, client{ip: ip, userAgent: userAgent})
}

type Logger struct {
	db  *sql.DB
	now func() time.Time
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db, now: time.Now}
}

// Record stores an entry. Failures are logged and never surface to the
// caller.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = "audit_" + uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = l.now().Unix()
	}
	if c, ok := ctx.Value(clientKey{}).(client); ok {
		e.IPAddress, e.UserAgent = c.ip, c.userAgent
	}
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}

	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		log.Error().Err(err).Str("action", e.Action).Msg("failed to encode audit metadata")
		meta = []byte(`{}`)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, project_id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.UserID, e.Action, e.ResourceType, e.ResourceID, string(meta), e.IPAddress, e.UserAgent, e.CreatedAt)
	if err != nil {
		log.Error().Err(err).Str("action", e.Action).Str("resource_id", e.ResourceID).Msg("failed to write audit log")
	}
}

// ListByProject returns the newest entries for a project first.
func (l *Logger) ListByProject(ctx context.Context, projectID string, limit int) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_logs WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		var e Entry
		var meta string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &meta, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			e.Metadata = map[string]interface{}{}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
