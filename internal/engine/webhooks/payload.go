package webhooks

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const UserAgent = "PromptLab-Webhooks/1.0"

// Event is a domain event offered to subscriptions.
type Event struct {
	ID        string
	Type      string
	Data      interface{}
	ProjectID *string
	Timestamp time.Time
}

// Payload is the JSON body posted to subscribers. Field order is part of the
// signed bytes.
type Payload struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
	ProjectID *string     `json:"projectId,omitempty"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// NewEventID returns evt_<unix millis>_<9 random base36 chars>.
func NewEventID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return "evt_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix
}

func (e Event) payload() Payload {
	return Payload{
		ID:        e.ID,
		Type:      e.Type,
		Data:      e.Data,
		Timestamp: e.Timestamp.UTC().Format(timestampLayout),
		ProjectID: e.ProjectID,
	}
}

// buildRequest serializes the event once and derives the headers for a
// subscription. The signature covers exactly the returned body.
func buildRequest(secret *string, custom map[string]string, e Event, deliveryID string) ([]byte, map[string]string, error) {
	body, err := json.Marshal(e.payload())
	if err != nil {
		return nil, nil, err
	}

	headers := make(map[string]string, len(custom)+5)
	for k, v := range custom {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers["User-Agent"] = UserAgent
	headers["X-Webhook-Event"] = e.Type
	if deliveryID != "" {
		headers["X-Webhook-Delivery"] = deliveryID
	}
	if secret != nil && *secret != "" {
		headers[SignatureHeader] = SignatureValue(*secret, body)
	}
	return body, headers, nil
}
