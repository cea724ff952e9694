package models

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

type Webhook struct {
	ID            string            `json:"id"`
	ProjectID     *string           `json:"project_id"`
	URL           string            `json:"url"`
	Events        []string          `json:"events"`  // JSON array in DB
	Headers       map[string]string `json:"headers"` // JSON object in DB
	Secret        *string           `json:"-"`
	Enabled       bool              `json:"enabled"`
	RetryAttempts int               `json:"retry_attempts"`
	CreatedBy     string            `json:"created_by"`
	CreatedAt     int64             `json:"created_at"`
	UpdatedAt     int64             `json:"updated_at"`

	HasSecret bool `json:"has_secret"`
}

// WebhookWithCounts annotates a subscription with its delivery counters.
type WebhookWithCounts struct {
	*Webhook
	DeliveryCount int `json:"delivery_count"`
	FailureCount  int `json:"failure_count"`
}

type WebhookDelivery struct {
	ID             string         `json:"id"`
	WebhookID      string         `json:"webhook_id"`
	ProjectID      *string        `json:"project_id"`
	URL            string         `json:"url"`
	EventType      string         `json:"event_type"`
	Payload        string         `json:"payload"`
	Headers        string         `json:"headers"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	ResponseStatus *int           `json:"response_status,omitempty"`
	DeliveredAt    *int64         `json:"delivered_at,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

type WebhookStats struct {
	Total          int     `json:"total"`
	Delivered      int     `json:"delivered"`
	Failed         int     `json:"failed"`
	Pending        int     `json:"pending"`
	SuccessRate    float64 `json:"success_rate"`
	LastDeliveryAt *int64  `json:"last_delivery_at,omitempty"`
}
