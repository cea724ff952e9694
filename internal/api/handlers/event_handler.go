package handlers

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"promptlab/internal/engine/projects"
	"promptlab/internal/engine/webhooks"
	"promptlab/internal/pkg/errors"
)

// EventHandler lets project members emit domain events into the delivery
// pipeline.
type EventHandler struct {
	access     *projects.Access
	dispatcher *webhooks.Dispatcher
	now        func() time.Time
}

func NewEventHandler(access *projects.Access, dispatcher *webhooks.Dispatcher) *EventHandler {
	return &EventHandler{access: access, dispatcher: dispatcher, now: time.Now}
}

type TriggerEventRequest struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type TriggerEventResponse struct {
	EventID    string   `json:"eventId"`
	Deliveries []string `json:"deliveries"`
}

func (h *EventHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	projectID := param(r, "project_id")
	if _, err := h.access.RequireProjectRole(r.Context(), userID(r), projectID, projects.WriteRoles...); err != nil {
		errors.WriteServiceError(w, err)
		return
	}

	var req TriggerEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if !webhooks.IsSupportedEvent(req.Type) {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Unsupported event type",
			map[string]interface{}{"supportedEvents": webhooks.SupportedEvents()})
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage(`{}`)
	}

	now := h.now()
	event := webhooks.Event{
		ID:        req.ID,
		Type:      req.Type,
		Data:      req.Data,
		ProjectID: &projectID,
		Timestamp: now,
	}
	if event.ID == "" {
		event.ID = webhooks.NewEventID(now)
	}

	ids, err := h.dispatcher.TriggerEvent(r.Context(), event)
	if err != nil {
		if len(ids) == 0 {
			errors.WriteServiceError(w, err)
			return
		}
		log.Warn().Err(err).Str("event_id", event.ID).Int("created", len(ids)).Msg("event partially dispatched")
	}
	errors.WriteJSON(w, http.StatusAccepted, TriggerEventResponse{EventID: event.ID, Deliveries: ids})
}
