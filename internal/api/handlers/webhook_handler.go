package handlers

import (
	"net/http"
	"strconv"

	"promptlab/internal/api/middleware"
	"promptlab/internal/engine/webhooks"
	"promptlab/internal/pkg/errors"
	"promptlab/internal/platform/models"
)

type WebhookHandler struct {
	service *webhooks.Service
}

func NewWebhookHandler(service *webhooks.Service) *WebhookHandler {
	return &WebhookHandler{service: service}
}

func userID(r *http.Request) string {
	if claims := middleware.ClaimsFrom(r.Context()); claims != nil {
		return claims.UserID
	}
	return ""
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.service.GetProjectWebhooks(r.Context(), userID(r), param(r, "project_id"))
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, hooks)
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in webhooks.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	hook, err := h.service.CreateWebhook(r.Context(), userID(r), param(r, "project_id"), in)
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusCreated, hook)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	hook, err := h.service.GetWebhook(r.Context(), userID(r), param(r, "webhook_id"))
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, hook)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in webhooks.UpdateInput
	if err := decodeJSON(w, r, &in); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	hook, err := h.service.UpdateWebhook(r.Context(), userID(r), param(r, "webhook_id"), in)
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, hook)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := param(r, "webhook_id")
	if err := h.service.DeleteWebhook(r.Context(), userID(r), id); err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.TestWebhook(r.Context(), userID(r), param(r, "webhook_id"))
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, result)
}

func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetWebhookStats(r.Context(), userID(r), param(r, "webhook_id"))
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, stats)
}

// Deliveries lists delivery records. Query: status, limit, offset.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := webhooks.DeliveryQuery{Status: models.DeliveryStatus(q.Get("status"))}

	var err error
	if query.Limit, err = intParam(q.Get("limit")); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "limit must be an integer", nil)
		return
	}
	if query.Offset, err = intParam(q.Get("offset")); err != nil || query.Offset < 0 {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "offset must be a non-negative integer", nil)
		return
	}

	deliveries, err := h.service.GetWebhookDeliveries(r.Context(), userID(r), param(r, "webhook_id"), query)
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, deliveries)
}

func (h *WebhookHandler) Retry(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RetryFailedDeliveries(r.Context(), userID(r), param(r, "webhook_id"))
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
