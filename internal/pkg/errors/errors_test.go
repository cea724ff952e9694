package errors

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", NewValidation("URL is required", nil), http.StatusBadRequest, ErrCodeInvalidInput},
		{"not found", NewNotFound("webhook", "wh_1"), http.StatusNotFound, ErrCodeNotFound},
		{"wrapped not found", fmt.Errorf("load: %w", NewNotFound("project", "p")), http.StatusNotFound, ErrCodeNotFound},
		{"authorization", NewAuthorization("nope"), http.StatusForbidden, ErrCodeForbidden},
		{"authentication", NewAuthentication("expired", "expired"), http.StatusUnauthorized, ErrCodeUnauthorized},
		{"rate limit", &RateLimitError{RetryAfter: 90 * time.Second}, http.StatusTooManyRequests, ErrCodeRateLimitExceeded},
		{"unclassified", fmt.Errorf("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteServiceError(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)
			body := decode(t, rec)
			assert.False(t, body.Success)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestWriteServiceError_Details(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteServiceError(rec, NewValidation("Invalid events: bogus", map[string]interface{}{"invalidEvents": []string{"bogus"}}))
	assert.Contains(t, rec.Body.String(), `"invalidEvents":["bogus"]`)

	rec = httptest.NewRecorder()
	WriteServiceError(rec, NewAuthentication("This magic link has expired.", "expired"))
	assert.Contains(t, rec.Body.String(), `"reason":"expired"`)

	rec = httptest.NewRecorder()
	WriteServiceError(rec, &RateLimitError{RetryAfter: 1500 * time.Millisecond})
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"retryAfter":2`)

	rec = httptest.NewRecorder()
	WriteServiceError(rec, &RateLimitError{})
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteServiceError(rec, fmt.Errorf("secret connection string leaked"))
	assert.NotContains(t, rec.Body.String(), "leaked")
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"id": "wh_1"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true,"data":{"id":"wh_1"}}`, rec.Body.String())
}
