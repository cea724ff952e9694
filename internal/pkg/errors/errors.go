package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ValidationError reports malformed input. Details carries structured context
// such as the offending event names.
type ValidationError struct {
	Message string
	Details interface{}
}

func (e *ValidationError) Error() string { return e.Message }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

type AuthenticationError struct {
	Message string
	Reason  string
}

func (e *AuthenticationError) Error() string { return e.Message }

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func NewValidation(message string, details interface{}) error {
	return &ValidationError{Message: message, Details: details}
}

func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func NewAuthorization(message string) error {
	return &AuthorizationError{Message: message}
}

func NewAuthentication(message, reason string) error {
	return &AuthenticationError{Message: message, Reason: reason}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return stderrors.As(err, &nf)
}

type ErrorBody struct {
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{
			Message: message,
			Code:    code,
			Details: details,
		},
	})
}

// WriteServiceError maps the error taxonomy onto HTTP statuses. Anything
// unclassified is logged and reported as a generic 500.
func WriteServiceError(w http.ResponseWriter, err error) {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		authz      *AuthorizationError
		authn      *AuthenticationError
		limited    *RateLimitError
	)

	switch {
	case stderrors.As(err, &validation):
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidInput, validation.Message, validation.Details)
	case stderrors.As(err, &notFound):
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, notFound.Error(), nil)
	case stderrors.As(err, &authz):
		WriteError(w, http.StatusForbidden, ErrCodeForbidden, authz.Message, nil)
	case stderrors.As(err, &authn):
		var details interface{}
		if authn.Reason != "" {
			details = map[string]string{"reason": authn.Reason}
		}
		WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, authn.Message, details)
	case stderrors.As(err, &limited):
		seconds := int(limited.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		WriteError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Too many requests", map[string]int{"retryAfter": seconds})
	default:
		log.Error().Err(err).Msg("unhandled service error")
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Internal server error", nil)
	}
}

// WriteJSON writes the success envelope used by every handler.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}
