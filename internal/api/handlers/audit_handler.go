package handlers

import (
	"net/http"

	"promptlab/internal/engine/projects"
	"promptlab/internal/pkg/errors"
	"promptlab/internal/platform/audit"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 100
)

type AuditHandler struct {
	access *projects.Access
	logger *audit.Logger
}

func NewAuditHandler(access *projects.Access, logger *audit.Logger) *AuditHandler {
	return &AuditHandler{access: access, logger: logger}
}

// List returns a project's audit trail, newest first. Owners and admins only.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID := param(r, "project_id")
	if _, err := h.access.RequireProjectRole(r.Context(), userID(r), projectID, projects.ManageRoles...); err != nil {
		errors.WriteServiceError(w, err)
		return
	}

	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "limit must be an integer", nil)
		return
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	entries, err := h.logger.ListByProject(r.Context(), projectID, limit)
	if err != nil {
		errors.WriteServiceError(w, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, entries)
}
