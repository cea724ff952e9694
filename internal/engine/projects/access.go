package projects

import (
	"context"
	"fmt"

	apperrors "promptlab/internal/pkg/errors"
	"promptlab/internal/platform/models"
)

// ManageRoles may create, change and delete project-scoped resources.
var ManageRoles = []models.Role{models.RoleOwner, models.RoleAdmin}

// WriteRoles may emit events into a project.
var WriteRoles = []models.Role{models.RoleOwner, models.RoleAdmin, models.RoleMember}

type RoleLookup interface {
	GetByID(ctx context.Context, id string) (*models.Project, error)
	GetUserProjectRole(ctx context.Context, userID, projectID string) (models.Role, error)
}

type Access struct {
	lookup RoleLookup
}

func NewAccess(lookup RoleLookup) *Access {
	return &Access{lookup: lookup}
}

// RequireProjectRole returns the caller's role when it is one of allowed.
// With no allowed roles any membership passes.
func (a *Access) RequireProjectRole(ctx context.Context, userID, projectID string, allowed ...models.Role) (models.Role, error) {
	project, err := a.lookup.GetByID(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("load project %s: %w", projectID, err)
	}
	if project == nil {
		return "", apperrors.NewNotFound("project", projectID)
	}

	role, err := a.lookup.GetUserProjectRole(ctx, userID, projectID)
	if err != nil {
		return "", fmt.Errorf("load role for project %s: %w", projectID, err)
	}
	if role == "" {
		return "", apperrors.NewAuthorization("You do not have access to this project")
	}
	if len(allowed) == 0 {
		return role, nil
	}
	for _, r := range allowed {
		if role == r {
			return role, nil
		}
	}
	return "", apperrors.NewAuthorization("Insufficient permissions for this project")
}

// RequireRead accepts any project member.
func (a *Access) RequireRead(ctx context.Context, userID, projectID string) (models.Role, error) {
	return a.RequireProjectRole(ctx, userID, projectID)
}
