package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"promptlab/internal/platform/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, name, avatar_url, password_hash, email_verified, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	user := &models.User{}
	var avatar, hash sql.NullString
	var lastLogin sql.NullInt64

	err := row.Scan(&user.ID, &user.Email, &user.Name, &avatar, &hash, &user.EmailVerified, &lastLogin, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if avatar.Valid {
		user.AvatarURL = &avatar.String
	}
	if hash.Valid {
		user.PasswordHash = &hash.String
	}
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Int64
	}
	return user, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, avatar_url, password_hash, email_verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.Email, user.Name, user.AvatarURL, user.PasswordHash, user.EmailVerified, user.CreatedAt, user.UpdatedAt)
	return err
}

// GetByID returns (nil, nil) when the user does not exist.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

// GetByEmail returns (nil, nil) when no user has the address.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, timestamp int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at = ?, email_verified = 1, updated_at = ? WHERE id = ?`, timestamp, time.Now().Unix(), userID)
	return err
}

type ProjectRepository struct {
	db *sql.DB
}

func NewProjectRepository(db *sql.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create inserts the project and registers its owner as an OWNER member.
func (r *ProjectRepository) Create(ctx context.Context, project *models.Project) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO projects (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		project.ID, project.Name, project.OwnerID, project.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO project_members (project_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
		project.ID, project.OwnerID, models.RoleOwner, project.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *ProjectRepository) AddMember(ctx context.Context, projectID, userID string, role models.Role) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, user_id) DO UPDATE SET role = excluded.role
	`, projectID, userID, role, time.Now().Unix())
	return err
}

// GetByID returns (nil, nil) when the project does not exist.
func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*models.Project, error) {
	p := &models.Project{}
	err := r.db.QueryRowContext(ctx, `SELECT id, name, owner_id, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetUserProjectRole returns the caller's role, or "" if they are not a member.
func (r *ProjectRepository) GetUserProjectRole(ctx context.Context, userID, projectID string) (models.Role, error) {
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM project_members WHERE project_id = ? AND user_id = ?`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return models.Role(role), nil
}
