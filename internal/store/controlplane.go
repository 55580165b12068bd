// ABOUTME: Typed control-plane accessors for admins and project metadata
// ABOUTME: All rows live in the single shared control.db store

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUsernameExists is returned when creating an admin whose username or
// email collides with an existing row.
var ErrUsernameExists = errors.New("store: username or email already exists")

// ErrProjectExists is returned when a project id is already taken.
var ErrProjectExists = errors.New("store: project already exists")

// Admin is an administrator account in the control-plane store.
type Admin struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	LastSeenAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Project is the control-plane record for one tenant. The tenant's physical
// store is created lazily on first data access, not here.
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ControlPlane wraps the shared adapter with typed accessors. All
// control-plane tables live in one store so cross-entity joins stay possible.
type ControlPlane struct {
	adapter *Adapter
	logger  *slog.Logger
}

// NewControlPlane wraps an already-connected control-plane adapter.
func NewControlPlane(adapter *Adapter) *ControlPlane {
	return &ControlPlane{
		adapter: adapter,
		logger:  slog.Default().With("component", "control-plane"),
	}
}

// Adapter returns the underlying adapter, for callers that need raw access.
func (c *ControlPlane) Adapter() *Adapter {
	return c.adapter
}

// CreateAdmin inserts a new administrator row.
func (c *ControlPlane) CreateAdmin(ctx context.Context, admin *Admin) error {
	_, err := c.adapter.Execute(ctx, `
		INSERT INTO _admins (id, username, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		admin.ID,
		admin.Username,
		admin.Email,
		admin.PasswordHash,
		admin.CreatedAt.UTC().Format(time.RFC3339),
		admin.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if IsUniqueConstraint(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("inserting admin: %w", err)
	}
	c.logger.Info("created admin", "id", admin.ID, "username", admin.Username)
	return nil
}

// GetAdmin retrieves an administrator by id.
func (c *ControlPlane) GetAdmin(ctx context.Context, id string) (*Admin, error) {
	return c.scanAdmin(c.adapter.QueryRow(ctx, `
		SELECT id, username, email, password_hash, last_seen_at, created_at, updated_at
		FROM _admins WHERE id = ?
	`, id))
}

// GetAdminByUsername retrieves an administrator by username.
func (c *ControlPlane) GetAdminByUsername(ctx context.Context, username string) (*Admin, error) {
	return c.scanAdmin(c.adapter.QueryRow(ctx, `
		SELECT id, username, email, password_hash, last_seen_at, created_at, updated_at
		FROM _admins WHERE username = ?
	`, username))
}

func (c *ControlPlane) scanAdmin(row *sql.Row) (*Admin, error) {
	if row == nil {
		return nil, ErrNotConnected
	}

	var a Admin
	var passwordHash, lastSeen sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.Username, &a.Email, &passwordHash, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning admin: %w", err)
	}

	a.PasswordHash = passwordHash.String
	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err == nil {
			a.LastSeenAt = &t
		}
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// UpdateAdminPassword replaces an admin's password hash.
func (c *ControlPlane) UpdateAdminPassword(ctx context.Context, id, passwordHash string) error {
	res, err := c.adapter.Execute(ctx, `
		UPDATE _admins SET password_hash = ?, updated_at = ? WHERE id = ?
	`, passwordHash, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating admin password: %w", err)
	}
	if res.Changes == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAdmin records admin activity in last_seen_at.
func (c *ControlPlane) TouchAdmin(ctx context.Context, id string) error {
	_, err := c.adapter.Execute(ctx, `
		UPDATE _admins SET last_seen_at = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("touching admin: %w", err)
	}
	return nil
}

// CountAdmins returns the number of administrator rows.
func (c *ControlPlane) CountAdmins(ctx context.Context) (int, error) {
	row := c.adapter.QueryRow(ctx, `SELECT COUNT(*) FROM _admins`)
	if row == nil {
		return 0, ErrNotConnected
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return n, nil
}

// ListAdmins returns all administrators ordered by creation time.
func (c *ControlPlane) ListAdmins(ctx context.Context) ([]*Admin, error) {
	if c.adapter.DB() == nil {
		return nil, ErrNotConnected
	}
	rows, err := c.adapter.DB().QueryContext(ctx, `
		SELECT id, username, email, password_hash, last_seen_at, created_at, updated_at
		FROM _admins ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying admins: %w", err)
	}
	defer rows.Close()

	var admins []*Admin
	for rows.Next() {
		var a Admin
		var passwordHash, lastSeen sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.Username, &a.Email, &passwordHash, &lastSeen, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning admin row: %w", err)
		}
		a.PasswordHash = passwordHash.String
		if lastSeen.Valid {
			if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
				a.LastSeenAt = &t
			}
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		admins = append(admins, &a)
	}
	return admins, rows.Err()
}

// CreateProject inserts a project record. The tenant store file is not
// created here; it appears on first data access.
func (c *ControlPlane) CreateProject(ctx context.Context, p *Project) error {
	_, err := c.adapter.Execute(ctx, `
		INSERT INTO _projects (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		p.ID,
		p.Name,
		p.Description,
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if IsUniqueConstraint(err) {
			return ErrProjectExists
		}
		return fmt.Errorf("inserting project: %w", err)
	}
	c.logger.Info("created project", "id", p.ID, "name", p.Name)
	return nil
}

// GetProject retrieves a project by id.
func (c *ControlPlane) GetProject(ctx context.Context, id string) (*Project, error) {
	row := c.adapter.QueryRow(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM _projects WHERE id = ?
	`, id)
	if row == nil {
		return nil, ErrNotConnected
	}

	var p Project
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (c *ControlPlane) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := c.adapter.Query(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM _projects ORDER BY name
	`)
	if err != nil {
		return nil, err
	}

	projects := make([]*Project, 0, len(rows))
	for _, r := range rows {
		p := &Project{
			ID:          asString(r["id"]),
			Name:        asString(r["name"]),
			Description: asString(r["description"]),
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, asString(r["created_at"]))
		p.UpdatedAt, _ = time.Parse(time.RFC3339, asString(r["updated_at"]))
		projects = append(projects, p)
	}
	return projects, nil
}

// DeleteProject removes the control-plane row for a project. The caller is
// responsible for removing the tenant store via Manager.RemoveTenant.
func (c *ControlPlane) DeleteProject(ctx context.Context, id string) error {
	res, err := c.adapter.Execute(ctx, `DELETE FROM _projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	if res.Changes == 0 {
		return ErrNotFound
	}
	c.logger.Info("deleted project", "id", id)
	return nil
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
