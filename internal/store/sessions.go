// ABOUTME: Session row type and persistence in the control-plane store
// ABOUTME: Scope sets are stored as JSON arrays alongside expiry and client metadata

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionKind distinguishes the two principal kinds a session can carry.
type SessionKind string

const (
	SessionKindAdmin      SessionKind = "admin"
	SessionKindTenantUser SessionKind = "tenant_user"
)

// Session is a time-bounded bearer credential. The scope set is fixed at
// issuance; refresh creates a new row rather than mutating this one.
type Session struct {
	Token      string
	SubjectID  string
	Kind       SessionKind
	ProjectID  string // empty for admin sessions
	Scopes     []string
	Active     bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt *time.Time
	IP         string
	UserAgent  string
}

// CreateSession persists a new session row.
func (c *ControlPlane) CreateSession(ctx context.Context, s *Session) error {
	scopes, err := json.Marshal(s.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}

	_, err = c.adapter.Execute(ctx, `
		INSERT INTO _sessions (token, subject_id, kind, project_id, scopes, active, created_at, expires_at, ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.Token,
		s.SubjectID,
		string(s.Kind),
		nullIfEmpty(s.ProjectID),
		string(scopes),
		boolToInt(s.Active),
		s.CreatedAt.UTC().Format(time.RFC3339),
		s.ExpiresAt.UTC().Format(time.RFC3339),
		nullIfEmpty(s.IP),
		nullIfEmpty(s.UserAgent),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	c.logger.Debug("created session", "subject", s.SubjectID, "kind", s.Kind)
	return nil
}

// GetSession retrieves a session by token regardless of state. Expiry and
// active-flag policy belong to the session service, which fails closed.
func (c *ControlPlane) GetSession(ctx context.Context, token string) (*Session, error) {
	row := c.adapter.QueryRow(ctx, `
		SELECT token, subject_id, kind, project_id, scopes, active, created_at, expires_at, last_used_at, ip, user_agent
		FROM _sessions WHERE token = ?
	`, token)
	if row == nil {
		return nil, ErrNotConnected
	}

	var s Session
	var projectID, lastUsed, ip, userAgent sql.NullString
	var scopes, createdAt, expiresAt, kind string
	var active int

	err := row.Scan(&s.Token, &s.SubjectID, &kind, &projectID, &scopes, &active,
		&createdAt, &expiresAt, &lastUsed, &ip, &userAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	s.Kind = SessionKind(kind)
	s.ProjectID = projectID.String
	s.Active = active != 0
	s.IP = ip.String
	s.UserAgent = userAgent.String
	if err := json.Unmarshal([]byte(scopes), &s.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if s.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if s.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
			s.LastUsedAt = &t
		}
	}
	return &s, nil
}

// TouchSession records token use in last_used_at.
func (c *ControlPlane) TouchSession(ctx context.Context, token string) error {
	_, err := c.adapter.Execute(ctx, `
		UPDATE _sessions SET last_used_at = ? WHERE token = ?
	`, time.Now().UTC().Format(time.RFC3339), token)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// DeactivateSession marks a session inactive (logout). Verification treats
// inactive rows identically to missing ones.
func (c *ControlPlane) DeactivateSession(ctx context.Context, token string) error {
	res, err := c.adapter.Execute(ctx, `
		UPDATE _sessions SET active = 0 WHERE token = ?
	`, token)
	if err != nil {
		return fmt.Errorf("deactivating session: %w", err)
	}
	if res.Changes == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions purges rows whose expiry has passed.
func (c *ControlPlane) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := c.adapter.Execute(ctx, `
		DELETE FROM _sessions WHERE expires_at <= ?
	`, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	if res.Changes > 0 {
		c.logger.Debug("purged expired sessions", "count", res.Changes)
	}
	return res.Changes, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
