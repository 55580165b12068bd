// ABOUTME: Control-plane accessors for activity log, email templates,
// ABOUTME: system checks, and backup metadata

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActivityEntry is one row of the control-plane activity log.
type ActivityEntry struct {
	ID         string
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Detail     map[string]any
	CreatedAt  time.Time
}

// EmailTemplate is a named message template stored in the control plane.
type EmailTemplate struct {
	ID        string
	Name      string
	Subject   string
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SystemCheck records an internal health or bootstrap fact.
type SystemCheck struct {
	ID        string
	Name      string
	Status    string
	Detail    string
	CheckedAt time.Time
}

// Backup is metadata about one backup artifact.
type Backup struct {
	ID        string
	FileName  string
	SizeBytes int64
	CreatedAt time.Time
}

// AppendActivity writes one activity log entry. Log failures are surfaced so
// callers can decide whether an audit gap is fatal for their operation.
func (c *ControlPlane) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var detail any
	if e.Detail != nil {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encoding activity detail: %w", err)
		}
		detail = string(b)
	}

	_, err := c.adapter.Execute(ctx, `
		INSERT INTO _activity_log (id, actor, action, target_type, target_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Actor, e.Action, e.TargetType, e.TargetID, detail,
		e.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting activity entry: %w", err)
	}
	return nil
}

// ListActivity returns the most recent entries, newest first.
func (c *ControlPlane) ListActivity(ctx context.Context, limit int) ([]*ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.adapter.Query(ctx, `
		SELECT id, actor, action, target_type, target_id, detail, created_at
		FROM _activity_log ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]*ActivityEntry, 0, len(rows))
	for _, r := range rows {
		e := &ActivityEntry{
			ID:         asString(r["id"]),
			Actor:      asString(r["actor"]),
			Action:     asString(r["action"]),
			TargetType: asString(r["target_type"]),
			TargetID:   asString(r["target_id"]),
		}
		if d := asString(r["detail"]); d != "" {
			if err := json.Unmarshal([]byte(d), &e.Detail); err != nil {
				return nil, fmt.Errorf("decoding activity detail: %w", err)
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, asString(r["created_at"]))
		entries = append(entries, e)
	}
	return entries, nil
}

// UpsertEmailTemplate creates or replaces a template by name.
func (c *ControlPlane) UpsertEmailTemplate(ctx context.Context, t *EmailTemplate) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := c.adapter.Execute(ctx, `
		INSERT INTO _email_templates (id, name, subject, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET subject = excluded.subject,
			body = excluded.body, updated_at = excluded.updated_at
	`, t.ID, t.Name, t.Subject, t.Body,
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting email template: %w", err)
	}
	return nil
}

// GetEmailTemplate retrieves a template by name.
func (c *ControlPlane) GetEmailTemplate(ctx context.Context, name string) (*EmailTemplate, error) {
	row := c.adapter.QueryRow(ctx, `
		SELECT id, name, subject, body, created_at, updated_at
		FROM _email_templates WHERE name = ?
	`, name)
	if row == nil {
		return nil, ErrNotConnected
	}

	var t EmailTemplate
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Name, &t.Subject, &t.Body, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning email template: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &t, nil
}

// RecordCheck upserts a named system check row.
func (c *ControlPlane) RecordCheck(ctx context.Context, name, status, detail string) error {
	_, err := c.adapter.Execute(ctx, `
		INSERT INTO _system_checks (id, name, status, detail, checked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET status = excluded.status,
			detail = excluded.detail, checked_at = excluded.checked_at
	`, uuid.New().String(), name, status, detail,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording check %s: %w", name, err)
	}
	return nil
}

// GetCheck retrieves a system check by name.
func (c *ControlPlane) GetCheck(ctx context.Context, name string) (*SystemCheck, error) {
	row := c.adapter.QueryRow(ctx, `
		SELECT id, name, status, detail, checked_at
		FROM _system_checks WHERE name = ?
	`, name)
	if row == nil {
		return nil, ErrNotConnected
	}

	var s SystemCheck
	var checkedAt string
	err := row.Scan(&s.ID, &s.Name, &s.Status, &s.Detail, &checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning system check: %w", err)
	}
	s.CheckedAt, _ = time.Parse(time.RFC3339, checkedAt)
	return &s, nil
}

// RecordBackup inserts backup metadata after an artifact is written.
func (c *ControlPlane) RecordBackup(ctx context.Context, b *Backup) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := c.adapter.Execute(ctx, `
		INSERT INTO _backups (id, file_name, size_bytes, created_at)
		VALUES (?, ?, ?, ?)
	`, b.ID, b.FileName, b.SizeBytes, b.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording backup: %w", err)
	}
	return nil
}

// ListBackups returns backup metadata, newest first.
func (c *ControlPlane) ListBackups(ctx context.Context) ([]*Backup, error) {
	rows, err := c.adapter.Query(ctx, `
		SELECT id, file_name, size_bytes, created_at
		FROM _backups ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}

	backups := make([]*Backup, 0, len(rows))
	for _, r := range rows {
		b := &Backup{
			ID:       asString(r["id"]),
			FileName: asString(r["file_name"]),
		}
		if n, ok := r["size_bytes"].(int64); ok {
			b.SizeBytes = n
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339, asString(r["created_at"]))
		backups = append(backups, b)
	}
	return backups, nil
}
