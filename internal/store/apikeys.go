// ABOUTME: API key persistence in the control-plane store
// ABOUTME: Master keys are one-per-owner; regeneration swaps the value in one statement

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// APIKeyKind distinguishes the long-lived master key from tenant-scoped keys.
type APIKeyKind string

const (
	APIKeyKindMaster APIKeyKind = "master"
	APIKeyKindTenant APIKeyKind = "tenant"
)

// APIKey is a long-lived credential exchangeable for sessions.
type APIKey struct {
	ID         string
	Key        string
	OwnerID    string
	Kind       APIKeyKind
	ProjectID  string // empty for master keys
	Scopes     []string
	Active     bool
	ExpiresAt  *time.Time
	UseCount   int64
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateAPIKey inserts a new key row.
func (c *ControlPlane) CreateAPIKey(ctx context.Context, k *APIKey) error {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}

	var expires any
	if k.ExpiresAt != nil {
		expires = k.ExpiresAt.UTC().Format(time.RFC3339)
	}

	_, err = c.adapter.Execute(ctx, `
		INSERT INTO _api_keys (id, key, owner_id, kind, project_id, scopes, active, expires_at, use_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`,
		k.ID,
		k.Key,
		k.OwnerID,
		string(k.Kind),
		nullIfEmpty(k.ProjectID),
		string(scopes),
		boolToInt(k.Active),
		expires,
		k.CreatedAt.UTC().Format(time.RFC3339),
		k.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if IsUniqueConstraint(err) {
			return fmt.Errorf("api key for owner %s already exists: %w", k.OwnerID, err)
		}
		return fmt.Errorf("inserting api key: %w", err)
	}
	c.logger.Info("created api key", "id", k.ID, "owner", k.OwnerID, "kind", k.Kind)
	return nil
}

// GetAPIKeyByValue retrieves a key row by its exact value.
func (c *ControlPlane) GetAPIKeyByValue(ctx context.Context, value string) (*APIKey, error) {
	return c.scanAPIKey(c.adapter.QueryRow(ctx, `
		SELECT id, key, owner_id, kind, project_id, scopes, active, expires_at, use_count, last_used_at, created_at, updated_at
		FROM _api_keys WHERE key = ?
	`, value))
}

// GetMasterKeyByOwner retrieves the single master key row for an owner.
func (c *ControlPlane) GetMasterKeyByOwner(ctx context.Context, ownerID string) (*APIKey, error) {
	return c.scanAPIKey(c.adapter.QueryRow(ctx, `
		SELECT id, key, owner_id, kind, project_id, scopes, active, expires_at, use_count, last_used_at, created_at, updated_at
		FROM _api_keys WHERE owner_id = ? AND kind = ?
	`, ownerID, string(APIKeyKindMaster)))
}

func (c *ControlPlane) scanAPIKey(row *sql.Row) (*APIKey, error) {
	if row == nil {
		return nil, ErrNotConnected
	}

	var k APIKey
	var projectID, expiresAt, lastUsed sql.NullString
	var scopes, kind, createdAt, updatedAt string
	var active int

	err := row.Scan(&k.ID, &k.Key, &k.OwnerID, &kind, &projectID, &scopes, &active,
		&expiresAt, &k.UseCount, &lastUsed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api key: %w", err)
	}

	k.Kind = APIKeyKind(kind)
	k.ProjectID = projectID.String
	k.Active = active != 0
	if err := json.Unmarshal([]byte(scopes), &k.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339, expiresAt.String); err == nil {
			k.ExpiresAt = &t
		}
	}
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
			k.LastUsedAt = &t
		}
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	k.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &k, nil
}

// RotateAPIKeyValue swaps the stored key value for an owner's master key in a
// single UPDATE. The old value stops verifying and the new one starts
// verifying atomically; there is no window with zero or two valid keys.
func (c *ControlPlane) RotateAPIKeyValue(ctx context.Context, ownerID, newValue string) error {
	res, err := c.adapter.Execute(ctx, `
		UPDATE _api_keys SET key = ?, active = 1, updated_at = ?
		WHERE owner_id = ? AND kind = ?
	`, newValue, time.Now().UTC().Format(time.RFC3339), ownerID, string(APIKeyKindMaster))
	if err != nil {
		return fmt.Errorf("rotating api key: %w", err)
	}
	if res.Changes == 0 {
		return ErrNotFound
	}
	c.logger.Info("rotated api key", "owner", ownerID)
	return nil
}

// MarkAPIKeyUsed bumps the usage counter and last-used timestamp.
func (c *ControlPlane) MarkAPIKeyUsed(ctx context.Context, id string) error {
	_, err := c.adapter.Execute(ctx, `
		UPDATE _api_keys SET use_count = use_count + 1, last_used_at = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("marking api key used: %w", err)
	}
	return nil
}

// DeactivateAPIKey disables a key without deleting its row.
func (c *ControlPlane) DeactivateAPIKey(ctx context.Context, id string) error {
	res, err := c.adapter.Execute(ctx, `
		UPDATE _api_keys SET active = 0, updated_at = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("deactivating api key: %w", err)
	}
	if res.Changes == 0 {
		return ErrNotFound
	}
	return nil
}
