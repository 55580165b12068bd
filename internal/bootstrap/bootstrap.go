// ABOUTME: Idempotent schema bootstrap and migration for every store
// ABOUTME: Coalesces concurrent runs per store and tolerates the seeding race

package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/krapi/krapi-server/internal/session"
	"github.com/krapi/krapi-server/internal/store"
)

// ErrMigrationFailure wraps any DDL or non-recoverable seeding error. The
// failed store is left exactly as it was; bootstrap never drops data.
var ErrMigrationFailure = errors.New("bootstrap: migration failed")

// State of one store's bootstrap lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

// bootstrapCheckName is the _system_checks row recording a completed
// control-plane bootstrap, so later process starts can skip DDL and seeding.
const bootstrapCheckName = "bootstrap"

const controlPlaneKey = "control-plane"

// Seed holds the first-run administrator defaults, normally sourced from the
// environment. Empty fields get defaults; an empty password is generated and
// logged once.
type Seed struct {
	AdminUsername string
	AdminPassword string
	AdminEmail    string
	BcryptCost    int
}

func (s Seed) withDefaults() (Seed, bool, error) {
	generated := false
	if s.AdminUsername == "" {
		s.AdminUsername = "admin"
	}
	if s.AdminEmail == "" {
		s.AdminEmail = "admin@localhost"
	}
	if s.AdminPassword == "" {
		pw, err := session.GenerateToken("")
		if err != nil {
			return s, false, err
		}
		s.AdminPassword = pw[:24]
		generated = true
	}
	if s.BcryptCost == 0 {
		s.BcryptCost = bcrypt.DefaultCost
	}
	return s, generated, nil
}

// Service runs bootstrap for the control plane and for tenant stores.
// Concurrent attempts against the same store coalesce onto one in-flight run
// keyed by store identity, so distinct stores bootstrap in parallel.
type Service struct {
	manager *store.Manager
	seed    Seed
	logger  *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	states map[string]State
}

// New creates a bootstrap service over the connection manager.
func New(manager *store.Manager, seed Seed) *Service {
	return &Service{
		manager: manager,
		seed:    seed,
		logger:  slog.Default().With("component", "bootstrap"),
		states:  make(map[string]State),
	}
}

// State reports the lifecycle state of a store key ("control-plane" or a
// tenant id).
func (s *Service) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}

func (s *Service) setState(key string, st State) {
	s.mu.Lock()
	s.states[key] = st
	s.mu.Unlock()
}

// EnsureControlPlane brings the control-plane store to Ready: DDL, column
// migrations, seeding, and the bootstrap fact. Safe to call repeatedly and
// concurrently; later calls are cheap once Ready.
func (s *Service) EnsureControlPlane(ctx context.Context) error {
	if s.State(controlPlaneKey) == StateReady {
		return nil
	}

	_, err, _ := s.group.Do(controlPlaneKey, func() (any, error) {
		if s.State(controlPlaneKey) == StateReady {
			return nil, nil
		}
		s.setState(controlPlaneKey, StateInitializing)

		if err := s.initControlPlane(ctx); err != nil {
			s.setState(controlPlaneKey, StateUninitialized)
			return nil, err
		}
		s.setState(controlPlaneKey, StateReady)
		return nil, nil
	})
	return err
}

func (s *Service) initControlPlane(ctx context.Context) error {
	adapter, err := s.manager.ControlPlane()
	if err != nil {
		return err
	}
	cp := store.NewControlPlane(adapter)

	// Fast probe: a recorded bootstrap fact means DDL and seeding already
	// ran; nothing below would change the store.
	if done, err := s.alreadyBootstrapped(ctx, cp); err == nil && done {
		s.logger.Debug("control plane already bootstrapped")
		return nil
	}

	if _, err := adapter.Execute(ctx, controlPlaneSchema); err != nil {
		return fmt.Errorf("%w: creating control-plane schema: %v", ErrMigrationFailure, err)
	}

	if err := s.applyColumnMigrations(ctx, adapter, controlPlaneMigrations); err != nil {
		return err
	}

	if err := s.seedDefaults(ctx, cp); err != nil {
		return err
	}

	if err := cp.RecordCheck(ctx, bootstrapCheckName, "ok", "control plane initialized"); err != nil {
		return fmt.Errorf("%w: recording bootstrap fact: %v", ErrMigrationFailure, err)
	}

	s.logger.Info("control plane bootstrapped")
	return nil
}

// alreadyBootstrapped probes for the bootstrap fact without assuming the
// table exists.
func (s *Service) alreadyBootstrapped(ctx context.Context, cp *store.ControlPlane) (bool, error) {
	check, err := cp.GetCheck(ctx, bootstrapCheckName)
	if err != nil {
		// Missing table or row both mean a full run is needed.
		return false, nil
	}
	return check.Status == "ok", nil
}

// applyColumnMigrations inspects each table for expected columns and adds the
// missing ones, backfilling from a predecessor column when one exists.
func (s *Service) applyColumnMigrations(ctx context.Context, adapter *store.Adapter, migrations []columnMigration) error {
	for _, m := range migrations {
		if _, err := adapter.QueryOne(ctx, m.check); err == nil {
			continue // column present
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: checking column %s.%s: %v", ErrMigrationFailure, m.table, m.column, err)
		}

		if _, err := adapter.Execute(ctx, m.apply); err != nil {
			return fmt.Errorf("%w: adding column %s.%s: %v", ErrMigrationFailure, m.table, m.column, err)
		}
		s.logger.Info("applied migration", "table", m.table, "column", m.column)

		if m.backfill == "" || m.predecessor == "" {
			continue
		}
		predCheck := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = '%s'`, m.table, m.predecessor)
		if _, err := adapter.QueryOne(ctx, predCheck); errors.Is(err, store.ErrNotFound) {
			continue // nothing to backfill from
		} else if err != nil {
			return fmt.Errorf("%w: checking predecessor %s.%s: %v", ErrMigrationFailure, m.table, m.predecessor, err)
		}
		if _, err := adapter.Execute(ctx, m.backfill); err != nil {
			return fmt.Errorf("%w: backfilling %s.%s: %v", ErrMigrationFailure, m.table, m.column, err)
		}
		s.logger.Info("backfilled column", "table", m.table, "column", m.column, "from", m.predecessor)
	}
	return nil
}

// seedDefaults creates the default administrator and its master key. Two
// processes may race here: the loser's insert hits the unique constraint, in
// which case it re-reads the winner's row and continues with update-only
// logic. Any other error aborts the bootstrap.
func (s *Service) seedDefaults(ctx context.Context, cp *store.ControlPlane) error {
	seed, generated, err := s.seed.withDefaults()
	if err != nil {
		return fmt.Errorf("%w: preparing seed: %v", ErrMigrationFailure, err)
	}

	admin, err := cp.GetAdminByUsername(ctx, seed.AdminUsername)
	switch {
	case errors.Is(err, store.ErrNotFound):
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(seed.AdminPassword), seed.BcryptCost)
		if hashErr != nil {
			return fmt.Errorf("%w: hashing seed password: %v", ErrMigrationFailure, hashErr)
		}
		now := time.Now().UTC()
		admin = &store.Admin{
			ID:           uuid.New().String(),
			Username:     seed.AdminUsername,
			Email:        seed.AdminEmail,
			PasswordHash: string(hash),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		createErr := cp.CreateAdmin(ctx, admin)
		if errors.Is(createErr, store.ErrUsernameExists) {
			// Lost the seeding race; adopt the winner's row.
			admin, err = cp.GetAdminByUsername(ctx, seed.AdminUsername)
			if err != nil {
				return fmt.Errorf("%w: re-reading admin after race: %v", ErrMigrationFailure, err)
			}
		} else if createErr != nil {
			return fmt.Errorf("%w: seeding admin: %v", ErrMigrationFailure, createErr)
		} else if generated {
			s.logger.Warn("generated initial admin password",
				"username", seed.AdminUsername, "password", seed.AdminPassword)
		}
	case err != nil:
		return fmt.Errorf("%w: looking up admin: %v", ErrMigrationFailure, err)
	}

	// Update-only path: an existing admin without a password hash gets one.
	if admin.PasswordHash == "" {
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(seed.AdminPassword), seed.BcryptCost)
		if hashErr != nil {
			return fmt.Errorf("%w: hashing seed password: %v", ErrMigrationFailure, hashErr)
		}
		if err := cp.UpdateAdminPassword(ctx, admin.ID, string(hash)); err != nil {
			return fmt.Errorf("%w: setting admin password: %v", ErrMigrationFailure, err)
		}
	}

	return s.ensureMasterKey(ctx, cp, admin.ID)
}

func (s *Service) ensureMasterKey(ctx context.Context, cp *store.ControlPlane, ownerID string) error {
	_, err := cp.GetMasterKeyByOwner(ctx, ownerID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: looking up master key: %v", ErrMigrationFailure, err)
	}

	value, err := session.NewMasterKey()
	if err != nil {
		return fmt.Errorf("%w: generating master key: %v", ErrMigrationFailure, err)
	}
	now := time.Now().UTC()
	key := &store.APIKey{
		ID:        uuid.New().String(),
		Key:       value,
		OwnerID:   ownerID,
		Kind:      store.APIKeyKindMaster,
		Scopes:    []string{"master"},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	createErr := cp.CreateAPIKey(ctx, key)
	if createErr != nil {
		if store.IsUniqueConstraint(createErr) {
			// The concurrent seeder won; its key is in place.
			return nil
		}
		return fmt.Errorf("%w: seeding master key: %v", ErrMigrationFailure, createErr)
	}
	return nil
}

// EnsureTenant brings a tenant store to Ready, creating its schema on first
// access. Distinct tenants bootstrap concurrently; concurrent calls for the
// same tenant coalesce.
func (s *Service) EnsureTenant(ctx context.Context, tenantID string) error {
	if s.State(tenantID) == StateReady {
		return nil
	}

	_, err, _ := s.group.Do("tenant:"+tenantID, func() (any, error) {
		if s.State(tenantID) == StateReady {
			return nil, nil
		}
		s.setState(tenantID, StateInitializing)

		adapter, err := s.manager.Tenant(tenantID)
		if err != nil {
			s.setState(tenantID, StateUninitialized)
			return nil, err
		}
		if _, err := adapter.Execute(ctx, tenantSchema); err != nil {
			s.setState(tenantID, StateUninitialized)
			return nil, fmt.Errorf("%w: creating tenant schema for %s: %v", ErrMigrationFailure, tenantID, err)
		}

		s.setState(tenantID, StateReady)
		s.logger.Info("tenant bootstrapped", "tenant", tenantID)
		return nil, nil
	})
	return err
}
