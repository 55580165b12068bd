// ABOUTME: Connection manager owning one adapter per tenant plus the control plane
// ABOUTME: Lazily connects, memoizes live adapters, and handles close-one/close-all

package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	controlPlaneFile = "control.db"
	projectsDirName  = "projects"
)

// Manager hands out memoized adapters: one for the control-plane store and
// one per tenant id. The maps are the only cross-request shared mutable state
// in the core; access is read-mostly get-or-create under an RWMutex, and
// write contention inside a store is left to SQLite's WAL plus busy timeout.
type Manager struct {
	mu           sync.RWMutex
	dataDir      string
	controlPlane *Adapter
	tenants      map[string]*Adapter
	closed       bool
	logger       *slog.Logger
}

// NewManager creates a manager rooted at dataDir. No files are touched until
// the first adapter is requested.
func NewManager(dataDir string) *Manager {
	return &Manager{
		dataDir: dataDir,
		tenants: make(map[string]*Adapter),
		logger:  slog.Default().With("component", "store-manager"),
	}
}

// ControlPlanePath returns the control-plane database file path.
func (m *Manager) ControlPlanePath() string {
	return filepath.Join(m.dataDir, controlPlaneFile)
}

// TenantPath returns the database file path for a tenant id.
func (m *Manager) TenantPath(tenantID string) string {
	return filepath.Join(m.dataDir, projectsDirName, tenantID+".db")
}

// ControlPlane returns the shared control-plane adapter, connecting it on
// first use. A failed connect is not cached; the next call retries.
func (m *Manager) ControlPlane() (*Adapter, error) {
	m.mu.RLock()
	if a := m.controlPlane; a != nil {
		m.mu.RUnlock()
		return a, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.controlPlane != nil {
		return m.controlPlane, nil
	}

	adapter := NewAdapter(m.ControlPlanePath())
	if err := adapter.Connect(); err != nil {
		return nil, err
	}
	m.controlPlane = adapter
	m.logger.Info("control-plane store opened", "path", adapter.Path())
	return adapter, nil
}

// Tenant returns the adapter for a tenant id, creating directories and
// connecting on first access. At most one live adapter exists per id.
func (m *Manager) Tenant(tenantID string) (*Adapter, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: empty tenant id", ErrStoreUnavailable)
	}

	m.mu.RLock()
	if a, ok := m.tenants[tenantID]; ok {
		m.mu.RUnlock()
		return a, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if a, ok := m.tenants[tenantID]; ok {
		return a, nil
	}

	adapter := NewAdapter(m.TenantPath(tenantID))
	if err := adapter.Connect(); err != nil {
		// Not cached: the caller may retry once the underlying
		// condition (permissions, disk) clears.
		return nil, err
	}
	m.tenants[tenantID] = adapter
	m.logger.Info("tenant store opened", "tenant", tenantID, "path", adapter.Path())
	return adapter, nil
}

// HasTenant reports whether a live adapter exists for the id, without
// creating one.
func (m *Manager) HasTenant(tenantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tenants[tenantID]
	return ok
}

// CloseTenant disconnects and forgets one tenant adapter. Unknown ids are a
// no-op.
func (m *Manager) CloseTenant(tenantID string) error {
	m.mu.Lock()
	adapter, ok := m.tenants[tenantID]
	delete(m.tenants, tenantID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.logger.Info("tenant store closed", "tenant", tenantID)
	return adapter.Disconnect()
}

// RemoveTenant closes the tenant adapter and deletes its database file along
// with the WAL sidecar files. Used when a project is destroyed.
func (m *Manager) RemoveTenant(tenantID string) error {
	if err := m.CloseTenant(tenantID); err != nil {
		return fmt.Errorf("closing tenant %s: %w", tenantID, err)
	}
	path := m.TenantPath(tenantID)
	for _, f := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing tenant file %s: %w", f, err)
		}
	}
	m.logger.Info("tenant store removed", "tenant", tenantID)
	return nil
}

// CloseAll disconnects every adapter and marks the manager closed. Further
// get-or-create calls fail with ErrClosed.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, adapter := range m.tenants {
		if err := adapter.Disconnect(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing tenant %s: %w", id, err)
		}
	}
	m.tenants = make(map[string]*Adapter)

	if m.controlPlane != nil {
		if err := m.controlPlane.Disconnect(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing control plane: %w", err)
		}
		m.controlPlane = nil
	}

	m.closed = true
	m.logger.Info("all stores closed")
	return firstErr
}
