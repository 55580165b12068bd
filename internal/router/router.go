// ABOUTME: Statement router deciding which physical store services a statement
// ABOUTME: Resolves tenant ids from statements or explicit hints, failing closed otherwise

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/krapi/krapi-server/internal/store"
)

// ErrAmbiguousRoute is returned when a tenant-table statement carries no
// inferable tenant id and the caller supplied no hint. The router never
// guesses and never silently falls back to the control-plane store.
var ErrAmbiguousRoute = errors.New("router: cannot determine tenant for statement")

// TenantBootstrapper prepares a tenant store on first access. The bootstrap
// package satisfies this; the indirection keeps the router free of DDL.
type TenantBootstrapper interface {
	EnsureTenant(ctx context.Context, tenantID string) error
}

// Router inspects statements and delegates execution to the right store.
type Router struct {
	manager   *store.Manager
	bootstrap TenantBootstrapper // optional
	logger    *slog.Logger
}

// New creates a router over the given connection manager. bootstrap may be
// nil when tenant stores are prepared elsewhere (tests mostly).
func New(manager *store.Manager, bootstrap TenantBootstrapper) *Router {
	return &Router{
		manager:   manager,
		bootstrap: bootstrap,
		logger:    slog.Default().With("component", "router"),
	}
}

// Resolve returns the adapter that must service the statement. Resolution is
// split from execution so callers can pre-flight a statement. The explicit
// hint wins over anything inferred from the statement text.
func (r *Router) Resolve(ctx context.Context, table, sql string, params []any, tenantHint string) (*store.Adapter, error) {
	switch Classify(table) {
	case ClassControlPlane:
		// Control-plane tables ignore embedded ids entirely.
		return r.manager.ControlPlane()

	case ClassTenant:
		tenantID := tenantHint
		if tenantID == "" {
			inferred, ok, err := extractTenantID(sql, params)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAmbiguousRoute, err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: table %s", ErrAmbiguousRoute, table)
			}
			tenantID = inferred
		}
		return r.tenantAdapter(ctx, tenantID)

	default:
		// Unknown tables route only with an explicit hint.
		if tenantHint == "" {
			return nil, fmt.Errorf("%w: unknown table %s", ErrAmbiguousRoute, table)
		}
		return r.tenantAdapter(ctx, tenantHint)
	}
}

func (r *Router) tenantAdapter(ctx context.Context, tenantID string) (*store.Adapter, error) {
	if r.bootstrap != nil {
		if err := r.bootstrap.EnsureTenant(ctx, tenantID); err != nil {
			return nil, err
		}
	}
	return r.manager.Tenant(tenantID)
}

// Execute routes a mutating statement and runs it.
func (r *Router) Execute(ctx context.Context, table, sql string, params []any, tenantHint string) (store.ExecResult, error) {
	adapter, err := r.Resolve(ctx, table, sql, params, tenantHint)
	if err != nil {
		return store.ExecResult{}, err
	}
	r.logger.Debug("routed execute", "table", table, "store", adapter.Path())
	return adapter.Execute(ctx, sql, params...)
}

// Query routes a read statement and returns its rows.
func (r *Router) Query(ctx context.Context, table, sql string, params []any, tenantHint string) ([]store.Row, error) {
	adapter, err := r.Resolve(ctx, table, sql, params, tenantHint)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("routed query", "table", table, "store", adapter.Path())
	return adapter.Query(ctx, sql, params...)
}

// QueryOne routes a read statement expected to match at most one row.
func (r *Router) QueryOne(ctx context.Context, table, sql string, params []any, tenantHint string) (store.Row, error) {
	adapter, err := r.Resolve(ctx, table, sql, params, tenantHint)
	if err != nil {
		return nil, err
	}
	return adapter.QueryOne(ctx, sql, params...)
}
