// ABOUTME: Package doc for the multi-tenant storage layer
// ABOUTME: Adapters wrap single SQLite files; the manager memoizes them per tenant

// Package store owns the physical persistence layer: one SQLite file per
// tenant plus a shared control-plane file, all opened in WAL mode with a
// bounded busy timeout.
//
// Adapter is the thin per-file wrapper (connect, query, execute,
// transactions). Manager hands out memoized adapters keyed by tenant id and
// guarantees at most one live handle per file. ControlPlane layers typed
// accessors for the cross-tenant tables (admins, api keys, projects,
// sessions, templates, checks, backups, activity log) on top of the shared
// adapter.
//
// Isolation is at the file level: rows inside a tenant store carry no tenant
// column because the file itself is the boundary.
package store
