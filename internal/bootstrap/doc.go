// Package bootstrap performs first-run schema creation, column migrations,
// and default-data seeding for the control-plane and tenant stores.
//
// All DDL is idempotent and concurrent runs are coalesced per store key, so
// EnsureControlPlane and EnsureTenant are safe to call from any number of
// goroutines or processes. Two processes racing the initial seeding is
// resolved through the store's unique constraints: the loser re-reads the
// winner's rows instead of failing.
package bootstrap
