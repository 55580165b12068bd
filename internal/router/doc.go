// Package router decides which physical store services a SQL statement.
//
// Control-plane tables always resolve to the shared control-plane store.
// Tenant tables resolve by, in order: an explicit tenant hint from the
// caller, a tenant id inferred from the statement itself (INSERT column
// list or WHERE equality on the tenant-id column), and otherwise
// ErrAmbiguousRoute. Routing never guesses: a statement that cannot be
// bound to exactly one tenant fails closed.
package router
