// ABOUTME: Package doc for session, credential, and scope handling

// Package session implements the dual-mode credential system: opaque bearer
// tokens for administrator and tenant-user sessions, API key exchange and
// regeneration, and scope-based authorization with the master sentinel.
//
// Every verification failure collapses to ErrInvalid before leaving this
// package; callers can not distinguish an expired session from one that
// never existed.
package session
