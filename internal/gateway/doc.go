// Package gateway wires the krapi-server components behind one HTTP server.
//
// # Overview
//
// The Server owns the store manager, the schema bootstrapper, the session
// service, the statement router, and the realtime hub. New() bootstraps the
// control-plane store and registers all routes; Run() serves until the
// context is canceled, then shuts everything down in order.
//
// # Endpoints
//
// Health (no auth):
//
//	GET  /healthz
//	GET  /healthz/ready
//
// Authentication (establish sessions):
//
//	POST /api/admins/auth-with-password
//	POST /api/users/auth-with-password
//	POST /api/keys/exchange
//
// Session management (bearer token required):
//
//	POST /api/auth/refresh
//	POST /api/auth/logout
//
// Administration (master scope required):
//
//	POST   /api/admins/regenerate-key
//	GET    /api/projects
//	POST   /api/projects
//	GET    /api/projects/{id}
//	DELETE /api/projects/{id}
//	GET    /api/activity
//
// Data plane (records scopes):
//
//	POST /api/data/execute
//	POST /api/data/query
//
// Realtime:
//
//	GET /api/realtime  (websocket upgrade, token via header or ?token=)
package gateway
