// ABOUTME: HTTP API handlers for auth, project admin, and routed data access.
// ABOUTME: Provides JSON endpoints plus bearer-token middleware with scope checks.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/krapi/krapi-server/internal/realtime"
	"github.com/krapi/krapi-server/internal/router"
	"github.com/krapi/krapi-server/internal/session"
	"github.com/krapi/krapi-server/internal/store"
)

// principalKey is the context key under which middleware stores the
// authenticated principal.
type principalKeyType struct{}

var principalKey principalKeyType

// AuthRequest is the JSON request body for the auth-with-password endpoints.
type AuthRequest struct {
	Identity   string `json:"identity"`
	Password   string `json:"password"`
	ProjectID  string `json:"project_id,omitempty"`
	RememberMe bool   `json:"remember_me,omitempty"`
}

// KeyExchangeRequest is the JSON request body for POST /api/keys/exchange.
type KeyExchangeRequest struct {
	Key       string `json:"key"`
	ProjectID string `json:"project_id,omitempty"`
}

// SessionResponse is the JSON response for successful authentication.
type SessionResponse struct {
	Token     string   `json:"token"`
	ExpiresAt string   `json:"expires_at"`
	Kind      string   `json:"kind"`
	SubjectID string   `json:"subject_id"`
	ProjectID string   `json:"project_id,omitempty"`
	Scopes    []string `json:"scopes"`
}

// ProjectRequest is the JSON request body for POST /api/projects.
type ProjectRequest struct {
	ID          string `json:"id,omitempty"` // optional; generated when empty
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ProjectResponse is the JSON response for project operations.
type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// StatementRequest is the JSON request body for the data endpoints.
type StatementRequest struct {
	Table     string `json:"table"`
	SQL       string `json:"sql"`
	Params    []any  `json:"params,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// ExecuteResponse is the JSON response for POST /api/data/execute.
type ExecuteResponse struct {
	Changes      int64 `json:"changes"`
	LastInsertID int64 `json:"last_insert_id"`
}

// QueryResponse is the JSON response for POST /api/data/query.
type QueryResponse struct {
	Rows []store.Row `json:"rows"`
}

// ActivityResponse is one entry in GET /api/activity output.
type ActivityResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// errorResponse is the uniform JSON error body. Auth failures deliberately
// carry no detail about which check rejected the request.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// requireAuth verifies the bearer token and attaches the principal to the
// request context. All failures produce the same 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		p, err := s.sessions.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := contextWithPrincipal(r.Context(), p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope is requireAuth plus an any-of scope check.
func (s *Server) requireScope(next http.Handler, scopes ...string) http.Handler {
	return s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if !session.HasScope(p, scopes...) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func contextWithPrincipal(ctx context.Context, p *session.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func principalFrom(ctx context.Context) *session.Principal {
	p, _ := ctx.Value(principalKey).(*session.Principal)
	return p
}

// sessionResponse converts a stored session into its JSON shape.
func sessionResponse(sess *store.Session) SessionResponse {
	return SessionResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
		Kind:      string(sess.Kind),
		SubjectID: sess.SubjectID,
		ProjectID: sess.ProjectID,
		Scopes:    sess.Scopes,
	}
}

// projectIDPattern constrains caller-chosen project ids. The id becomes the
// tenant store's filename, so nothing path-shaped can pass.
var projectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func validProjectID(id string) bool {
	return projectIDPattern.MatchString(id)
}

// requestIP returns the remote address without the port.
func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleAdminAuth handles POST /api/admins/auth-with-password.
func (s *Server) handleAdminAuth(w http.ResponseWriter, r *http.Request) {
	s.handlePasswordAuth(w, r, "")
}

// handleUserAuth handles POST /api/users/auth-with-password. A project_id in
// the body scopes the credential lookup to that tenant's store.
func (s *Server) handleUserAuth(w http.ResponseWriter, r *http.Request) {
	s.handlePasswordAuth(w, r, "required")
}

func (s *Server) handlePasswordAuth(w http.ResponseWriter, r *http.Request, projectMode string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identity == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "identity and password are required")
		return
	}
	if projectMode == "required" && req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	p, err := s.sessions.AuthenticateByCredential(r.Context(), req.Identity, req.Password, req.ProjectID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sess, err := s.sessions.Issue(r.Context(), p.ID, p.Kind, p.Scopes, p.ProjectID, session.IssueOptions{
		TTL:           s.config.Auth.SessionTTL,
		RememberMe:    req.RememberMe,
		RememberMeTTL: s.config.Auth.RememberMeTTL,
		IP:            requestIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		s.logger.Error("issuing session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logActivity(r, p.ID, "auth.login", "session", sess.Token[:8], nil)
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// handleKeyExchange handles POST /api/keys/exchange: trades an API key for a
// session token.
func (s *Server) handleKeyExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req KeyExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	sess, err := s.sessions.CreateSessionFromAPIKey(r.Context(), req.Key, req.ProjectID, session.IssueOptions{
		TTL:       s.config.Auth.SessionTTL,
		IP:        requestIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid key")
		return
	}

	s.logActivity(r, sess.SubjectID, "auth.key_exchange", "session", sess.Token[:8], nil)
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// handleRefresh handles POST /api/auth/refresh. The presented token stays
// valid through its natural expiry so that concurrent requests racing the
// refresh do not fail.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sess, err := s.sessions.Refresh(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

// handleLogout handles POST /api/auth/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p := principalFrom(r.Context())
	if err := s.sessions.Logout(r.Context(), p.Token); err != nil {
		s.logger.Error("logout", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logActivity(r, p.ID, "auth.logout", "session", p.Token[:8], nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleRegenerateKey handles POST /api/admins/regenerate-key. The caller's
// master key is replaced in a single step; the old value stops working the
// moment the new one exists.
func (s *Server) handleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p := principalFrom(r.Context())
	key, err := s.sessions.RegenerateAPIKey(r.Context(), p.ID)
	if err != nil {
		s.logger.Error("regenerating key", "error", err, "owner", p.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logActivity(r, p.ID, "auth.key_regenerated", "api_key", p.ID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// handleProjects handles GET (list) and POST (create) on /api/projects.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listProjects(w, r)
	case http.MethodPost:
		s.createProject(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.controlCP.ListProjects(r.Context())
	if err != nil {
		s.logger.Error("listing projects", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, projectResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if req.ID != "" && !validProjectID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	project := &store.Project{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
	}
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if err := s.controlCP.CreateProject(r.Context(), project); err != nil {
		if errors.Is(err, store.ErrProjectExists) {
			writeError(w, http.StatusConflict, "project already exists")
			return
		}
		s.logger.Error("creating project", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// The tenant store is provisioned lazily on first data access, so
	// creation is just the control-plane row.
	p := principalFrom(r.Context())
	s.logActivity(r, p.ID, "project.created", "project", project.ID, map[string]any{"name": project.Name})
	s.broadcast("create", "_projects", project.ID, "")

	writeJSON(w, http.StatusCreated, projectResponse(project))
}

// handleProjectByID handles GET and DELETE on /api/projects/{id}.
func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		project, err := s.controlCP.GetProject(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if err != nil {
			s.logger.Error("getting project", "error", err, "project", id)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, projectResponse(project))
	case http.MethodDelete:
		s.deleteProject(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// deleteProject removes the control-plane row and the tenant's physical
// store files. The row goes first so a crash between the two steps leaves an
// orphaned file rather than a project without data.
func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.controlCP.DeleteProject(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.logger.Error("deleting project", "error", err, "project", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.manager.RemoveTenant(id); err != nil {
		s.logger.Warn("removing tenant store", "error", err, "project", id)
	}

	p := principalFrom(r.Context())
	s.logActivity(r, p.ID, "project.deleted", "project", id, nil)
	s.broadcast("delete", "_projects", id, "")

	w.WriteHeader(http.StatusNoContent)
}

// handleActivity handles GET /api/activity.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	entries, err := s.controlCP.ListActivity(r.Context(), 100)
	if err != nil {
		s.logger.Error("listing activity", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]ActivityResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ActivityResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     e.Action,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Detail:     e.Detail,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExecute handles POST /api/data/execute: a write statement routed to
// the store that owns it.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStatement(w, r)
	if !ok {
		return
	}

	res, err := s.router.Execute(r.Context(), req.Table, req.SQL, req.Params, req.ProjectID)
	if err != nil {
		s.writeRouteError(w, err)
		return
	}

	s.broadcast("update", req.Table, "", req.ProjectID)
	writeJSON(w, http.StatusOK, ExecuteResponse{Changes: res.Changes, LastInsertID: res.LastInsertID})
}

// handleQuery handles POST /api/data/query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStatement(w, r)
	if !ok {
		return
	}

	rows, err := s.router.Query(r.Context(), req.Table, req.SQL, req.Params, req.ProjectID)
	if err != nil {
		s.writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Rows: rows})
}

func (s *Server) decodeStatement(w http.ResponseWriter, r *http.Request) (StatementRequest, bool) {
	var req StatementRequest
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Table == "" || req.SQL == "" {
		writeError(w, http.StatusBadRequest, "table and sql are required")
		return req, false
	}

	// Tenant users may only touch their own project's store, whatever the
	// statement claims.
	p := principalFrom(r.Context())
	if p.Kind == session.KindTenantUser {
		req.ProjectID = p.ProjectID
	}
	return req, true
}

func (s *Server) writeRouteError(w http.ResponseWriter, err error) {
	if errors.Is(err, router.ErrAmbiguousRoute) {
		writeError(w, http.StatusBadRequest, "statement target is ambiguous: supply project_id")
		return
	}
	s.logger.Error("routing statement", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func projectResponse(p *store.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// logActivity appends to the activity log; failures are logged, not fatal.
func (s *Server) logActivity(r *http.Request, actor, action, targetType, targetID string, detail map[string]any) {
	err := s.controlCP.AppendActivity(r.Context(), &store.ActivityEntry{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn("appending activity", "error", err, "action", action)
	}
}

// broadcast pushes one change event to realtime clients.
func (s *Server) broadcast(action, table, record, tenant string) {
	payload, err := json.Marshal(realtime.Event{
		Action: action,
		Table:  table,
		Record: record,
		Tenant: tenant,
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(payload)
}
