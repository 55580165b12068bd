// ABOUTME: Session and credential service issuing, verifying, and refreshing bearer tokens
// ABOUTME: Handles dual-kind authentication, API key exchange, and key regeneration

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/krapi/krapi-server/internal/store"
)

// ErrInvalid is the single failure every verification path collapses to.
// Missing, expired, and inactive sessions are indistinguishable from bad
// credentials, so nothing about existence leaks out.
var ErrInvalid = errors.New("session: invalid")

// PrincipalKind tags the two kinds of authenticated subjects.
type PrincipalKind string

const (
	KindAdmin      PrincipalKind = "admin"
	KindTenantUser PrincipalKind = "tenant_user"
)

// Principal is an authenticated subject with its scope set. The kind tag
// replaces after-the-fact type inspection: callers switch on Kind.
type Principal struct {
	Kind      PrincipalKind
	ID        string
	Username  string
	ProjectID string // set only for tenant users
	Scopes    []string
	Token     string // the session token that resolved this principal
}

// TenantBootstrapper prepares tenant stores before tenant-user lookups.
type TenantBootstrapper interface {
	EnsureTenant(ctx context.Context, tenantID string) error
}

// IssueOptions tune one session issuance.
type IssueOptions struct {
	TTL           time.Duration // zero means the service default
	RememberMe    bool          // selects the long TTL
	RememberMeTTL time.Duration // long TTL; zero means the service default
	IP            string
	UserAgent     string
}

const (
	// DefaultTTL is the session lifetime without remember-me.
	DefaultTTL = 24 * time.Hour
	// RememberMeTTL is the extended lifetime for remember-me sessions.
	RememberMeTTL = 30 * 24 * time.Hour
)

// Service implements token issuance, verification, refresh, credential and
// API key authentication, and scope checks.
type Service struct {
	cp        *store.ControlPlane
	manager   *store.Manager
	bootstrap TenantBootstrapper // optional
	logger    *slog.Logger

	// now is injectable so expiry tests can move the clock.
	now func() time.Time
}

// New creates the session service. bootstrap may be nil when tenant stores
// are guaranteed to exist before tenant-user authentication.
func New(cp *store.ControlPlane, manager *store.Manager, bootstrap TenantBootstrapper) *Service {
	return &Service{
		cp:        cp,
		manager:   manager,
		bootstrap: bootstrap,
		logger:    slog.Default().With("component", "session"),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Issue creates and persists a new session for a principal. The scope set is
// fixed for the session's whole life; refresh copies it to a new token
// rather than mutating this row.
func (s *Service) Issue(ctx context.Context, subjectID string, kind PrincipalKind, scopes []string, projectID string, opts IssueOptions) (*store.Session, error) {
	token, err := NewSessionToken()
	if err != nil {
		return nil, err
	}

	// Remember-me takes the long lifetime even when a base TTL is set;
	// the base TTL only covers ordinary sessions.
	ttl := opts.TTL
	if opts.RememberMe {
		ttl = opts.RememberMeTTL
		if ttl == 0 {
			ttl = RememberMeTTL
		}
	} else if ttl == 0 {
		ttl = DefaultTTL
	}

	now := s.now().UTC()
	sess := &store.Session{
		Token:     token,
		SubjectID: subjectID,
		Kind:      store.SessionKind(kind),
		ProjectID: projectID,
		Scopes:    scopes,
		Active:    true,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		IP:        opts.IP,
		UserAgent: opts.UserAgent,
	}
	if err := s.cp.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Debug("issued session", "subject", subjectID, "kind", kind, "ttl", ttl)
	return sess, nil
}

// Verify resolves a token to its principal, failing closed. Unexpected store
// errors are returned as-is; every verification-shaped failure is ErrInvalid.
func (s *Service) Verify(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrInvalid
	}

	sess, err := s.cp.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if !sess.Active || !s.now().Before(sess.ExpiresAt) {
		return nil, ErrInvalid
	}

	// Best-effort usage tracking; a failed touch never fails verification.
	if err := s.cp.TouchSession(ctx, token); err != nil {
		s.logger.Warn("touching session failed", "error", err)
	}

	return &Principal{
		Kind:      PrincipalKind(sess.Kind),
		ID:        sess.SubjectID,
		ProjectID: sess.ProjectID,
		Scopes:    sess.Scopes,
		Token:     sess.Token,
	}, nil
}

// Refresh issues a brand-new token carrying the old session's subject,
// scopes, and tenant, with an independent expiry. The old token is left
// valid until its natural expiry: a deliberate grace window so concurrent
// requests during client-side rotation don't race a revocation.
func (s *Service) Refresh(ctx context.Context, oldToken string) (*store.Session, error) {
	p, err := s.Verify(ctx, oldToken)
	if err != nil {
		return nil, err
	}
	return s.Issue(ctx, p.ID, p.Kind, p.Scopes, p.ProjectID, IssueOptions{})
}

// Logout marks a session inactive. Verification afterwards returns
// ErrInvalid, same as for a missing row.
func (s *Service) Logout(ctx context.Context, token string) error {
	err := s.cp.DeactivateSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalid
	}
	return err
}

// AuthenticateByCredential serves the single login entry point for both
// principal kinds: administrator verification first, tenant-user second.
// projectHint scopes the tenant-user lookup; without it only the
// administrator path is tried. The failure is a generic ErrInvalid either
// way, never hinting which kind was attempted.
func (s *Service) AuthenticateByCredential(ctx context.Context, username, password, projectHint string) (*Principal, error) {
	if p, err := s.authenticateAdmin(ctx, username, password); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrInvalid) {
		return nil, err
	}

	if projectHint == "" {
		return nil, ErrInvalid
	}
	return s.authenticateTenantUser(ctx, username, password, projectHint)
}

func (s *Service) authenticateAdmin(ctx context.Context, username, password string) (*Principal, error) {
	admin, err := s.cp.GetAdminByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("loading admin: %w", err)
	}
	if admin.PasswordHash == "" {
		return nil, ErrInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalid
	}

	if err := s.cp.TouchAdmin(ctx, admin.ID); err != nil {
		s.logger.Warn("touching admin failed", "error", err)
	}
	return &Principal{
		Kind:     KindAdmin,
		ID:       admin.ID,
		Username: admin.Username,
		Scopes:   []string{"master"},
	}, nil
}

func (s *Service) authenticateTenantUser(ctx context.Context, username, password, projectID string) (*Principal, error) {
	if s.bootstrap != nil {
		if err := s.bootstrap.EnsureTenant(ctx, projectID); err != nil {
			return nil, err
		}
	}
	adapter, err := s.manager.Tenant(projectID)
	if err != nil {
		return nil, err
	}

	row, err := adapter.QueryOne(ctx,
		`SELECT id, email, password_hash FROM users WHERE email = ?`, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("loading tenant user: %w", err)
	}

	hash, _ := row["password_hash"].(string)
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalid
	}

	id, _ := row["id"].(string)
	email, _ := row["email"].(string)
	return &Principal{
		Kind:      KindTenantUser,
		ID:        id,
		Username:  email,
		ProjectID: projectID,
		Scopes:    []string{"records:read", "records:write"},
	}, nil
}

// CreateSessionFromAPIKey validates an API key and issues a session exactly
// as Issue would, carrying the key's scope set.
func (s *Service) CreateSessionFromAPIKey(ctx context.Context, keyValue, projectID string, opts IssueOptions) (*store.Session, error) {
	key, err := s.cp.GetAPIKeyByValue(ctx, keyValue)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("loading api key: %w", err)
	}

	if !key.Active {
		return nil, ErrInvalid
	}
	if key.ExpiresAt != nil && !s.now().Before(*key.ExpiresAt) {
		return nil, ErrInvalid
	}

	if err := s.cp.MarkAPIKeyUsed(ctx, key.ID); err != nil {
		s.logger.Warn("marking api key used failed", "error", err)
	}

	kind := KindAdmin
	tenant := projectID
	if key.Kind == store.APIKeyKindTenant {
		kind = KindTenantUser
		if key.ProjectID != "" {
			tenant = key.ProjectID
		}
	}
	return s.Issue(ctx, key.OwnerID, kind, key.Scopes, tenant, opts)
}

// RegenerateAPIKey atomically swaps the owner's master key value: a single
// UPDATE statement, so there is no window with zero valid keys and no
// overlap beyond that one statement.
func (s *Service) RegenerateAPIKey(ctx context.Context, ownerID string) (string, error) {
	newValue, err := NewMasterKey()
	if err != nil {
		return "", err
	}
	if err := s.cp.RotateAPIKeyValue(ctx, ownerID, newValue); err != nil {
		return "", err
	}
	s.logger.Info("regenerated master key", "owner", ownerID)
	return newValue, nil
}
