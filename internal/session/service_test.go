// ABOUTME: Tests for the session and credential service
// ABOUTME: Covers issuance, expiry, refresh, dual-kind auth, API keys, and scopes

package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/krapi/krapi-server/internal/bootstrap"
	"github.com/krapi/krapi-server/internal/session"
	"github.com/krapi/krapi-server/internal/store"
)

type env struct {
	manager *store.Manager
	cp      *store.ControlPlane
	boot    *bootstrap.Service
	svc     *session.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	m := store.NewManager(t.TempDir())
	t.Cleanup(func() { m.CloseAll() })

	boot := bootstrap.New(m, bootstrap.Seed{AdminPassword: "correct-horse"})
	require.NoError(t, boot.EnsureControlPlane(context.Background()))

	adapter, err := m.ControlPlane()
	require.NoError(t, err)
	cp := store.NewControlPlane(adapter)

	return &env{
		manager: m,
		cp:      cp,
		boot:    boot,
		svc:     session.New(cp, m, boot),
	}
}

func (e *env) seededAdmin(t *testing.T) *store.Admin {
	t.Helper()
	admin, err := e.cp.GetAdminByUsername(context.Background(), "admin")
	require.NoError(t, err)
	return admin
}

func TestIssueAndVerify(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.seededAdmin(t)

	sess, err := e.svc.Issue(ctx, admin.ID, session.KindAdmin,
		[]string{"projects:read"}, "", session.IssueOptions{IP: "10.0.0.1", UserAgent: "test"})
	require.NoError(t, err)
	assert.True(t, len(sess.Token) > 10)
	assert.Equal(t, "st_", sess.Token[:3])

	p, err := e.svc.Verify(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, session.KindAdmin, p.Kind)
	assert.Equal(t, admin.ID, p.ID)
	assert.Equal(t, []string{"projects:read"}, p.Scopes)
}

func TestVerify_ExpiredEqualsMissing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.seededAdmin(t)

	base := time.Now()
	e.svc.SetClock(func() time.Time { return base })

	sess, err := e.svc.Issue(ctx, admin.ID, session.KindAdmin, nil, "", session.IssueOptions{})
	require.NoError(t, err)

	_, err = e.svc.Verify(ctx, sess.Token)
	require.NoError(t, err, "verify immediately after issuance must succeed")

	// Move the clock past expiry.
	e.svc.SetClock(func() time.Time { return base.Add(session.DefaultTTL + time.Minute) })
	_, err = e.svc.Verify(ctx, sess.Token)
	require.ErrorIs(t, err, session.ErrInvalid)

	// The expired error is identical to the missing-token error.
	_, missingErr := e.svc.Verify(ctx, "st_doesnotexist")
	assert.Equal(t, missingErr, err)
}

func TestVerify_RememberMeTTL(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.seededAdmin(t)

	sess, err := e.svc.Issue(ctx, admin.ID, session.KindAdmin, nil, "",
		session.IssueOptions{RememberMe: true})
	require.NoError(t, err)
	assert.WithinDuration(t,
		time.Now().Add(session.RememberMeTTL), sess.ExpiresAt, time.Minute)
}

func TestIssue_RememberMeWinsOverBaseTTL(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.seededAdmin(t)

	// A configured base TTL covers ordinary sessions only; remember-me must
	// still take the long lifetime.
	sess, err := e.svc.Issue(ctx, admin.ID, session.KindAdmin, nil, "",
		session.IssueOptions{TTL: 24 * time.Hour, RememberMe: true})
	require.NoError(t, err)
	assert.WithinDuration(t,
		time.Now().Add(session.RememberMeTTL), sess.ExpiresAt, time.Minute)

	// An explicit remember-me lifetime overrides the built-in one.
	sess, err = e.svc.Issue(ctx, admin.ID, session.KindAdmin, nil, "",
		session.IssueOptions{TTL: time.Hour, RememberMe: true, RememberMeTTL: 72 * time.Hour})
	require.NoError(t, err)
	assert.WithinDuration(t,
		time.Now().Add(72*time.Hour), sess.ExpiresAt, time.Minute)
}

func TestRefresh_NewTokenSameScopesOldStillValid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.seededAdmin(t)

	old, err := e.svc.Issue(ctx, admin.ID, session.KindAdmin,
		[]string{"projects:read"}, "", session.IssueOptions{})
	require.NoError(t, err)

	fresh, err := e.svc.Refresh(ctx, old.Token)
	require.NoError(t, err)
	assert.NotEqual(t, old.Token, fresh.Token)
	assert.Equal(t, old.Scopes, fresh.Scopes)
	assert.Equal(t, old.SubjectID, fresh.SubjectID)

	// Grace window: both tokens verify until natural expiry.
	_, err = e.svc.Verify(ctx, old.Token)
	assert.NoError(t, err)
	_, err = e.svc.Verify(ctx, fresh.Token)
	assert.NoError(t, err)
}

func TestRefresh_InvalidTokenRejected(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Refresh(context.Background(), "st_bogus")
	require.ErrorIs(t, err, session.ErrInvalid)
}

func TestLogout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.seededAdmin(t)

	sess, err := e.svc.Issue(ctx, admin.ID, session.KindAdmin, nil, "", session.IssueOptions{})
	require.NoError(t, err)

	require.NoError(t, e.svc.Logout(ctx, sess.Token))
	_, err = e.svc.Verify(ctx, sess.Token)
	assert.ErrorIs(t, err, session.ErrInvalid)
}

func TestAuthenticateByCredential_Admin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.svc.AuthenticateByCredential(ctx, "admin", "correct-horse", "")
	require.NoError(t, err)
	assert.Equal(t, session.KindAdmin, p.Kind)
	assert.True(t, session.HasScope(p, "anything"), "admin carries the master scope")
}

func TestAuthenticateByCredential_WrongPasswordGeneric(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, badPW := e.svc.AuthenticateByCredential(ctx, "admin", "wrong", "")
	require.ErrorIs(t, badPW, session.ErrInvalid)

	_, noUser := e.svc.AuthenticateByCredential(ctx, "nobody", "wrong", "")
	require.ErrorIs(t, noUser, session.ErrInvalid)

	// Identical failures: nothing reveals whether the username exists.
	assert.Equal(t, badPW, noUser)
}

func TestAuthenticateByCredential_TenantUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.boot.EnsureTenant(ctx, "p1"))
	adapter, err := e.manager.Tenant("p1")
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("user-pass"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = adapter.Execute(ctx, `
		INSERT INTO users (id, project_id, email, password_hash, verified, created_at, updated_at)
		VALUES ('u1', 'p1', 'user@example.com', ?, 1, '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')
	`, string(hash))
	require.NoError(t, err)

	p, err := e.svc.AuthenticateByCredential(ctx, "user@example.com", "user-pass", "p1")
	require.NoError(t, err)
	assert.Equal(t, session.KindTenantUser, p.Kind)
	assert.Equal(t, "p1", p.ProjectID)
	assert.Equal(t, "u1", p.ID)
}

func TestCreateSessionFromAPIKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.seededAdmin(t)

	key, err := e.cp.GetMasterKeyByOwner(ctx, admin.ID)
	require.NoError(t, err)

	sess, err := e.svc.CreateSessionFromAPIKey(ctx, key.Key, "", session.IssueOptions{})
	require.NoError(t, err)

	p, err := e.svc.Verify(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, session.KindAdmin, p.Kind)
	assert.True(t, session.HasScope(p, "projects:write"))

	// Usage counter bumped.
	reread, err := e.cp.GetMasterKeyByOwner(ctx, admin.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reread.UseCount)
}

func TestCreateSessionFromAPIKey_UnknownOrInactive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.seededAdmin(t)

	_, err := e.svc.CreateSessionFromAPIKey(ctx, "mak_unknown", "", session.IssueOptions{})
	require.ErrorIs(t, err, session.ErrInvalid)

	key, err := e.cp.GetMasterKeyByOwner(ctx, admin.ID)
	require.NoError(t, err)
	require.NoError(t, e.cp.DeactivateAPIKey(ctx, key.ID))

	_, err = e.svc.CreateSessionFromAPIKey(ctx, key.Key, "", session.IssueOptions{})
	require.ErrorIs(t, err, session.ErrInvalid)
}

func TestRegenerateAPIKey_OldKeyStopsVerifying(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.seededAdmin(t)

	first, err := e.svc.RegenerateAPIKey(ctx, admin.ID)
	require.NoError(t, err)
	second, err := e.svc.RegenerateAPIKey(ctx, admin.ID)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// The first key no longer exchanges for a session; the second does.
	_, err = e.svc.CreateSessionFromAPIKey(ctx, first, "", session.IssueOptions{})
	assert.ErrorIs(t, err, session.ErrInvalid)
	_, err = e.svc.CreateSessionFromAPIKey(ctx, second, "", session.IssueOptions{})
	assert.NoError(t, err)
}

func TestHasScope(t *testing.T) {
	p := &session.Principal{Scopes: []string{"projects:read"}}

	assert.False(t, session.HasScope(p, "projects:write"))
	assert.True(t, session.HasScope(p, "projects:read"))
	// Any-of: one acceptable scope held is enough.
	assert.True(t, session.HasScope(p, "projects:read", "projects:write"))
	assert.True(t, session.HasScope(p, "projects:write", "projects:read"))

	master := &session.Principal{Scopes: []string{"master"}}
	assert.True(t, session.HasScope(master, "anything:at:all"))

	assert.False(t, session.HasScope(nil, "projects:read"))
	assert.False(t, session.HasScope(p), "no acceptable scopes offered")
}
