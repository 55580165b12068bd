// ABOUTME: Tests for statement routing
// ABOUTME: Covers control-plane vs tenant resolution, hints, and fail-closed behavior

package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krapi/krapi-server/internal/store"
)

func newTestRouter(t *testing.T) (*Router, *store.Manager) {
	t.Helper()
	m := store.NewManager(t.TempDir())
	t.Cleanup(func() { m.CloseAll() })
	return New(m, nil), m
}

func createDocumentsTable(t *testing.T, m *store.Manager, tenantID string) {
	t.Helper()
	a, err := m.Tenant(tenantID)
	require.NoError(t, err)
	_, err = a.Execute(context.Background(),
		`CREATE TABLE IF NOT EXISTS documents (id TEXT PRIMARY KEY, project_id TEXT, data TEXT)`)
	require.NoError(t, err)
}

func TestRouter_ControlPlaneTable(t *testing.T) {
	r, m := newTestRouter(t)

	adapter, err := r.Resolve(context.Background(), "_admins", `SELECT * FROM _admins`, nil, "")
	require.NoError(t, err)
	assert.Equal(t, m.ControlPlanePath(), adapter.Path())
}

func TestRouter_ControlPlaneIgnoresEmbeddedID(t *testing.T) {
	r, m := newTestRouter(t)

	// Even with a project_id predicate, control-plane tables stay on the
	// control store.
	adapter, err := r.Resolve(context.Background(), "_sessions",
		`SELECT * FROM _sessions WHERE project_id = ?`, []any{"p1"}, "")
	require.NoError(t, err)
	assert.Equal(t, m.ControlPlanePath(), adapter.Path())
}

func TestRouter_TenantInsertResolvesFromColumn(t *testing.T) {
	r, m := newTestRouter(t)
	createDocumentsTable(t, m, "p1")

	res, err := r.Execute(context.Background(), "documents",
		`INSERT INTO documents (id, project_id, data) VALUES (?, ?, ?)`,
		[]any{"d1", "p1", "{}"}, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Changes)

	// The row landed in p1's store, visible with a p1 hint.
	rows, err := r.Query(context.Background(), "documents",
		`SELECT id FROM documents`, nil, "p1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRouter_TenantInsertWithoutIDFailsClosed(t *testing.T) {
	r, _ := newTestRouter(t)

	_, err := r.Execute(context.Background(), "documents",
		`INSERT INTO documents (id, data) VALUES (?, ?)`,
		[]any{"d1", "{}"}, "")
	require.ErrorIs(t, err, ErrAmbiguousRoute)
}

func TestRouter_HintWinsOverInference(t *testing.T) {
	r, m := newTestRouter(t)
	createDocumentsTable(t, m, "p1")
	createDocumentsTable(t, m, "p2")

	// Statement carries p1 but the caller's explicit context says p2.
	_, err := r.Execute(context.Background(), "documents",
		`INSERT INTO documents (id, project_id, data) VALUES (?, ?, ?)`,
		[]any{"d1", "p1", "{}"}, "p2")
	require.NoError(t, err)

	rows, err := r.Query(context.Background(), "documents",
		`SELECT id FROM documents`, nil, "p2")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = r.Query(context.Background(), "documents",
		`SELECT id FROM documents`, nil, "p1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRouter_IsolationAcrossTenants(t *testing.T) {
	r, m := newTestRouter(t)
	createDocumentsTable(t, m, "a")
	createDocumentsTable(t, m, "b")

	_, err := r.Execute(context.Background(), "documents",
		`INSERT INTO documents (id, project_id, data) VALUES (?, ?, ?)`,
		[]any{"d1", "a", "{}"}, "")
	require.NoError(t, err)

	rows, err := r.Query(context.Background(), "documents",
		`SELECT id FROM documents WHERE project_id = ?`, []any{"b"}, "b")
	require.NoError(t, err)
	assert.Empty(t, rows, "write with tenant a must not be visible under tenant b")
}

func TestRouter_WhereClauseRouting(t *testing.T) {
	r, m := newTestRouter(t)
	createDocumentsTable(t, m, "p1")

	_, err := r.Execute(context.Background(), "documents",
		`INSERT INTO documents (id, project_id, data) VALUES (?, ?, ?)`,
		[]any{"d1", "p1", "{}"}, "")
	require.NoError(t, err)

	rows, err := r.Query(context.Background(), "documents",
		`SELECT id FROM documents WHERE project_id = ?`, []any{"p1"}, "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRouter_UnknownTableNeedsHint(t *testing.T) {
	r, m := newTestRouter(t)

	_, err := r.Resolve(context.Background(), "widgets",
		`SELECT * FROM widgets`, nil, "")
	require.ErrorIs(t, err, ErrAmbiguousRoute)

	adapter, err := r.Resolve(context.Background(), "widgets",
		`SELECT * FROM widgets`, nil, "p1")
	require.NoError(t, err)
	assert.Equal(t, m.TenantPath("p1"), adapter.Path())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassControlPlane, Classify("_admins"))
	assert.Equal(t, ClassControlPlane, Classify("_activity_log"))
	assert.Equal(t, ClassTenant, Classify("documents"))
	assert.Equal(t, ClassTenant, Classify("api_keys"))
	assert.Equal(t, ClassUnknown, Classify("widgets"))
}
