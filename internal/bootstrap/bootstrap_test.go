// ABOUTME: Tests for schema bootstrap and migrations
// ABOUTME: Covers idempotence, the concurrent seeding race, and column backfills

package bootstrap

import (
	"context"
	"sync"
	"testing"

	"github.com/krapi/krapi-server/internal/store"
)

func countAdminRows(t *testing.T, m *store.Manager, username string) int {
	t.Helper()
	adapter, err := m.ControlPlane()
	if err != nil {
		t.Fatalf("ControlPlane failed: %v", err)
	}
	rows, err := adapter.Query(context.Background(),
		`SELECT id FROM _admins WHERE username = ?`, username)
	if err != nil {
		t.Fatalf("counting admins failed: %v", err)
	}
	return len(rows)
}

func TestEnsureControlPlane_SeedsAdminAndMasterKey(t *testing.T) {
	m := store.NewManager(t.TempDir())
	defer m.CloseAll()

	svc := New(m, Seed{AdminPassword: "test-password-123"})
	if err := svc.EnsureControlPlane(context.Background()); err != nil {
		t.Fatalf("EnsureControlPlane failed: %v", err)
	}

	if got := svc.State("control-plane"); got != StateReady {
		t.Errorf("state = %v, want StateReady", got)
	}
	if n := countAdminRows(t, m, "admin"); n != 1 {
		t.Errorf("admin rows = %d, want 1", n)
	}

	adapter, _ := m.ControlPlane()
	cp := store.NewControlPlane(adapter)
	admin, err := cp.GetAdminByUsername(context.Background(), "admin")
	if err != nil {
		t.Fatalf("GetAdminByUsername failed: %v", err)
	}
	if admin.PasswordHash == "" {
		t.Error("seeded admin has no password hash")
	}

	key, err := cp.GetMasterKeyByOwner(context.Background(), admin.ID)
	if err != nil {
		t.Fatalf("GetMasterKeyByOwner failed: %v", err)
	}
	if !key.Active {
		t.Error("seeded master key is not active")
	}
	if len(key.Key) < 10 || key.Key[:4] != "mak_" {
		t.Errorf("master key %q lacks the mak_ prefix", key.Key)
	}
}

func TestEnsureControlPlane_Idempotent(t *testing.T) {
	m := store.NewManager(t.TempDir())
	defer m.CloseAll()

	svc := New(m, Seed{AdminPassword: "pw"})
	for i := 0; i < 2; i++ {
		if err := svc.EnsureControlPlane(context.Background()); err != nil {
			t.Fatalf("EnsureControlPlane run %d failed: %v", i+1, err)
		}
	}
	if n := countAdminRows(t, m, "admin"); n != 1 {
		t.Errorf("admin rows after double bootstrap = %d, want 1", n)
	}
}

func TestEnsureControlPlane_SecondProcessSkipsViaProbe(t *testing.T) {
	dataDir := t.TempDir()

	m1 := store.NewManager(dataDir)
	if err := New(m1, Seed{AdminPassword: "pw"}).EnsureControlPlane(context.Background()); err != nil {
		t.Fatalf("first bootstrap failed: %v", err)
	}
	m1.CloseAll()

	// A fresh manager simulates a second process start against the same
	// files; the recorded bootstrap fact short-circuits DDL and seeding.
	m2 := store.NewManager(dataDir)
	defer m2.CloseAll()
	if err := New(m2, Seed{AdminPassword: "other"}).EnsureControlPlane(context.Background()); err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}
	if n := countAdminRows(t, m2, "admin"); n != 1 {
		t.Errorf("admin rows = %d, want 1", n)
	}
}

func TestEnsureControlPlane_ConcurrentRace(t *testing.T) {
	dataDir := t.TempDir()

	// Two managers over the same files model two processes racing through
	// first-run seeding. The loser must recover from the unique-constraint
	// violation, not propagate it.
	m1 := store.NewManager(dataDir)
	m2 := store.NewManager(dataDir)
	defer m1.CloseAll()
	defer m2.CloseAll()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, m := range []*store.Manager{m1, m2} {
		wg.Add(1)
		go func(i int, m *store.Manager) {
			defer wg.Done()
			errs[i] = New(m, Seed{AdminPassword: "pw"}).EnsureControlPlane(context.Background())
		}(i, m)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("bootstrap %d failed: %v", i, err)
		}
	}
	if n := countAdminRows(t, m1, "admin"); n != 1 {
		t.Errorf("admin rows after concurrent bootstrap = %d, want 1", n)
	}
}

func TestEnsureControlPlane_CoalescesWithinProcess(t *testing.T) {
	m := store.NewManager(t.TempDir())
	defer m.CloseAll()
	svc := New(m, Seed{AdminPassword: "pw"})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.EnsureControlPlane(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if n := countAdminRows(t, m, "admin"); n != 1 {
		t.Errorf("admin rows = %d, want 1", n)
	}
}

func TestColumnMigration_BackfillFromPredecessor(t *testing.T) {
	m := store.NewManager(t.TempDir())
	defer m.CloseAll()
	ctx := context.Background()

	// Fabricate a legacy store: _admins with the old last_active column
	// and no last_seen_at.
	adapter, err := m.ControlPlane()
	if err != nil {
		t.Fatalf("ControlPlane failed: %v", err)
	}
	_, err = adapter.Execute(ctx, `
		CREATE TABLE _admins (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT,
			last_active TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("creating legacy table failed: %v", err)
	}
	_, err = adapter.Execute(ctx, `
		INSERT INTO _admins (id, username, email, password_hash, last_active, created_at, updated_at)
		VALUES ('a1', 'admin', 'a@localhost', 'hash', '2024-01-02T03:04:05Z', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')
	`)
	if err != nil {
		t.Fatalf("inserting legacy row failed: %v", err)
	}

	svc := New(m, Seed{AdminPassword: "pw"})
	if err := svc.EnsureControlPlane(ctx); err != nil {
		t.Fatalf("EnsureControlPlane failed: %v", err)
	}

	row, err := adapter.QueryOne(ctx, `SELECT last_seen_at FROM _admins WHERE id = 'a1'`)
	if err != nil {
		t.Fatalf("reading migrated row failed: %v", err)
	}
	if row["last_seen_at"] != "2024-01-02T03:04:05Z" {
		t.Errorf("last_seen_at = %v, want backfilled legacy value", row["last_seen_at"])
	}
}

func TestEnsureTenant_CreatesSchema(t *testing.T) {
	m := store.NewManager(t.TempDir())
	defer m.CloseAll()
	ctx := context.Background()

	svc := New(m, Seed{AdminPassword: "pw"})
	if err := svc.EnsureTenant(ctx, "p1"); err != nil {
		t.Fatalf("EnsureTenant failed: %v", err)
	}
	if got := svc.State("p1"); got != StateReady {
		t.Errorf("state = %v, want StateReady", got)
	}

	adapter, err := m.Tenant("p1")
	if err != nil {
		t.Fatalf("Tenant failed: %v", err)
	}
	if _, err := adapter.Execute(ctx,
		`INSERT INTO documents (id, project_id, data, created_at, updated_at)
		 VALUES ('d1', 'p1', '{}', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert into bootstrapped tenant failed: %v", err)
	}
}

func TestEnsureTenant_DistinctTenantsIndependent(t *testing.T) {
	m := store.NewManager(t.TempDir())
	defer m.CloseAll()
	ctx := context.Background()
	svc := New(m, Seed{AdminPassword: "pw"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = svc.EnsureTenant(ctx, id)
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("tenant bootstrap %d failed: %v", i, err)
		}
	}
	if svc.State("p1") != StateReady || svc.State("p2") != StateReady {
		t.Error("both tenants should be Ready")
	}
}
