package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hoistpaas/hoist/pkg/engine"
	"github.com/hoistpaas/hoist/pkg/stores/storetest"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// setupFileStore creates a file-backed store so several connections share it.
func setupFileStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return store
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		return setupFileStore(t, filepath.Join(t.TempDir(), "hoist.db"))
	})
}

func TestSQLiteStoreInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		return setupTestStore(t)
	})
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatalf("health check before Init should fail")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"applications", "deployments", "deployment_events", "certificates", "databases", "external_refs", "leases"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	version, dirty, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("MigrationVersion() = %d dirty=%v, want 2 clean", version, dirty)
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

// TestActiveDeploymentIndex checks the schema itself rejects a second active
// deployment, independently of the store methods.
func TestActiveDeploymentIndex(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	app := &engine.Application{ID: "app-1", ProjectID: "p", Name: "web", DriverID: "memory",
		Status: engine.ApplicationStatusActive, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}

	insert := `INSERT INTO deployments (id, application_id, source_ref, status, queued_at, updated_at)
		VALUES (?, 'app-1', 'sha', ?, ?, ?)`
	ts := formatTime(now)
	if _, err := store.db.ExecContext(ctx, insert, "d1", "building", ts, ts); err != nil {
		t.Fatalf("insert d1: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, insert, "d2", "running", ts, ts); err != nil {
		t.Fatalf("terminal deployment rejected: %v", err)
	}
	_, err := store.db.ExecContext(ctx, insert, "d3", "queued", ts, ts)
	if !isUniqueViolation(err) {
		t.Fatalf("second active deployment error = %v, want unique violation", err)
	}
}

// TestStorePersistsAcrossReopen tests that state and leases survive a restart.
func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hoist.db")
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)

	store := setupFileStore(t, path)
	app := &engine.Application{ID: "app-1", ProjectID: "p", Name: "web", DriverID: "memory",
		Status: engine.ApplicationStatusActive, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}
	dep := &engine.Deployment{ID: "dep-1", ApplicationID: "app-1", SourceRef: "sha",
		Status: engine.DeploymentStatusQueued, QueuedAt: now, UpdatedAt: now}
	if err := store.CreateDeployment(ctx, dep); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}
	if _, err := store.AcquireLease(ctx, engine.ApplicationLeaseKey("app-1"), "node-a", time.Minute, now); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := setupFileStore(t, path)
	defer reopened.Close()

	got, err := reopened.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("GetDeployment() after reopen error = %v", err)
	}
	if got.Status != engine.DeploymentStatusQueued || !got.QueuedAt.Equal(now) {
		t.Errorf("deployment after reopen = %+v", got)
	}
	lease, err := reopened.GetLease(ctx, engine.ApplicationLeaseKey("app-1"))
	if err != nil {
		t.Fatalf("GetLease() after reopen error = %v", err)
	}
	if lease.Holder != "node-a" || !lease.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("lease after reopen = %+v", lease)
	}
}

func TestTimeFormatSortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC)
	b := time.Date(2026, 1, 1, 0, 0, 0, 50, time.UTC)
	if !(formatTime(a) < formatTime(b)) {
		t.Errorf("formatTime(%v) = %s not before %s", a, formatTime(a), formatTime(b))
	}
	parsed, err := parseTime(formatTime(a))
	if err != nil || !parsed.Equal(a) {
		t.Errorf("parseTime(formatTime()) = %v, %v", parsed, err)
	}
}
