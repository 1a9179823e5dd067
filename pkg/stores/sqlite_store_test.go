package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/unitctl/pkg/engine"
)

// setupTestStore creates a migrated SQLite store in a temporary directory
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "unitctl.db"),
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

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) {
	t.Helper()
	err := store.CreateRun(context.Background(), &Run{
		ID:           id,
		Command:      "apply",
		ChangedPaths: []string{"deployments/acme-dev/us-east-1/payments/terraform.tfvars"},
		Status:       engine.RunStatusRunning,
		StartedAt:    startedAt,
	})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate in-memory store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests that migrations create every table and are idempotent
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	for _, table := range []string{"runs", "unit_results", "audit_records", "state_backups"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestRunLifecycle tests creating, finishing and listing runs
func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	createTestRun(t, store, "run-1", base)
	createTestRun(t, store, "run-2", base.Add(time.Minute))

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Command != "apply" || run.Status != engine.RunStatusRunning || run.CompletedAt != nil {
		t.Errorf("run = %+v", run)
	}
	if len(run.ChangedPaths) != 1 {
		t.Errorf("ChangedPaths = %v", run.ChangedPaths)
	}
	if !run.StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, base)
	}

	summary := engine.RunSummary{Total: 2, Succeeded: 1, Blocked: 1}
	msg := "1 unit blocked"
	if err := store.FinishRun(ctx, "run-1", engine.RunStatusPartial, summary, &msg); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	run, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != engine.RunStatusPartial || run.Summary != summary {
		t.Errorf("finished run = %+v", run)
	}
	if run.CompletedAt == nil || run.Error == nil || *run.Error != msg {
		t.Errorf("completion fields not set: %+v", run)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Errorf("ListRuns() = %d runs, first %s", len(runs), runs[0].ID)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.FinishRun(ctx, "missing", engine.RunStatusFailed, engine.RunSummary{}, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun(missing) error = %v, want ErrNotFound", err)
	}
}

// TestUnitResults tests storing execution results per run
func TestUnitResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-1", time.Now())

	results := []*engine.ExecutionResult{
		{
			UnitID:       "u1",
			BackendKey:   "acme-dev/us-east-1/s3/logs/logs.tfstate",
			Action:       engine.ActionPlan,
			State:        engine.ExecStateSuccess,
			Success:      true,
			Changed:      true,
			Diff:         engine.ResourceDiff{Create: 1},
			AttemptCount: 1,
			Duration:     1500 * time.Millisecond,
		},
		{
			UnitID:              "u2",
			BackendKey:          "acme-prod/us-east-1/s3/logs/logs.tfstate",
			Action:              engine.ActionApply,
			State:               engine.ExecStateBlocked,
			ErrorClassification: engine.ErrorClassBlocked,
			ErrorCode:           engine.ErrCodeDestructiveChange,
			DestructiveChanges:  []string{"aws_s3_bucket.logs"},
			AttemptCount:        1,
		},
	}
	for _, r := range results {
		if err := store.SaveUnitResult(ctx, "run-1", r); err != nil {
			t.Fatalf("SaveUnitResult() error = %v", err)
		}
	}

	got, err := store.ListUnitResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListUnitResults() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results", len(got))
	}
	if got[0].Result.UnitID != "u1" || got[0].Result.Diff.Create != 1 || got[0].Result.Duration != 1500*time.Millisecond {
		t.Errorf("first result = %+v", got[0].Result)
	}
	if got[1].Result.State != engine.ExecStateBlocked || got[1].Result.DestructiveChanges[0] != "aws_s3_bucket.logs" {
		t.Errorf("second result = %+v", got[1].Result)
	}

	if err := store.SaveUnitResult(ctx, "no-such-run", results[0]); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

// TestAuditRecords tests storing full audit records
func TestAuditRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, kind := range []string{"validation", "execution"} {
		err := store.SaveAuditRecord(ctx, &AuditRecord{
			ID:        kind + "-1",
			RunID:     "run-1",
			UnitID:    "u1",
			Kind:      kind,
			Payload:   `{"account_id":"123456789012"}`,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("SaveAuditRecord() error = %v", err)
		}
	}

	recs, err := store.ListAuditRecords(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListAuditRecords() error = %v", err)
	}
	if len(recs) != 2 || recs[0].Kind != "validation" || recs[1].Kind != "execution" {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].Payload != `{"account_id":"123456789012"}` {
		t.Errorf("full record payload altered: %s", recs[0].Payload)
	}

	dup := &AuditRecord{ID: "validation-1", RunID: "run-1", UnitID: "u1", Kind: "validation", Payload: "{}", CreatedAt: now}
	if err := store.SaveAuditRecord(ctx, dup); err == nil {
		t.Error("expected duplicate ID to be rejected")
	}
}

// TestBackups tests storing and updating state backup records
func TestBackups(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	key := engine.BackendKey("acme-dev/us-east-1/s3/logs/logs.tfstate")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &engine.StateBackupRecord{
		ID:               "b1",
		BackendKey:       key,
		SnapshotLocation: "backups/acme-dev/us-east-1/s3/logs/logs/1.tfstate",
		Checksum:         "abc",
		Size:             42,
		Timestamp:        base,
	}
	second := &engine.StateBackupRecord{
		ID:               "b2",
		BackendKey:       key,
		SnapshotLocation: "backups/acme-dev/us-east-1/s3/logs/logs/2.tfstate",
		Empty:            true,
		Timestamp:        base.Add(time.Hour),
	}
	for _, r := range []*engine.StateBackupRecord{second, first} {
		if err := store.SaveBackup(ctx, r); err != nil {
			t.Fatalf("SaveBackup() error = %v", err)
		}
	}

	restoredAt := base.Add(2 * time.Hour)
	first.RestoredAt = &restoredAt
	if err := store.SaveBackup(ctx, first); err != nil {
		t.Fatalf("SaveBackup(update) error = %v", err)
	}

	got, err := store.GetBackup(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBackup() error = %v", err)
	}
	if got.BackendKey != key || got.Size != 42 || got.Empty || got.RestoredAt == nil || !got.RestoredAt.Equal(restoredAt) {
		t.Errorf("backup = %+v", got)
	}

	list, err := store.ListBackups(ctx, key)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "b1" || !list[1].Empty {
		t.Errorf("ListBackups() = %+v", list)
	}

	if _, err := store.GetBackup(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBackup(missing) error = %v", err)
	}
}
