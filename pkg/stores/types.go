package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/unitctl/pkg/engine"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Run is one invocation of discover, validate, plan or apply.
type Run struct {
	ID           string            `json:"id"`
	Command      string            `json:"command"`
	DryRun       bool              `json:"dry_run"`
	ChangedPaths []string          `json:"changed_paths"`
	Status       engine.RunStatus  `json:"status"`
	Summary      engine.RunSummary `json:"summary"`
	Error        *string           `json:"error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// UnitResult is the stored execution result of one unit and action.
type UnitResult struct {
	ID        int64                   `json:"id"`
	RunID     string                  `json:"run_id"`
	Result    *engine.ExecutionResult `json:"result"`
	CreatedAt time.Time               `json:"created_at"`
}

// AuditRecord is a full, unredacted audit record.
type AuditRecord struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	UnitID    string    `json:"unit_id"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status engine.RunStatus, summary engine.RunSummary, errMsg *string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// Unit results
	SaveUnitResult(ctx context.Context, runID string, result *engine.ExecutionResult) error
	ListUnitResults(ctx context.Context, runID string) ([]*UnitResult, error)

	// Audit records
	SaveAuditRecord(ctx context.Context, rec *AuditRecord) error
	ListAuditRecords(ctx context.Context, runID string) ([]*AuditRecord, error)

	// State backups
	SaveBackup(ctx context.Context, rec *engine.StateBackupRecord) error
	GetBackup(ctx context.Context, id string) (*engine.StateBackupRecord, error)
	ListBackups(ctx context.Context, key engine.BackendKey) ([]*engine.StateBackupRecord, error)
}
