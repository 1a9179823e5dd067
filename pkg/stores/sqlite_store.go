package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/unitctl/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, command, dry_run, changed_paths, status, summary, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	paths, err := json.Marshal(nonNil(run.ChangedPaths))
	if err != nil {
		return fmt.Errorf("failed to encode changed paths: %w", err)
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Command,
		run.DryRun,
		string(paths),
		string(run.Status),
		string(summary),
		run.Error,
		run.StartedAt.UTC(),
		utcPtr(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun records the final status and summary of a run
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status engine.RunStatus, summary engine.RunSummary, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, summary = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, string(status), string(data), errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

const runColumns = `id, command, dry_run, changed_paths, status, summary, error, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run     Run
		status  string
		paths   string
		summary string
	)
	err := row.Scan(
		&run.ID,
		&run.Command,
		&run.DryRun,
		&paths,
		&status,
		&summary,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = engine.RunStatus(status)
	if err := json.Unmarshal([]byte(paths), &run.ChangedPaths); err != nil {
		return nil, fmt.Errorf("failed to decode changed paths of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary of run %s: %w", run.ID, err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// SaveUnitResult stores the execution result of one unit
func (s *SQLiteStore) SaveUnitResult(ctx context.Context, runID string, result *engine.ExecutionResult) error {
	query := `
		INSERT INTO unit_results (
			run_id, unit_id, backend_key, action, state, error_class, error_code,
			attempt_count, duration_ms, result, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query,
		runID,
		result.UnitID,
		result.BackendKey.String(),
		string(result.Action),
		string(result.State),
		string(result.ErrorClassification),
		result.ErrorCode,
		result.AttemptCount,
		result.Duration.Milliseconds(),
		string(data),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save unit result: %w", err)
	}

	return nil
}

// ListUnitResults lists the results of a run in insertion order
func (s *SQLiteStore) ListUnitResults(ctx context.Context, runID string) ([]*UnitResult, error) {
	query := `
		SELECT id, run_id, result, created_at
		FROM unit_results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unit results: %w", err)
	}
	defer rows.Close()

	results := []*UnitResult{}
	for rows.Next() {
		var (
			ur   UnitResult
			data string
		)
		if err := rows.Scan(&ur.ID, &ur.RunID, &data, &ur.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unit result: %w", err)
		}
		ur.Result = &engine.ExecutionResult{}
		if err := json.Unmarshal([]byte(data), ur.Result); err != nil {
			return nil, fmt.Errorf("failed to decode unit result %d: %w", ur.ID, err)
		}
		results = append(results, &ur)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit results: %w", err)
	}

	return results, nil
}

// SaveAuditRecord stores a full audit record
func (s *SQLiteStore) SaveAuditRecord(ctx context.Context, rec *AuditRecord) error {
	query := `
		INSERT INTO audit_records (id, run_id, unit_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.RunID,
		rec.UnitID,
		rec.Kind,
		rec.Payload,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save audit record: %w", err)
	}

	return nil
}

// ListAuditRecords lists the audit records of a run, oldest first
func (s *SQLiteStore) ListAuditRecords(ctx context.Context, runID string) ([]*AuditRecord, error) {
	query := `
		SELECT id, run_id, unit_id, kind, payload, created_at
		FROM audit_records
		WHERE run_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	records := []*AuditRecord{}
	for rows.Next() {
		rec := &AuditRecord{}
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.UnitID, &rec.Kind, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}

// SaveBackup inserts or updates a state backup record
func (s *SQLiteStore) SaveBackup(ctx context.Context, rec *engine.StateBackupRecord) error {
	query := `
		INSERT INTO state_backups (id, backend_key, snapshot_location, empty, checksum, size, taken_at, restored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			restored_at = excluded.restored_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.BackendKey.String(),
		rec.SnapshotLocation,
		rec.Empty,
		rec.Checksum,
		rec.Size,
		rec.Timestamp.UTC(),
		utcPtr(rec.RestoredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save backup record: %w", err)
	}

	return nil
}

const backupColumns = `id, backend_key, snapshot_location, empty, checksum, size, taken_at, restored_at`

func scanBackup(row rowScanner) (*engine.StateBackupRecord, error) {
	var (
		rec engine.StateBackupRecord
		key string
	)
	err := row.Scan(
		&rec.ID,
		&key,
		&rec.SnapshotLocation,
		&rec.Empty,
		&rec.Checksum,
		&rec.Size,
		&rec.Timestamp,
		&rec.RestoredAt,
	)
	if err != nil {
		return nil, err
	}
	rec.BackendKey = engine.BackendKey(key)
	return &rec, nil
}

// GetBackup retrieves a backup record by ID
func (s *SQLiteStore) GetBackup(ctx context.Context, id string) (*engine.StateBackupRecord, error) {
	query := `SELECT ` + backupColumns + ` FROM state_backups WHERE id = ?`

	rec, err := scanBackup(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}

	return rec, nil
}

// ListBackups lists the backups of a backend key, oldest first
func (s *SQLiteStore) ListBackups(ctx context.Context, key engine.BackendKey) ([]*engine.StateBackupRecord, error) {
	query := `SELECT ` + backupColumns + ` FROM state_backups WHERE backend_key = ? ORDER BY taken_at ASC`

	rows, err := s.db.QueryContext(ctx, query, key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	recs := []*engine.StateBackupRecord{}
	for rows.Next() {
		rec, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backups: %w", err)
	}

	return recs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
