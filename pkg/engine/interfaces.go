package engine

import (
	"context"
	"time"
)

// StateBackuper snapshots remote state before an apply and rolls it back after
// a failed one.
type StateBackuper interface {
	// Backup copies the current state stored under key to a new snapshot.
	// A key without prior state yields an Empty record.
	Backup(ctx context.Context, key BackendKey) (*StateBackupRecord, error)

	// Restore writes the snapshot back to its key. It returns false when
	// there was nothing to restore.
	Restore(ctx context.Context, rec *StateBackupRecord) (bool, error)

	// Changed reports whether the current state differs from the snapshot.
	Changed(ctx context.Context, rec *StateBackupRecord) (bool, error)
}

// PolicyGate evaluates a plan document against organisational policy.
type PolicyGate interface {
	// Evaluate returns the verdict for the plan of unit. The error is
	// reserved for failures to run the evaluation at all.
	Evaluate(ctx context.Context, unit *DeploymentUnit, planJSON []byte) (*PolicyVerdict, error)
}

// Sleeper waits between retry attempts.
type Sleeper interface {
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f(ctx, d).
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// RealSleeper sleeps on a timer.
var RealSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
})

// Observer receives execution events for metrics.
type Observer interface {
	// ExecutionFinished is called once per Execute with the final result.
	ExecutionFinished(result *ExecutionResult)

	// RetryScheduled is called before each backoff wait.
	RetryScheduled(action Action, delay time.Duration)

	// BackupTaken is called after a successful snapshot.
	BackupTaken(rec *StateBackupRecord)

	// RestoreAttempted is called after every rollback attempt.
	RestoreAttempted(ok bool)
}

type nopObserver struct{}

func (nopObserver) ExecutionFinished(*ExecutionResult)    {}
func (nopObserver) RetryScheduled(Action, time.Duration) {}
func (nopObserver) BackupTaken(*StateBackupRecord)       {}
func (nopObserver) RestoreAttempted(bool)                {}
