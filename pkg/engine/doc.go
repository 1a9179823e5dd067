// Package engine provides the core types and the execution machinery of unitctl.
//
// # Overview
//
// unitctl applies infrastructure configuration changes across many deployment
// units. A unit is one variable file targeting one account, region and project.
// A run moves every affected unit through the same stages:
//
//  1. Discover - map changed files to units (package discovery)
//  2. Key - derive the remote state key of each unit (package backend)
//  3. Validate - run local pre-flight checks (package validate)
//  4. Plan - run the infrastructure tool in plan mode (Executor)
//  5. Policy - evaluate the plan document (PolicyGate)
//  6. Apply - back up state, apply, roll back on failure (Executor, StateBackuper)
//  7. Audit - record redacted and full views of every step (package audit)
//
// # Core Domain Types
//
//   - DeploymentUnit: the atomic unit of provisioning
//   - BackendKey: the remote state address of a unit
//   - ValidationReport: errors and warnings of pre-flight checks
//   - ExecutionResult: the outcome of one plan or apply
//   - StateBackupRecord: a snapshot of state taken before an apply
//   - PolicyVerdict: the outcome of the policy gate
//
// # Execution
//
// Executor runs one action for one unit. Each attempt initializes the tool
// with the unit's backend key, plans, reads the plan document and, for apply,
// backs up state and applies the saved plan. Attempts are driven by the pure
// Transition function:
//
//	INIT -> RUNNING -> SUCCESS
//	                -> RETRYABLE_FAILURE -> RUNNING
//	                -> PERMANENT_FAILURE
//	                -> BLOCKED
//
// Plans that destroy or replace resources in a production unit end in BLOCKED
// and are never retried.
//
// # Error Classification
//
// Errors are classified for retry and escalation:
//
//   - Transient: throttling, timeouts, connection resets; retried with backoff
//   - Permanent: everything else, exhausted retries and the overall timeout
//   - Blocked: refused by the deletion-protection gate
//   - Fatal: a failed apply whose state could not be restored
//
//	if errors.Is(err, ErrRestoreFailed) {
//	    // state may not match reality, stop and page a human
//	}
//
// # Scheduling
//
// Scheduler partitions units by backend key. Partitions run in parallel on a
// bounded pool, units of one partition run one after another.
package engine
