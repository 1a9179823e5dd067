package engine

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// DeploymentUnit is one configuration file targeting one account, region and project.
type DeploymentUnit struct {
	// ID is the stable identifier of the unit. It is the normalized config path.
	ID string `json:"id" validate:"required"`

	// AccountName is the account directory name.
	AccountName string `json:"account_name" validate:"required"`

	// AccountID is the 12-digit account identifier from the registry.
	AccountID string `json:"account_id,omitempty"`

	// AccountResolved is false when the registry had no entry for AccountName.
	AccountResolved bool `json:"account_resolved"`

	// Region is the region directory name.
	Region string `json:"region" validate:"required"`

	// Project is the project directory name.
	Project string `json:"project" validate:"required"`

	// ConfigPath is the config file path relative to the repository root.
	ConfigPath string `json:"config_path" validate:"required"`

	// Dir is the directory holding the config file, used as the tool working directory.
	Dir string `json:"dir" validate:"required"`

	// Environment is the resolved deployment tier.
	Environment Environment `json:"environment" validate:"required"`

	// EnvironmentSource records how Environment was resolved (config, registry, name, default).
	EnvironmentSource string `json:"environment_source"`

	// Services is the sorted, deduplicated set of services declared in the config.
	Services []string `json:"services,omitempty"`

	// ResourceNames maps a service to the first resource name declared for it.
	ResourceNames map[string]string `json:"resource_names,omitempty"`

	// ResourceLabels maps a service with no declared name to its first block label.
	ResourceLabels map[string]string `json:"resource_labels,omitempty"`

	// Declared holds the facts declared inside the config file itself.
	Declared DeclaredFacts `json:"declared"`

	// Warnings are non-fatal notes collected while building the unit.
	Warnings []string `json:"warnings,omitempty"`
}

// DeclaredFacts are the account and region facts a config file claims for itself.
type DeclaredFacts struct {
	AccountID   string   `json:"account_id,omitempty"`
	AccountName string   `json:"account_name,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Regions     []string `json:"regions,omitempty"`
	Fields      []string `json:"fields,omitempty"`
}

// ConfigFile returns the base name of the unit's config file.
func (u *DeploymentUnit) ConfigFile() string {
	return path.Base(u.ConfigPath)
}

// ConfigStem returns the config file name without its extension.
func (u *DeploymentUnit) ConfigStem() string {
	name := u.ConfigFile()
	return strings.TrimSuffix(name, path.Ext(name))
}

// HasField reports whether the config declares a top-level field.
func (u *DeploymentUnit) HasField(name string) bool {
	for _, f := range u.Declared.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// BackendKey is the remote state storage path of a unit.
type BackendKey string

// String returns the key as a plain string.
func (k BackendKey) String() string {
	return string(k)
}

// ValidationIssue is one finding of a pre-flight check.
type ValidationIssue struct {
	Check    string        `json:"check"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
	Line     int           `json:"line,omitempty"`
}

// ValidationReport is the outcome of validating a single unit.
type ValidationReport struct {
	// UnitID is the validated unit.
	UnitID string `json:"unit_id"`

	// Passed is true iff Errors is empty.
	Passed bool `json:"passed"`

	// Errors are blocking findings.
	Errors []ValidationIssue `json:"errors"`

	// Warnings are advisory findings.
	Warnings []ValidationIssue `json:"warnings"`

	// ChecksRun lists the checks that executed, in order.
	ChecksRun []string `json:"checks_run"`

	// ValidatedAt is when validation finished.
	ValidatedAt time.Time `json:"validated_at"`
}

// AddError appends a blocking finding.
func (r *ValidationReport) AddError(check, message string, line int) {
	r.Errors = append(r.Errors, ValidationIssue{Check: check, Severity: IssueError, Message: message, Line: line})
	r.Passed = false
}

// AddWarning appends an advisory finding.
func (r *ValidationReport) AddWarning(check, message string, line int) {
	r.Warnings = append(r.Warnings, ValidationIssue{Check: check, Severity: IssueWarning, Message: message, Line: line})
}

// ResourceDiff counts the planned resource changes.
type ResourceDiff struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Destroy int `json:"destroy"`
	Replace int `json:"replace"`
}

// IsEmpty reports whether no resource would change.
func (d ResourceDiff) IsEmpty() bool {
	return d.Create == 0 && d.Update == 0 && d.Destroy == 0 && d.Replace == 0
}

// DriftReport summarizes out-of-band changes found by the pre-apply plan.
type DriftReport struct {
	Status    DriftStatus `json:"status"`
	Resources []string    `json:"resources,omitempty"`
}

// ExecutionResult is the outcome of one plan or apply of one unit.
type ExecutionResult struct {
	// UnitID is the executed unit.
	UnitID string `json:"unit_id"`

	// BackendKey is the state key the tool was initialized with.
	BackendKey BackendKey `json:"backend_key"`

	// Action is plan or apply.
	Action Action `json:"action"`

	// State is the terminal state of the retry state machine.
	State ExecState `json:"state"`

	// Success is true iff State is SUCCESS.
	Success bool `json:"success"`

	// ReturnCode is the exit code of the last tool invocation.
	ReturnCode int `json:"return_code"`

	// Changed is true when the plan contained changes.
	Changed bool `json:"changed"`

	// Diff counts the planned changes.
	Diff ResourceDiff `json:"resource_diff"`

	// DestructiveChanges lists addresses that would be destroyed or replaced.
	DestructiveChanges []string `json:"destructive_changes,omitempty"`

	// Drift is set for apply runs.
	Drift *DriftReport `json:"drift,omitempty"`

	// AttemptCount is the number of attempts made.
	AttemptCount int `json:"attempt_count"`

	// Duration is the wall time of the whole execution including backoff.
	Duration time.Duration `json:"duration"`

	// ErrorClassification is empty on success.
	ErrorClassification ErrorClass `json:"error_classification,omitempty"`

	// ErrorCode is the engine error code of the final failure.
	ErrorCode string `json:"error_code,omitempty"`

	// Error is the final failure message.
	Error string `json:"error,omitempty"`

	// Output is the tail of the last tool output.
	Output string `json:"output,omitempty"`

	// Warnings are non-blocking notes such as destructive changes outside production.
	Warnings []string `json:"warnings,omitempty"`

	// Policy is the verdict on the plan an apply was about to execute.
	Policy *PolicyVerdict `json:"policy,omitempty"`

	// Backup is the state snapshot taken before apply, if any.
	Backup *StateBackupRecord `json:"backup,omitempty"`

	// Restored is true when state was rolled back after a failed apply.
	Restored bool `json:"restored"`

	// PlanJSON is the machine-readable plan used for policy evaluation.
	PlanJSON json.RawMessage `json:"-"`

	// StartedAt is when execution started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution finished.
	CompletedAt time.Time `json:"completed_at"`
}

// StateBackupRecord describes a snapshot of remote state taken before an apply.
type StateBackupRecord struct {
	// ID is the unique identifier of the snapshot.
	ID string `json:"id"`

	// BackendKey is the state key that was snapshotted.
	BackendKey BackendKey `json:"backend_key"`

	// SnapshotLocation is where the copy lives in the state store.
	SnapshotLocation string `json:"snapshot_location"`

	// Empty is true when no prior state existed; restoring it is a no-op.
	Empty bool `json:"empty"`

	// Checksum is the SHA-256 of the snapshotted bytes.
	Checksum string `json:"checksum,omitempty"`

	// Size is the snapshot size in bytes.
	Size int64 `json:"size"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// RestoredAt is set once the snapshot has been restored.
	RestoredAt *time.Time `json:"restored_at,omitempty"`
}

// Violation is a single policy finding.
type Violation struct {
	Policy          string `json:"policy,omitempty"`
	Severity        string `json:"severity"`
	Message         string `json:"message"`
	ResourceAddress string `json:"resource_address,omitempty"`
}

// PolicyVerdict is the outcome of evaluating a plan against policies.
type PolicyVerdict struct {
	UnitID      string      `json:"unit_id"`
	Passed      bool        `json:"passed"`
	Blocking    bool        `json:"blocking"`
	Violations  []Violation `json:"violations"`
	Source      string      `json:"source"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Reason summarizes why the verdict blocks.
func (v *PolicyVerdict) Reason() string {
	if len(v.Violations) == 0 {
		return "policy gate failed without violations (" + v.Source + ")"
	}
	msgs := make([]string, 0, len(v.Violations))
	for _, viol := range v.Violations {
		msgs = append(msgs, fmt.Sprintf("%s [%s] %s", viol.Policy, viol.Severity, viol.Message))
	}
	return "policy violations: " + strings.Join(msgs, "; ")
}

// UnitOutcome aggregates everything that happened to one unit in a run.
type UnitOutcome struct {
	Unit       *DeploymentUnit   `json:"unit"`
	BackendKey BackendKey        `json:"backend_key"`
	Status     UnitStatus        `json:"status"`
	Validation *ValidationReport `json:"validation,omitempty"`
	Plan       *ExecutionResult  `json:"plan,omitempty"`
	Policy     *PolicyVerdict    `json:"policy,omitempty"`
	Apply      *ExecutionResult  `json:"apply,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// RunSummary counts unit outcomes.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Invalid   int `json:"invalid"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Skipped   int `json:"skipped"`
}

// Add counts one outcome.
func (s *RunSummary) Add(status UnitStatus) {
	s.Total++
	switch status {
	case UnitStatusSucceeded:
		s.Succeeded++
	case UnitStatusInvalid:
		s.Invalid++
	case UnitStatusFailed:
		s.Failed++
	case UnitStatusBlocked:
		s.Blocked++
	case UnitStatusSkipped:
		s.Skipped++
	}
}

// Status derives the run status from the counts.
func (s RunSummary) Status() RunStatus {
	switch {
	case s.Total == s.Succeeded:
		return RunStatusSucceeded
	case s.Succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}
