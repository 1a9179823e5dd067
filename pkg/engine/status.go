package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunStatus represents the overall status of an orchestration run.
type RunStatus string

const (
	// RunStatusPending indicates the run is recorded but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every unit passed every stage.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no unit succeeded, or a fatal error occurred.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was interrupted.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some units succeeded and some did not.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// Environment is the deployment tier of a unit.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

// Validate checks if the environment is valid.
func (e Environment) Validate() error {
	switch e {
	case EnvironmentDevelopment, EnvironmentStaging, EnvironmentProduction:
		return nil
	default:
		return fmt.Errorf("invalid environment: %s", e)
	}
}

// IsProduction reports whether destructive changes require human review.
func (e Environment) IsProduction() bool {
	return e == EnvironmentProduction
}

// ParseEnvironment normalizes common spellings (prod, dev, stage...) to an Environment.
func ParseEnvironment(s string) (Environment, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev":
		return EnvironmentDevelopment, true
	case "staging", "stage", "stg":
		return EnvironmentStaging, true
	case "production", "prod", "prd":
		return EnvironmentProduction, true
	default:
		return "", false
	}
}

// Action is the tool operation requested for a unit.
type Action string

const (
	ActionPlan  Action = "plan"
	ActionApply Action = "apply"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionPlan, ActionApply:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// ExecState is a state of the per-unit retry state machine.
type ExecState string

const (
	ExecStateInit             ExecState = "INIT"
	ExecStateRunning          ExecState = "RUNNING"
	ExecStateSuccess          ExecState = "SUCCESS"
	ExecStateRetryableFailure ExecState = "RETRYABLE_FAILURE"
	ExecStatePermanentFailure ExecState = "PERMANENT_FAILURE"
	ExecStateBlocked          ExecState = "BLOCKED"
)

// IsTerminal returns true if no further transitions are possible.
func (s ExecState) IsTerminal() bool {
	return s == ExecStateSuccess || s == ExecStatePermanentFailure || s == ExecStateBlocked
}

// Validate checks if the state is valid.
func (s ExecState) Validate() error {
	switch s {
	case ExecStateInit, ExecStateRunning, ExecStateSuccess,
		ExecStateRetryableFailure, ExecStatePermanentFailure, ExecStateBlocked:
		return nil
	default:
		return fmt.Errorf("invalid execution state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecState(str)
	return s.Validate()
}

// DriftStatus represents the drift detection status of a unit.
type DriftStatus string

const (
	// DriftStatusInSync indicates remote state matches recorded state.
	DriftStatusInSync DriftStatus = "in_sync"

	// DriftStatusDrifted indicates resources changed outside of the tool.
	DriftStatusDrifted DriftStatus = "drifted"

	// DriftStatusUnknown indicates drift status could not be determined.
	DriftStatusUnknown DriftStatus = "unknown"
)

// Validate checks if the drift status is valid.
func (s DriftStatus) Validate() error {
	switch s {
	case DriftStatusInSync, DriftStatusDrifted, DriftStatusUnknown:
		return nil
	default:
		return fmt.Errorf("invalid drift status: %s", s)
	}
}

// IssueSeverity distinguishes validation errors from warnings.
type IssueSeverity string

const (
	IssueError   IssueSeverity = "error"
	IssueWarning IssueSeverity = "warning"
)

// UnitStatus is the overall outcome of a unit within a run.
type UnitStatus string

const (
	UnitStatusSucceeded UnitStatus = "succeeded"
	UnitStatusInvalid   UnitStatus = "invalid"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusBlocked   UnitStatus = "blocked"
	UnitStatusSkipped   UnitStatus = "skipped"
)

// IsSuccess reports whether the unit counts toward a zero exit status.
func (s UnitStatus) IsSuccess() bool {
	return s == UnitStatusSucceeded
}
