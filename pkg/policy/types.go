package policy

import (
	"strings"
	"time"

	"github.com/openfroyo/unitctl/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityCritical violations always block the apply.
	SeverityCritical Severity = "critical"

	// SeverityHigh violations always block the apply.
	SeverityHigh Severity = "high"

	// SeverityMedium violations are advisory.
	SeverityMedium Severity = "medium"

	// SeverityLow violations are advisory.
	SeverityLow Severity = "low"

	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"
)

// Blocking reports whether a violation of this severity stops an apply.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// normalizeSeverity lower-cases s and maps common aliases.
func normalizeSeverity(s string) Severity {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "error":
		return SeverityHigh
	case "warning", "warn":
		return SeverityMedium
	default:
		return Severity(v)
	}
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a `deny` set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}

// UnitInput is the unit as seen by policies under input.unit.
type UnitInput struct {
	ID          string `json:"id"`
	Account     string `json:"account"`
	AccountID   string `json:"account_id,omitempty"`
	Region      string `json:"region"`
	Project     string `json:"project"`
	Environment string `json:"environment"`
	ConfigPath  string `json:"config_path"`
}

// Input is the document policies evaluate. input.plan is the plan document
// as produced by `show -json`.
type Input struct {
	Unit UnitInput   `json:"unit"`
	Plan interface{} `json:"plan"`
}

func unitInput(u *engine.DeploymentUnit) UnitInput {
	return UnitInput{
		ID:          u.ID,
		Account:     u.AccountName,
		AccountID:   u.AccountID,
		Region:      u.Region,
		Project:     u.Project,
		Environment: string(u.Environment),
		ConfigPath:  u.ConfigPath,
	}
}

// IsBlocking applies the gate rule: any critical or high violation blocks,
// and so does a failed verdict without violations.
func IsBlocking(v *engine.PolicyVerdict) bool {
	if v == nil {
		return false
	}
	for _, viol := range v.Violations {
		if normalizeSeverity(viol.Severity).Blocking() {
			return true
		}
	}
	return !v.Passed && len(v.Violations) == 0
}
