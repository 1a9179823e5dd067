package audit

import (
	"regexp"
	"strings"

	"github.com/openfroyo/unitctl/pkg/engine"
)

var (
	arnPattern       = regexp.MustCompile(`arn:aws[a-zA-Z-]*:[^\s"',]+`)
	accessKeyPattern = regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)
	accountPattern   = regexp.MustCompile(`\b\d{12}\b`)
	secretPattern    = regexp.MustCompile(`(?i)\b([a-z_]*(?:password|secret|token)[a-z_]*)(\s*[=:]\s*)("?)[^\s",]+`)
)

const (
	redactedARN       = "arn:aws:[REDACTED]"
	redactedAccessKey = "[REDACTED_ACCESS_KEY]"
	redactedSecret    = "[REDACTED]"
)

// MaskAccountID keeps the last four characters of an account identifier.
func MaskAccountID(id string) string {
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}

// Scrub masks ARNs, access keys, account numbers and secret assignments in s.
func Scrub(s string) string {
	if s == "" {
		return s
	}
	s = arnPattern.ReplaceAllString(s, redactedARN)
	s = accessKeyPattern.ReplaceAllString(s, redactedAccessKey)
	s = secretPattern.ReplaceAllString(s, "${1}${2}${3}"+redactedSecret)
	s = accountPattern.ReplaceAllStringFunc(s, MaskAccountID)
	return s
}

func scrubAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = Scrub(s)
	}
	return out
}

// Redact returns a deep copy of r with sensitive values masked. The copy has
// exactly the fields of r; only values differ.
func (r *Record) Redact() *Record {
	out := *r
	out.Unit = UnitView{
		ID:          Scrub(r.Unit.ID),
		AccountName: r.Unit.AccountName,
		AccountID:   MaskAccountID(r.Unit.AccountID),
		Region:      r.Unit.Region,
		Project:     r.Unit.Project,
		Environment: r.Unit.Environment,
		ConfigPath:  Scrub(r.Unit.ConfigPath),
		BackendKey:  engine.BackendKey(Scrub(r.Unit.BackendKey.String())),
	}
	out.Validation = redactValidation(r.Validation)
	out.Execution = redactExecution(r.Execution)
	out.Policy = redactPolicy(r.Policy)
	return &out
}

func redactIssues(in []engine.ValidationIssue) []engine.ValidationIssue {
	if in == nil {
		return nil
	}
	out := make([]engine.ValidationIssue, len(in))
	for i, issue := range in {
		issue.Message = Scrub(issue.Message)
		out[i] = issue
	}
	return out
}

func redactValidation(v *engine.ValidationReport) *engine.ValidationReport {
	if v == nil {
		return nil
	}
	out := *v
	out.Errors = redactIssues(v.Errors)
	out.Warnings = redactIssues(v.Warnings)
	if v.ChecksRun != nil {
		out.ChecksRun = append([]string(nil), v.ChecksRun...)
	}
	return &out
}

func redactExecution(e *engine.ExecutionResult) *engine.ExecutionResult {
	if e == nil {
		return nil
	}
	out := *e
	out.BackendKey = engine.BackendKey(Scrub(e.BackendKey.String()))
	out.Error = Scrub(e.Error)
	out.Output = Scrub(e.Output)
	out.Warnings = scrubAll(e.Warnings)
	out.DestructiveChanges = scrubAll(e.DestructiveChanges)
	out.PlanJSON = nil
	if e.Drift != nil {
		drift := *e.Drift
		drift.Resources = scrubAll(e.Drift.Resources)
		out.Drift = &drift
	}
	if e.Backup != nil {
		backup := *e.Backup
		backup.BackendKey = engine.BackendKey(Scrub(e.Backup.BackendKey.String()))
		backup.SnapshotLocation = Scrub(e.Backup.SnapshotLocation)
		if e.Backup.RestoredAt != nil {
			t := *e.Backup.RestoredAt
			backup.RestoredAt = &t
		}
		out.Backup = &backup
	}
	return &out
}

func redactPolicy(p *engine.PolicyVerdict) *engine.PolicyVerdict {
	if p == nil {
		return nil
	}
	out := *p
	if p.Violations != nil {
		out.Violations = make([]engine.Violation, len(p.Violations))
		for i, v := range p.Violations {
			v.Message = Scrub(v.Message)
			v.ResourceAddress = Scrub(v.ResourceAddress)
			out.Violations[i] = v
		}
	}
	return &out
}
