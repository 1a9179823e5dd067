package audit

import (
	"time"

	"github.com/openfroyo/unitctl/pkg/engine"
)

// Kind identifies what an audit record describes.
type Kind string

const (
	KindValidation Kind = "validation"
	KindExecution  Kind = "execution"
	KindPolicy     Kind = "policy"
)

// UnitView is the audited subset of a deployment unit.
type UnitView struct {
	ID          string             `json:"id"`
	AccountName string             `json:"account_name"`
	AccountID   string             `json:"account_id"`
	Region      string             `json:"region"`
	Project     string             `json:"project"`
	Environment engine.Environment `json:"environment"`
	ConfigPath  string             `json:"config_path"`
	BackendKey  engine.BackendKey  `json:"backend_key"`
}

// Record is one audit entry. The full record is stored as is; Redact derives
// the shareable view from it.
type Record struct {
	ID         string                   `json:"id"`
	RunID      string                   `json:"run_id"`
	Kind       Kind                     `json:"kind"`
	Unit       UnitView                 `json:"unit"`
	Validation *engine.ValidationReport `json:"validation"`
	Execution  *engine.ExecutionResult  `json:"execution"`
	Policy     *engine.PolicyVerdict    `json:"policy"`
	Timestamp  time.Time                `json:"timestamp"`
}

func newUnitView(u *engine.DeploymentUnit, key engine.BackendKey) UnitView {
	return UnitView{
		ID:          u.ID,
		AccountName: u.AccountName,
		AccountID:   u.AccountID,
		Region:      u.Region,
		Project:     u.Project,
		Environment: u.Environment,
		ConfigPath:  u.ConfigPath,
		BackendKey:  key,
	}
}
