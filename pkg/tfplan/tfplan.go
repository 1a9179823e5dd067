// Package tfplan reads the machine-readable plan emitted by `show -json`
// and summarizes what an apply would do.
package tfplan

import (
	"encoding/json"
	"fmt"
	"sort"

	tfjson "github.com/hashicorp/terraform-json"
)

// Change is one resource change of interest.
type Change struct {
	Address string   `json:"address"`
	Type    string   `json:"type"`
	Actions []string `json:"actions"`
}

// Summary counts planned changes and lists the destructive and drifted ones.
type Summary struct {
	FormatVersion string `json:"format_version"`

	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	Read    int `json:"read"`
	NoOp    int `json:"no_op"`

	// Destructive lists resources that would be destroyed or replaced.
	Destructive []Change `json:"destructive,omitempty"`

	// Drifted lists resources whose remote state changed outside the tool.
	Drifted []string `json:"drifted,omitempty"`
}

// ChangesPending reports whether applying the plan would modify anything.
func (s *Summary) ChangesPending() bool {
	return s.Create+s.Update+s.Delete+s.Replace > 0
}

// HasDestructive reports whether any resource would be destroyed or replaced.
func (s *Summary) HasDestructive() bool {
	return len(s.Destructive) > 0
}

// DestructiveAddresses returns the addresses of destructive changes.
func (s *Summary) DestructiveAddresses() []string {
	out := make([]string, 0, len(s.Destructive))
	for _, c := range s.Destructive {
		out = append(out, c.Address)
	}
	return out
}

// Parse decodes and validates a plan document.
func Parse(data []byte) (*tfjson.Plan, error) {
	var plan tfjson.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	return &plan, nil
}

// Analyze parses a plan document and summarizes it.
func Analyze(data []byte) (*Summary, error) {
	plan, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Summarize(plan), nil
}

// Summarize counts the resource changes of a parsed plan.
func Summarize(plan *tfjson.Plan) *Summary {
	s := &Summary{FormatVersion: plan.FormatVersion}

	for _, rc := range plan.ResourceChanges {
		if rc == nil || rc.Change == nil {
			continue
		}
		actions := rc.Change.Actions
		switch {
		case actions.Replace():
			s.Replace++
			s.Destructive = append(s.Destructive, changeOf(rc))
		case actions.Delete():
			s.Delete++
			s.Destructive = append(s.Destructive, changeOf(rc))
		case actions.Create():
			s.Create++
		case actions.Update():
			s.Update++
		case actions.Read():
			s.Read++
		default:
			s.NoOp++
		}
	}

	for _, rc := range plan.ResourceDrift {
		if rc == nil {
			continue
		}
		s.Drifted = append(s.Drifted, rc.Address)
	}

	sort.Slice(s.Destructive, func(i, j int) bool {
		return s.Destructive[i].Address < s.Destructive[j].Address
	})
	sort.Strings(s.Drifted)

	return s
}

func changeOf(rc *tfjson.ResourceChange) Change {
	actions := make([]string, 0, len(rc.Change.Actions))
	for _, a := range rc.Change.Actions {
		actions = append(actions, string(a))
	}
	return Change{Address: rc.Address, Type: rc.Type, Actions: actions}
}
