package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/orchestrator"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, report *orchestrator.RunReport, artifactsDir string) error {
	if jsonOutput {
		return printJSON(w, report)
	}

	if report.Discovery != nil {
		for _, warn := range report.Discovery.Warnings {
			fmt.Fprintf(w, "warning: %s: %s\n", warn.Path, warn.Message)
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tENVIRONMENT\tBACKEND KEY\tSTATUS\tDETAIL")
	for _, oc := range report.Outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", oc.Unit.ID, oc.Unit.Environment, oc.BackendKey, oc.Status, outcomeDetail(oc))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := report.Summary
	fmt.Fprintf(w, "\nrun %s %s: %d units, %d succeeded, %d invalid, %d failed, %d blocked, %d skipped\n",
		report.RunID, report.Status, s.Total, s.Succeeded, s.Invalid, s.Failed, s.Blocked, s.Skipped)
	fmt.Fprintf(w, "artifacts: %s\n", filepath.Join(artifactsDir, report.RunID))
	for _, warn := range report.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if report.Error != "" {
		fmt.Fprintf(w, "error: %s\n", report.Error)
	}
	return nil
}

// outcomeDetail is the one-line explanation shown next to a unit.
func outcomeDetail(oc *engine.UnitOutcome) string {
	if oc.Reason != "" {
		return oc.Reason
	}
	res := oc.Apply
	if res == nil {
		res = oc.Plan
	}
	if res == nil {
		return ""
	}
	d := res.Diff
	detail := fmt.Sprintf("%s: +%d ~%d -%d -/+%d", res.Action, d.Create, d.Update, d.Destroy, d.Replace)
	if res.Drift != nil && res.Drift.Status == engine.DriftStatusDrifted {
		detail += fmt.Sprintf(" (drift: %d resources)", len(res.Drift.Resources))
	}
	return detail
}
