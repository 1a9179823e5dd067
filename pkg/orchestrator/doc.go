// Package orchestrator drives one run of unitctl.
//
// A run resolves a change set into deployment units, derives their backend
// keys and then processes every unit through the stages its command asks for:
//
//	discover  discovery and keys only
//	validate  + pre-flight validation
//	plan      + plan and policy gate
//	apply     + apply of units whose plan passed the gate
//
// Units are partitioned by backend key. Partitions run in parallel, units of
// one partition run one after another. A unit that fails never stops other
// units. The only exception is a failed state restore, which stops the rest
// of its partition and fails the run.
//
// Every run writes its artifacts below <artifacts>/<run_id>/:
//
//	units.json                    discovered units and their keys
//	validation/<unit>.json        pre-flight reports
//	results/<unit>-<action>.json  plan and apply results
//	policy/<unit>.json            policy verdicts
//	report.json                   the RunReport
//
// Full audit records and execution results go to the run store, redacted
// audit records to the redacted sink.
package orchestrator
