// Package telemetry provides logging, tracing and metrics for unitctl.
//
// # Logging
//
// Components take a zerolog.Logger at construction and derive child loggers
// with a "component" field. NewZerolog builds the process logger; Logger adds
// run and unit fields:
//
//	log := telemetry.NewLogger(zlog).WithRunID(runID).WithUnit(unit, key)
//	log.Info("Plan finished")
//
// # Tracing
//
// Every run has a root span and every stage of every unit a child span
// carrying the unit, account, region and backend key. Exporters are none,
// stdout (written to stderr) and otlp over gRPC.
//
// # Metrics
//
// Metrics implements engine.Observer and counts executions, retries,
// backups, restores, validations and policy verdicts. A run is a short
// process, so metrics are written to a textfile on shutdown instead of
// being served:
//
//	tel, _ := telemetry.New(ctx, cfg, os.Stderr)
//	defer tel.Shutdown(ctx)
//
//	exec := engine.NewExecutor(..., engine.WithObserver(tel.Metrics))
//
// Metric names:
//
//	unitctl_runs_completed_total{command,status}
//	unitctl_run_duration_seconds{command}
//	unitctl_units_discovered_total
//	unitctl_discovery_warnings_total
//	unitctl_validations_total{result}
//	unitctl_executions_total{action,state}
//	unitctl_execution_duration_seconds{action}
//	unitctl_retries_total{action}
//	unitctl_drift_detections_total{status}
//	unitctl_errors_by_class_total{class}
//	unitctl_errors_by_code_total{code}
//	unitctl_state_backups_total{empty}
//	unitctl_state_restores_total{result}
//	unitctl_policy_verdicts_total{source,result}
package telemetry
