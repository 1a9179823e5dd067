package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openfroyo/unitctl/pkg/engine"
)

// Metrics provides Prometheus metrics for unitctl runs. It implements
// engine.Observer.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Discovery and validation
	unitsDiscovered   prometheus.Counter
	discoveryWarnings prometheus.Counter
	validations       *prometheus.CounterVec

	// Execution
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	driftDetections   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// State
	backups  *prometheus.CounterVec
	restores *prometheus.CounterVec

	// Policy
	policyVerdicts *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: counterVec("runs_completed_total", "Total number of runs completed", "command", "status"),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"command"},
		),

		unitsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_discovered_total",
			Help:      "Total number of deployment units discovered",
		}),
		discoveryWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_warnings_total",
			Help:      "Total number of changed paths that did not resolve to a unit",
		}),
		validations: counterVec("validations_total", "Total number of unit validations", "result"),

		executions: counterVec("executions_total", "Total number of plan and apply executions", "action", "state"),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions including backoff in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		retries:         counterVec("retries_total", "Total number of scheduled retries", "action"),
		driftDetections: counterVec("drift_detections_total", "Total number of pre-apply drift checks", "status"),

		errorsByClass: counterVec("errors_by_class_total", "Total number of failed executions by error class", "class"),
		errorsByCode:  counterVec("errors_by_code_total", "Total number of failed executions by error code", "code"),

		backups:  counterVec("state_backups_total", "Total number of state snapshots taken", "empty"),
		restores: counterVec("state_restores_total", "Total number of state restore attempts", "result"),

		policyVerdicts: counterVec("policy_verdicts_total", "Total number of policy verdicts", "source", "result"),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.unitsDiscovered,
		m.discoveryWarnings,
		m.validations,
		m.executions,
		m.executionDuration,
		m.retries,
		m.driftDetections,
		m.errorsByClass,
		m.errorsByCode,
		m.backups,
		m.restores,
		m.policyVerdicts,
	)

	return m
}

// Registry returns the registry holding all unitctl metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(command string, status engine.RunStatus, duration time.Duration) {
	m.runsCompleted.WithLabelValues(command, string(status)).Inc()
	m.runDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordDiscovery records the outcome of discovery.
func (m *Metrics) RecordDiscovery(units, warnings int) {
	m.unitsDiscovered.Add(float64(units))
	m.discoveryWarnings.Add(float64(warnings))
}

// RecordValidation records one validation report.
func (m *Metrics) RecordValidation(report *engine.ValidationReport) {
	result := "passed"
	if !report.Passed {
		result = "failed"
	}
	m.validations.WithLabelValues(result).Inc()
}

// RecordPolicyVerdict records one policy verdict.
func (m *Metrics) RecordPolicyVerdict(v *engine.PolicyVerdict) {
	result := "passed"
	switch {
	case v.Blocking:
		result = "blocking"
	case len(v.Violations) > 0:
		result = "advisory"
	}
	m.policyVerdicts.WithLabelValues(v.Source, result).Inc()
}

// ExecutionFinished implements engine.Observer.
func (m *Metrics) ExecutionFinished(r *engine.ExecutionResult) {
	m.executions.WithLabelValues(string(r.Action), string(r.State)).Inc()
	m.executionDuration.WithLabelValues(string(r.Action)).Observe(r.Duration.Seconds())

	if r.ErrorClassification != engine.ErrorClassNone {
		m.errorsByClass.WithLabelValues(string(r.ErrorClassification)).Inc()
		if r.ErrorCode != "" {
			m.errorsByCode.WithLabelValues(r.ErrorCode).Inc()
		}
	}
	if r.Drift != nil {
		m.driftDetections.WithLabelValues(string(r.Drift.Status)).Inc()
	}
}

// RetryScheduled implements engine.Observer.
func (m *Metrics) RetryScheduled(action engine.Action, _ time.Duration) {
	m.retries.WithLabelValues(string(action)).Inc()
}

// BackupTaken implements engine.Observer.
func (m *Metrics) BackupTaken(rec *engine.StateBackupRecord) {
	m.backups.WithLabelValues(strconv.FormatBool(rec.Empty)).Inc()
}

// RestoreAttempted implements engine.Observer.
func (m *Metrics) RestoreAttempted(ok bool) {
	result := "restored"
	if !ok {
		result = "failed"
	}
	m.restores.WithLabelValues(result).Inc()
}

// WriteTextfile writes all metrics in the text exposition format to path,
// for pickup by a node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
