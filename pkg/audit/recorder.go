package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/unitctl/pkg/engine"
)

// Recorder writes a full and a redacted record for every audited step.
// Calls for one unit must be made in order by the caller; calls for
// different units may run concurrently.
type Recorder struct {
	runID    string
	full     []Sink
	redacted []Sink
	logger   zerolog.Logger
	now      func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithFullSink adds a sink for unredacted records.
func WithFullSink(s Sink) RecorderOption {
	return func(r *Recorder) { r.full = append(r.full, s) }
}

// WithRedactedSink adds a sink for redacted records.
func WithRedactedSink(s Sink) RecorderOption {
	return func(r *Recorder) { r.redacted = append(r.redacted, s) }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder for one run.
func NewRecorder(runID string, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		runID:  runID,
		logger: logger.With().Str("component", "audit").Str("run_id", runID).Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record audits a validation report or an execution result of unit. When
// result is set the record is an execution record, otherwise a validation one.
func (r *Recorder) Record(ctx context.Context, unit *engine.DeploymentUnit, report *engine.ValidationReport, result *engine.ExecutionResult) error {
	var key engine.BackendKey
	kind := KindValidation
	if result != nil {
		kind = KindExecution
		key = result.BackendKey
	}
	rec := r.newRecord(kind, unit, key)
	rec.Validation = report
	rec.Execution = result
	return r.write(ctx, rec)
}

// RecordPolicy audits a policy verdict.
func (r *Recorder) RecordPolicy(ctx context.Context, unit *engine.DeploymentUnit, key engine.BackendKey, verdict *engine.PolicyVerdict) error {
	rec := r.newRecord(KindPolicy, unit, key)
	rec.Policy = verdict
	return r.write(ctx, rec)
}

func (r *Recorder) newRecord(kind Kind, unit *engine.DeploymentUnit, key engine.BackendKey) *Record {
	return &Record{
		ID:        uuid.NewString(),
		RunID:     r.runID,
		Kind:      kind,
		Unit:      newUnitView(unit, key),
		Timestamp: r.now().UTC(),
	}
}

// write sends rec to the full sinks and its redacted view to the redacted
// sinks. Every sink is attempted; failures are aggregated.
func (r *Recorder) write(ctx context.Context, rec *Record) error {
	var result *multierror.Error

	for _, s := range r.full {
		if err := s.Write(ctx, rec); err != nil {
			result = multierror.Append(result, fmt.Errorf("full audit record: %w", err))
		}
	}

	redacted := rec.Redact()
	for _, s := range r.redacted {
		if err := s.Write(ctx, redacted); err != nil {
			result = multierror.Append(result, fmt.Errorf("redacted audit record: %w", err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		r.logger.Error().Err(err).
			Str("unit", rec.Unit.ID).
			Str("kind", string(rec.Kind)).
			Msg("Failed to write audit record")
		return err
	}

	r.logger.Debug().
		Str("unit", rec.Unit.ID).
		Str("kind", string(rec.Kind)).
		Str("record_id", rec.ID).
		Msg("Audit record written")
	return nil
}
