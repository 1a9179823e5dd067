package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/unitctl/pkg/audit"
	"github.com/openfroyo/unitctl/pkg/backend"
	"github.com/openfroyo/unitctl/pkg/discovery"
	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/stores"
	"github.com/openfroyo/unitctl/pkg/telemetry"
	"github.com/openfroyo/unitctl/pkg/validate"
)

// Command selects how far units are taken in a run.
type Command string

const (
	CommandDiscover Command = "discover"
	CommandValidate Command = "validate"
	CommandPlan     Command = "plan"
	CommandApply    Command = "apply"
)

// Validate checks if the command is known.
func (c Command) Validate() error {
	switch c {
	case CommandDiscover, CommandValidate, CommandPlan, CommandApply:
		return nil
	default:
		return fmt.Errorf("invalid command: %s", c)
	}
}

// RunStore persists runs, execution results and full audit records.
type RunStore interface {
	CreateRun(ctx context.Context, run *stores.Run) error
	FinishRun(ctx context.Context, id string, status engine.RunStatus, summary engine.RunSummary, errMsg *string) error
	SaveUnitResult(ctx context.Context, runID string, result *engine.ExecutionResult) error
	SaveAuditRecord(ctx context.Context, rec *stores.AuditRecord) error
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	Discoverer *discovery.Discoverer
	Keys       *backend.Generator
	Validator  *validate.Validator
	Executor   *engine.Executor

	// Gate evaluates plans. Nil disables the policy stage.
	Gate engine.PolicyGate

	Store     RunStore
	Artifacts billy.Filesystem

	// Redacted receives redacted audit records. Optional.
	Redacted audit.Sink

	Telemetry  *telemetry.Telemetry
	MaxWorkers int
}

// RunOptions describe one run.
type RunOptions struct {
	Command Command

	// ChangedPaths is the change set. Ignored when All is set.
	ChangedPaths []string

	// All processes every unit under the deployment root.
	All bool

	Filters discovery.Filters

	// DryRun stops plan and apply runs after validation.
	DryRun bool
}

// RunReport is the outcome of a run.
type RunReport struct {
	RunID       string                `json:"run_id"`
	Command     Command               `json:"command"`
	DryRun      bool                  `json:"dry_run"`
	Status      engine.RunStatus      `json:"status"`
	Summary     engine.RunSummary     `json:"summary"`
	Discovery   *discovery.Result     `json:"discovery,omitempty"`
	Outcomes    []*engine.UnitOutcome `json:"outcomes"`
	Warnings    []string              `json:"warnings,omitempty"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
}

// ExitCode is 0 when every unit succeeded and 1 otherwise.
func (r *RunReport) ExitCode() int {
	if r.Status == engine.RunStatusSucceeded {
		return 0
	}
	return 1
}

// Outcome returns the outcome of the unit with id, or nil.
func (r *RunReport) Outcome(id string) *engine.UnitOutcome {
	for _, o := range r.Outcomes {
		if o.Unit.ID == id {
			return o
		}
	}
	return nil
}

// Orchestrator runs the stages of a command over discovered units.
type Orchestrator struct {
	discoverer *discovery.Discoverer
	keys       *backend.Generator
	validator  *validate.Validator
	executor   *engine.Executor
	gate       engine.PolicyGate
	store      RunStore
	artifacts  billy.Filesystem
	redacted   audit.Sink
	tel        *telemetry.Telemetry
	scheduler  *engine.Scheduler
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates an orchestrator.
func New(cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	switch {
	case cfg.Discoverer == nil:
		return nil, errors.New("discoverer is required")
	case cfg.Validator == nil:
		return nil, errors.New("validator is required")
	case cfg.Executor == nil:
		return nil, errors.New("executor is required")
	case cfg.Store == nil:
		return nil, errors.New("run store is required")
	case cfg.Artifacts == nil:
		return nil, errors.New("artifacts filesystem is required")
	case cfg.Telemetry == nil:
		return nil, errors.New("telemetry is required")
	}
	if cfg.Keys == nil {
		cfg.Keys = backend.NewGenerator(logger)
	}

	return &Orchestrator{
		discoverer: cfg.Discoverer,
		keys:       cfg.Keys,
		validator:  cfg.Validator,
		executor:   cfg.Executor,
		gate:       cfg.Gate,
		store:      cfg.Store,
		artifacts:  cfg.Artifacts,
		redacted:   cfg.Redacted,
		tel:        cfg.Telemetry,
		scheduler:  engine.NewScheduler(cfg.MaxWorkers, logger),
		now:        time.Now,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// run carries the state shared by the workers of one run.
type run struct {
	id        string
	opts      RunOptions
	recorder  *audit.Recorder
	artifacts *artifactWriter
	outcomes  map[string]*engine.UnitOutcome
	logger    zerolog.Logger

	mu       sync.Mutex
	warnings []string
}

// warn records a non-fatal problem with the run's bookkeeping.
func (r *run) warn(err error, msg string) {
	if err == nil {
		return
	}
	r.logger.Warn().Err(err).Msg(msg)
	r.mu.Lock()
	r.warnings = append(r.warnings, msg+": "+err.Error())
	r.mu.Unlock()
}

// Run executes one run. The report is returned whenever the run was
// recorded. The error is non-nil when discovery failed, when the run store
// is unusable, or when a state restore failed and state needs a human.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	if err := opts.Command.Validate(); err != nil {
		return nil, err
	}

	start := o.now()
	r := &run{
		id:       uuid.NewString(),
		opts:     opts,
		outcomes: make(map[string]*engine.UnitOutcome),
	}
	r.logger = o.logger.With().Str("run_id", r.id).Str("command", string(opts.Command)).Logger()
	r.artifacts = newArtifactWriter(o.artifacts, r.id)

	ctx, span := o.tel.Tracer.StartRunSpan(ctx, r.id, string(opts.Command))

	err := o.store.CreateRun(ctx, &stores.Run{
		ID:           r.id,
		Command:      string(opts.Command),
		DryRun:       opts.DryRun,
		ChangedPaths: opts.ChangedPaths,
		Status:       engine.RunStatusRunning,
		StartedAt:    start,
	})
	if err != nil {
		telemetry.End(span, err)
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	sinks := []audit.RecorderOption{audit.WithFullSink(audit.NewStoreSink(o.store))}
	if o.redacted != nil {
		sinks = append(sinks, audit.WithRedactedSink(o.redacted))
	}
	r.recorder = audit.NewRecorder(r.id, r.logger, sinks...)

	r.logger.Info().
		Int("changed_paths", len(opts.ChangedPaths)).
		Bool("all", opts.All).
		Bool("dry_run", opts.DryRun).
		Msg("Run started")

	report := &RunReport{
		RunID:     r.id,
		Command:   opts.Command,
		DryRun:    opts.DryRun,
		Outcomes:  []*engine.UnitOutcome{},
		StartedAt: start,
	}

	runErr := o.execute(ctx, r, report)
	o.finish(ctx, r, report, runErr)
	telemetry.End(span, runErr)
	return report, runErr
}

func (o *Orchestrator) execute(ctx context.Context, r *run, report *RunReport) error {
	var (
		res *discovery.Result
		err error
	)
	if r.opts.All {
		res, err = o.discoverer.All(ctx, r.opts.Filters)
	} else {
		res, err = o.discoverer.Discover(ctx, r.opts.ChangedPaths, r.opts.Filters)
	}
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	report.Discovery = res
	o.tel.Metrics.RecordDiscovery(len(res.Units), len(res.Warnings))
	for _, w := range res.Warnings {
		r.logger.Warn().Str("path", w.Path).Str("reason", w.Message).Msg("Changed path omitted")
	}

	assignment := o.keys.Assign(res.Units)
	var runnable []*engine.DeploymentUnit
	for _, u := range res.Units {
		oc := &engine.UnitOutcome{Unit: u, BackendKey: assignment.KeyOf(u)}
		report.Outcomes = append(report.Outcomes, oc)
		r.outcomes[u.ID] = oc

		if kerr, ok := assignment.Errors[u.ID]; ok {
			oc.Status = engine.UnitStatusInvalid
			oc.Reason = "no backend key: " + kerr.Error()
			continue
		}
		runnable = append(runnable, u)
	}
	for key, ids := range assignment.Collisions {
		r.logger.Warn().Str("backend_key", key.String()).Strs("units", ids).Msg("Units share a backend key, running them sequentially")
	}

	r.warn(r.artifacts.write("units.json", newUnitsDocument(r, res, assignment)), "failed to write unit list")

	r.logger.Info().
		Int("units", len(res.Units)).
		Int("warnings", len(res.Warnings)).
		Int("ignored", len(res.Ignored)).
		Int("filtered", res.Filtered).
		Msg("Discovery finished")

	if r.opts.Command == CommandDiscover {
		for _, u := range runnable {
			r.outcomes[u.ID].Status = engine.UnitStatusSucceeded
		}
		return nil
	}

	parts := engine.PartitionByKey(runnable, assignment.KeyOf)
	return o.scheduler.Run(ctx, parts,
		func(ctx context.Context, u *engine.DeploymentUnit, key engine.BackendKey) error {
			return o.processUnit(ctx, r, u, key)
		},
		func(u *engine.DeploymentUnit, key engine.BackendKey, cause error) {
			oc := r.outcomes[u.ID]
			oc.Status = engine.UnitStatusSkipped
			oc.Reason = "not processed: " + cause.Error()
			r.logger.Warn().Str("unit", u.ID).Str("backend_key", key.String()).Err(cause).Msg("Unit skipped")
		},
	)
}

// finish settles the run status and persists the report.
func (o *Orchestrator) finish(ctx context.Context, r *run, report *RunReport, runErr error) {
	for _, oc := range report.Outcomes {
		report.Summary.Add(oc.Status)
	}

	report.CompletedAt = o.now()
	switch {
	case runErr != nil:
		report.Status = engine.RunStatusFailed
		report.Error = runErr.Error()
	case ctx.Err() != nil:
		report.Status = engine.RunStatusCancelled
		report.Error = ctx.Err().Error()
	default:
		report.Status = report.Summary.Status()
	}

	// Records of an interrupted run are still written.
	ctx = context.WithoutCancel(ctx)

	var errMsg *string
	if report.Error != "" {
		errMsg = &report.Error
	}
	r.warn(o.store.FinishRun(ctx, r.id, report.Status, report.Summary, errMsg), "failed to record run outcome")

	r.mu.Lock()
	report.Warnings = append(report.Warnings, r.warnings...)
	r.mu.Unlock()
	if err := r.artifacts.write("report.json", report); err != nil {
		r.logger.Warn().Err(err).Msg("failed to write run report")
	}

	duration := report.CompletedAt.Sub(report.StartedAt)
	o.tel.Metrics.RecordRun(string(r.opts.Command), report.Status, duration)

	ev := r.logger.Info()
	if report.Status != engine.RunStatusSucceeded {
		ev = r.logger.Warn()
	}
	ev.Str("status", string(report.Status)).
		Int("total", report.Summary.Total).
		Int("succeeded", report.Summary.Succeeded).
		Int("invalid", report.Summary.Invalid).
		Int("failed", report.Summary.Failed).
		Int("blocked", report.Summary.Blocked).
		Int("skipped", report.Summary.Skipped).
		Dur("duration", duration).
		Msg("Run finished")
}

// processUnit takes one unit through the stages of the run's command. It
// returns an error only when a failed apply could not be rolled back.
func (o *Orchestrator) processUnit(ctx context.Context, r *run, u *engine.DeploymentUnit, key engine.BackendKey) (err error) {
	oc := r.outcomes[u.ID]
	name := ArtifactName(u.ID)

	ctx, span := o.tel.Tracer.StartUnitSpan(ctx, string(r.opts.Command), u, key)
	defer func() { telemetry.End(span, err) }()

	logger := r.logger.With().
		Str("unit", u.ID).
		Str("account", u.AccountName).
		Str("region", u.Region).
		Str("backend_key", key.String()).
		Logger()

	report := o.validator.Validate(ctx, u)
	oc.Validation = report
	o.tel.Metrics.RecordValidation(report)
	r.warn(r.artifacts.write(path.Join("validation", name+".json"), report), "failed to write validation report")
	r.warn(r.recorder.Record(ctx, u, report, nil), "failed to record validation audit")
	if !report.Passed {
		oc.Status = engine.UnitStatusInvalid
		oc.Reason = validationReason(report)
		logger.Warn().Str("reason", oc.Reason).Msg("Unit failed validation")
		return nil
	}
	if r.opts.Command == CommandValidate || r.opts.DryRun {
		oc.Status = engine.UnitStatusSucceeded
		return nil
	}

	plan, _ := o.runAction(ctx, r, u, key, engine.ActionPlan)
	oc.Plan = plan
	if !plan.Success {
		oc.Status, oc.Reason = resultStatus(plan)
		return nil
	}

	if o.gate != nil {
		verdict := o.evaluatePolicy(ctx, r, u, key, plan)
		oc.Policy = verdict
		if verdict.Blocking {
			oc.Status = engine.UnitStatusBlocked
			oc.Reason = verdict.Reason()
			logger.Warn().Str("reason", oc.Reason).Msg("Plan blocked by policy")
			return nil
		}
	}
	if r.opts.Command == CommandPlan {
		oc.Status = engine.UnitStatusSucceeded
		return nil
	}

	applied, ferr := o.runAction(ctx, r, u, key, engine.ActionApply)
	oc.Apply = applied
	if applied.Policy != nil {
		oc.Policy = applied.Policy
		o.recordVerdict(ctx, r, u, key, applied.Policy, ArtifactName(u.ID)+"-apply.json")
	}
	if ferr != nil {
		oc.Status = engine.UnitStatusFailed
		oc.Reason = ferr.Error()
		return ferr
	}
	if !applied.Success {
		oc.Status, oc.Reason = resultStatus(applied)
		return nil
	}
	oc.Status = engine.UnitStatusSucceeded
	return nil
}

// runAction executes one action and records its result.
func (o *Orchestrator) runAction(ctx context.Context, r *run, u *engine.DeploymentUnit, key engine.BackendKey, action engine.Action) (*engine.ExecutionResult, error) {
	ctx, span := o.tel.Tracer.StartUnitSpan(ctx, string(action), u, key)

	res, err := o.executor.Execute(ctx, u, key, action)
	spanErr := err
	if spanErr == nil {
		spanErr = resultError(res)
	}
	telemetry.End(span, spanErr)

	name := fmt.Sprintf("%s-%s.json", ArtifactName(u.ID), action)
	r.warn(r.artifacts.write(path.Join("results", name), res), "failed to write execution result")
	r.warn(o.store.SaveUnitResult(ctx, r.id, res), "failed to store execution result")
	r.warn(r.recorder.Record(ctx, u, nil, res), "failed to record execution audit")
	return res, err
}

// evaluatePolicy runs the gate. A gate that cannot evaluate yields a
// blocking verdict without violations.
func (o *Orchestrator) evaluatePolicy(ctx context.Context, r *run, u *engine.DeploymentUnit, key engine.BackendKey, plan *engine.ExecutionResult) *engine.PolicyVerdict {
	ctx, span := o.tel.Tracer.StartUnitSpan(ctx, "policy", u, key)

	verdict, err := o.gate.Evaluate(ctx, u, plan.PlanJSON)
	if err != nil {
		r.logger.Error().Err(err).Str("unit", u.ID).Msg("Policy evaluation failed")
		verdict = &engine.PolicyVerdict{
			UnitID:      u.ID,
			Passed:      false,
			Blocking:    true,
			Violations:  []engine.Violation{},
			Source:      "error: " + err.Error(),
			EvaluatedAt: o.now(),
		}
	}
	var spanErr error
	if verdict.Blocking {
		spanErr = engine.NewBlockedError(verdict.Reason(), err)
	}
	telemetry.End(span, spanErr)

	o.recordVerdict(ctx, r, u, key, verdict, ArtifactName(u.ID)+".json")
	return verdict
}

// recordVerdict publishes a verdict as a metric, an artifact and an audit record.
func (o *Orchestrator) recordVerdict(ctx context.Context, r *run, u *engine.DeploymentUnit, key engine.BackendKey, verdict *engine.PolicyVerdict, artifact string) {
	o.tel.Metrics.RecordPolicyVerdict(verdict)
	r.warn(r.artifacts.write(path.Join("policy", artifact), verdict), "failed to write policy verdict")
	r.warn(r.recorder.RecordPolicy(ctx, u, key, verdict), "failed to record policy audit")
}

// resultStatus maps a failed execution to the unit status and reason.
func resultStatus(res *engine.ExecutionResult) (engine.UnitStatus, string) {
	reason := fmt.Sprintf("%s %s", res.Action, strings.ToLower(string(res.State)))
	if res.Error != "" {
		reason += ": " + res.Error
	}
	if res.State == engine.ExecStateBlocked {
		return engine.UnitStatusBlocked, reason
	}
	return engine.UnitStatusFailed, reason
}

// resultError turns an unsuccessful result into a classified error for tracing.
func resultError(res *engine.ExecutionResult) error {
	if res.Success {
		return nil
	}
	if res.State == engine.ExecStateBlocked {
		return engine.NewBlockedError(res.Error, nil).WithCode(res.ErrorCode)
	}
	return engine.NewPermanentError(res.Error, nil).WithCode(res.ErrorCode)
}

func validationReason(report *engine.ValidationReport) string {
	msgs := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		msgs = append(msgs, e.Check+": "+e.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// unitsDocument is the units.json artifact.
type unitsDocument struct {
	RunID    string              `json:"run_id"`
	Command  Command             `json:"command"`
	Units    []unitEntry         `json:"units"`
	Warnings []discovery.Warning `json:"warnings"`
	Ignored  []string            `json:"ignored"`
	Filtered int                 `json:"filtered"`

	// Collisions lists backend keys shared by more than one unit.
	Collisions map[engine.BackendKey][]string `json:"collisions,omitempty"`
}

type unitEntry struct {
	Unit       *engine.DeploymentUnit `json:"unit"`
	BackendKey engine.BackendKey      `json:"backend_key,omitempty"`
	KeyError   string                 `json:"key_error,omitempty"`
}

func newUnitsDocument(r *run, res *discovery.Result, a *backend.Assignment) *unitsDocument {
	doc := &unitsDocument{
		RunID:      r.id,
		Command:    r.opts.Command,
		Units:      make([]unitEntry, 0, len(res.Units)),
		Warnings:   res.Warnings,
		Ignored:    res.Ignored,
		Filtered:   res.Filtered,
		Collisions: a.Collisions,
	}
	if doc.Warnings == nil {
		doc.Warnings = []discovery.Warning{}
	}
	if doc.Ignored == nil {
		doc.Ignored = []string{}
	}
	for _, u := range res.Units {
		e := unitEntry{Unit: u, BackendKey: a.KeyOf(u)}
		if err, ok := a.Errors[u.ID]; ok {
			e.KeyError = err.Error()
		}
		doc.Units = append(doc.Units, e)
	}
	sort.SliceStable(doc.Units, func(i, j int) bool { return doc.Units[i].Unit.ID < doc.Units[j].Unit.ID })
	return doc
}
