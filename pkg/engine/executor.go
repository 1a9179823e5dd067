package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/unitctl/pkg/runner"
	"github.com/openfroyo/unitctl/pkg/tfplan"
)

// outputTailBytes is how much tool output is kept on a result.
const outputTailBytes = 4096

// ExecutorConfig configures how the infrastructure tool is invoked.
type ExecutorConfig struct {
	// Binary is the tool executable (terraform or tofu).
	Binary string

	// BackendConfig adds -backend-config=k=v pairs to init.
	BackendConfig map[string]string

	// PlanDir holds plan files and per-unit tool data directories.
	PlanDir string

	// Retry bounds the attempts of one execution.
	Retry RetryPolicy

	// Timeout bounds one execution including all retries and waits.
	Timeout time.Duration
}

// Executor drives plan and apply of single units through the retry state machine.
type Executor struct {
	cfg        ExecutorConfig
	runner     runner.ProcessRunner
	backups    StateBackuper
	gate       PolicyGate
	classifier *Classifier
	limiter    *rate.Limiter
	sleeper    Sleeper
	now        func() time.Time
	observer   Observer
	logger     zerolog.Logger
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithBackuper sets the state backup manager used around apply.
func WithBackuper(b StateBackuper) ExecutorOption {
	return func(e *Executor) { e.backups = b }
}

// WithPolicyGate evaluates the plan an apply is about to execute. A blocking
// verdict stops the apply before the state backup.
func WithPolicyGate(g PolicyGate) ExecutorOption {
	return func(e *Executor) { e.gate = g }
}

// WithClassifier replaces the default failure classifier.
func WithClassifier(c *Classifier) ExecutorOption {
	return func(e *Executor) { e.classifier = c }
}

// WithRateLimiter throttles tool invocations across all workers.
func WithRateLimiter(l *rate.Limiter) ExecutorOption {
	return func(e *Executor) { e.limiter = l }
}

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleeper = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l.With().Str("component", "executor").Logger() }
}

// NewExecutor creates an executor. Zero config fields take their defaults.
func NewExecutor(cfg ExecutorConfig, r runner.ProcessRunner, opts ...ExecutorOption) (*Executor, error) {
	if r == nil {
		return nil, errors.New("process runner is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = "terraform"
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.PlanDir == "" {
		cfg.PlanDir = filepath.Join(os.TempDir(), "unitctl")
	}
	planDir, err := filepath.Abs(cfg.PlanDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan dir: %w", err)
	}
	cfg.PlanDir = planDir

	for k := range cfg.BackendConfig {
		if err := runner.CheckIdentifier(k); err != nil {
			return nil, fmt.Errorf("invalid backend config key: %w", err)
		}
	}

	classifier, err := NewClassifier(nil)
	if err != nil {
		return nil, err
	}

	e := &Executor{
		cfg:        cfg,
		runner:     r,
		classifier: classifier,
		sleeper:    RealSleeper,
		now:        time.Now,
		observer:   nopObserver{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// execution carries the per-call state of Execute.
type execution struct {
	unit     *DeploymentUnit
	key      BackendKey
	action   Action
	result   *ExecutionResult
	planFile string
	env      map[string]string
	applied  bool
	logger   zerolog.Logger
}

// Execute runs action for unit against the state stored under key.
//
// The returned result is always non-nil. The error is non-nil only when a
// failed apply could not be rolled back; it matches ErrRestoreFailed.
func (e *Executor) Execute(ctx context.Context, unit *DeploymentUnit, key BackendKey, action Action) (*ExecutionResult, error) {
	start := e.now()
	x := &execution{
		unit:   unit,
		key:    key,
		action: action,
		result: &ExecutionResult{
			UnitID:     unit.ID,
			BackendKey: key,
			Action:     action,
			State:      ExecStateInit,
			StartedAt:  start,
		},
		logger: e.logger.With().
			Str("unit", unit.ID).
			Str("account", unit.AccountName).
			Str("region", unit.Region).
			Str("backend_key", key.String()).
			Str("action", string(action)).
			Logger(),
	}

	if err := e.prepare(x); err != nil {
		return e.finish(x, ExecStatePermanentFailure, err), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	deadline := start.Add(e.cfg.Timeout)

	dec, _ := Transition(ExecStateInit, Event{Kind: EventStart}, e.cfg.Retry)
	state := dec.State
	x.result.State = state
	x.logger.Info().Msg("Execution started")

	var lastErr error
	for attempt := 1; ; attempt++ {
		x.result.AttemptCount = attempt

		err := e.attempt(runCtx, x)
		class := ClassOf(err)
		if err != nil && runCtx.Err() != nil {
			err = e.interrupted(ctx, err)
			class = ErrorClassPermanent
		}
		lastErr = err

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			remaining = time.Nanosecond
		}
		dec, terr := Transition(state, Event{Kind: EventOutcome, Attempt: attempt, Class: class, Remaining: remaining}, e.cfg.Retry)
		if terr != nil {
			lastErr = NewPermanentError("retry state machine rejected outcome", terr).WithCode(ErrCodeInternal)
			state = ExecStatePermanentFailure
			break
		}
		state = dec.State
		if state != ExecStateRetryableFailure {
			if state == ExecStatePermanentFailure && class == ErrorClassTransient {
				lastErr = NewPermanentError(dec.Reason, err).WithCode(ErrCodeRetriesExhausted).WithUnit(unit.ID)
			}
			break
		}

		x.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", dec.Delay).Msg("Transient failure, retrying")
		e.observer.RetryScheduled(action, dec.Delay)
		if serr := e.sleeper.Sleep(runCtx, dec.Delay); serr != nil {
			lastErr = e.interrupted(ctx, serr)
			state = ExecStatePermanentFailure
			break
		}

		dec, _ = Transition(state, Event{Kind: EventResume}, e.cfg.Retry)
		state = dec.State
	}

	if state == ExecStatePermanentFailure && x.applied && x.result.Backup != nil {
		if ferr := e.rollback(context.WithoutCancel(ctx), x); ferr != nil {
			x.result.Warnings = append(x.result.Warnings, ferr.Error())
			return e.finish(x, state, lastErr), ferr
		}
	}

	return e.finish(x, state, lastErr), nil
}

// prepare validates inputs and lays out the per-unit tool directories.
func (e *Executor) prepare(x *execution) error {
	if err := x.action.Validate(); err != nil {
		return NewPermanentError("invalid action", err).WithCode(ErrCodeValidation)
	}
	if x.key == "" {
		return NewPermanentError("backend key is empty", nil).WithCode(ErrCodeValidation)
	}
	if err := runner.CheckIdentifier(x.unit.ConfigFile()); err != nil {
		return NewPermanentError("config file name rejected", err).WithCode(ErrCodeUnsafeArgument)
	}
	if x.action == ActionApply && e.backups == nil {
		return NewPermanentError("apply requires a state backup manager", nil).WithCode(ErrCodeBackupFailed)
	}

	sum := sha256.Sum256([]byte(x.unit.ID))
	dir := filepath.Join(e.cfg.PlanDir, hex.EncodeToString(sum[:8]))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return NewPermanentError("failed to create plan directory", err).WithCode(ErrCodeInternal)
	}

	x.planFile = filepath.Join(dir, string(x.action)+".tfplan")
	x.env = map[string]string{
		"TF_IN_AUTOMATION": "1",
		"TF_INPUT":         "0",
		"TF_DATA_DIR":      filepath.Join(dir, "data"),
	}
	return nil
}

// attempt runs one pass of init, plan, show and, for apply, backup and apply.
func (e *Executor) attempt(ctx context.Context, x *execution) error {
	res, err := e.invoke(ctx, x, "init", e.initArgs(x.key))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return e.toolFailure(x, "init", res)
	}

	res, err = e.invoke(ctx, x, "plan", []string{
		"plan", "-input=false", "-no-color", "-detailed-exitcode",
		"-var-file=" + x.unit.ConfigFile(),
		"-out=" + x.planFile,
	})
	if err != nil {
		return err
	}
	exitChanged := false
	switch res.ExitCode {
	case 0:
	case 2:
		exitChanged = true
	default:
		return e.toolFailure(x, "plan", res)
	}

	res, err = e.invoke(ctx, x, "show", []string{"show", "-json", x.planFile})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return e.toolFailure(x, "show", res)
	}
	summary, err := tfplan.Analyze(res.Stdout)
	if err != nil {
		return NewPermanentError("unreadable plan document", err).
			WithCode(ErrCodeToolFailed).WithUnit(x.unit.ID).WithOperation("show")
	}
	e.recordPlan(x, summary, res.Stdout, exitChanged)

	if summary.HasDestructive() {
		addrs := strings.Join(summary.DestructiveAddresses(), ", ")
		if x.unit.Environment.IsProduction() {
			return NewBlockedError(fmt.Sprintf("plan destroys or replaces resources in production: %s", addrs), nil).
				WithCode(ErrCodeDestructiveChange).
				WithUnit(x.unit.ID).
				WithOperation("plan").
				WithDetail("resources", summary.DestructiveAddresses())
		}
		x.warn(fmt.Sprintf("plan destroys or replaces resources in %s: %s", x.unit.Environment, addrs))
	}

	if x.action == ActionPlan {
		return nil
	}

	if e.gate != nil {
		if err := e.review(ctx, x); err != nil {
			return err
		}
	}

	if x.result.Backup == nil {
		rec, err := e.backups.Backup(ctx, x.key)
		if err != nil {
			class := e.classifier.Classify("", err)
			if class != ErrorClassTransient {
				class = ErrorClassPermanent
			}
			return newError(class, "state backup failed", err).
				WithCode(ErrCodeBackupFailed).WithUnit(x.unit.ID).WithOperation("backup")
		}
		x.result.Backup = rec
		e.observer.BackupTaken(rec)
		x.logger.Info().Str("backup_id", rec.ID).Bool("empty", rec.Empty).Msg("State backed up")
	}

	x.applied = true
	res, err = e.invoke(ctx, x, "apply", []string{"apply", "-input=false", "-no-color", "-auto-approve", x.planFile})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return e.toolFailure(x, "apply", res)
	}
	return nil
}

// review gates the freshly planned changes of an apply. A gate that cannot
// evaluate yields a blocking verdict without violations.
func (e *Executor) review(ctx context.Context, x *execution) error {
	verdict, err := e.gate.Evaluate(ctx, x.unit, x.result.PlanJSON)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		x.logger.Error().Err(err).Msg("Pre-apply policy evaluation failed")
		verdict = &PolicyVerdict{
			UnitID:      x.unit.ID,
			Blocking:    true,
			Violations:  []Violation{},
			Source:      "error: " + err.Error(),
			EvaluatedAt: e.now(),
		}
	}
	x.result.Policy = verdict
	if !verdict.Blocking {
		return nil
	}
	return NewBlockedError(verdict.Reason(), err).
		WithCode(ErrCodePolicyViolation).
		WithUnit(x.unit.ID).
		WithOperation("policy")
}

func (e *Executor) initArgs(key BackendKey) []string {
	args := []string{"init", "-input=false", "-reconfigure", "-backend-config=key=" + key.String()}
	keys := make([]string, 0, len(e.cfg.BackendConfig))
	for k := range e.cfg.BackendConfig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-backend-config="+k+"="+e.cfg.BackendConfig[k])
	}
	return args
}

func (e *Executor) recordPlan(x *execution, s *tfplan.Summary, planJSON []byte, exitChanged bool) {
	r := x.result
	r.Changed = exitChanged || s.ChangesPending()
	r.Diff = ResourceDiff{Create: s.Create, Update: s.Update, Destroy: s.Delete, Replace: s.Replace}
	r.DestructiveChanges = s.DestructiveAddresses()
	r.PlanJSON = planJSON

	if x.action == ActionApply {
		drift := &DriftReport{Status: DriftStatusInSync, Resources: s.Drifted}
		if len(s.Drifted) > 0 {
			drift.Status = DriftStatusDrifted
		}
		r.Drift = drift
		x.logger.Info().
			Bool("changes_pending", r.Changed).
			Int("drifted", len(s.Drifted)).
			Msg("Pre-apply plan finished")
	}
}

// invoke runs one tool subcommand. Non-zero exits are returned in the result.
func (e *Executor) invoke(ctx context.Context, x *execution, op string, args []string) (*runner.Result, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, NewPermanentError("rate limiter refused invocation", err).WithCode(ErrCodeTimeout).WithOperation(op)
		}
	}

	spec := runner.CommandSpec{
		Program:    e.cfg.Binary,
		Args:       args,
		WorkingDir: x.unit.Dir,
		Env:        x.env,
	}
	x.logger.Debug().Str("operation", op).Str("command", spec.String()).Msg("Invoking tool")

	res, err := e.runner.Run(ctx, spec)
	if res != nil {
		x.result.ReturnCode = res.ExitCode
		x.result.Output = res.Tail(outputTailBytes)
	}
	if err != nil {
		if errors.Is(err, runner.ErrUnsafeArgument) {
			return nil, NewPermanentError("refusing to run unsafe command", err).
				WithCode(ErrCodeUnsafeArgument).WithUnit(x.unit.ID).WithOperation(op)
		}
		if ctx.Err() != nil {
			return nil, err
		}
		class := e.classifier.Classify(res.Output(), err)
		return nil, newError(class, op+" could not be run", err).
			WithCode(ErrCodeToolFailed).WithUnit(x.unit.ID).WithOperation(op)
	}
	return res, nil
}

func (e *Executor) toolFailure(x *execution, op string, res *runner.Result) error {
	class := e.classifier.Classify(res.Output(), nil)
	return newError(class, fmt.Sprintf("%s exited with code %d", op, res.ExitCode), nil).
		WithCode(ErrCodeToolFailed).
		WithUnit(x.unit.ID).
		WithOperation(op).
		WithDetail("output", res.Tail(512))
}

// interrupted converts a context error into a permanent failure.
func (e *Executor) interrupted(parent context.Context, err error) error {
	if parent.Err() != nil {
		return NewPermanentError("execution cancelled", err).WithCode(ErrCodeTimeout)
	}
	return NewPermanentError(fmt.Sprintf("execution exceeded timeout of %s", e.cfg.Timeout), err).WithCode(ErrCodeTimeout)
}

// rollback restores the pre-apply snapshot when the state moved.
func (e *Executor) rollback(ctx context.Context, x *execution) error {
	rec := x.result.Backup

	changed, err := e.backups.Changed(ctx, rec)
	if err != nil {
		x.logger.Warn().Err(err).Msg("Could not compare state with snapshot, restoring anyway")
		changed = true
	}
	if !changed {
		x.logger.Info().Str("backup_id", rec.ID).Msg("State unchanged by failed apply, no rollback needed")
		return nil
	}

	ok, err := e.backups.Restore(ctx, rec)
	e.observer.RestoreAttempted(err == nil)
	if err != nil {
		x.logger.Error().Err(err).Str("backup_id", rec.ID).Msg("State restore failed, manual intervention required")
		return NewFatalError("state restore failed", err).
			WithCode(ErrCodeRestoreFailed).
			WithUnit(x.unit.ID).
			WithOperation("restore").
			WithDetail("backup_id", rec.ID)
	}

	x.result.Restored = ok
	x.logger.Warn().Str("backup_id", rec.ID).Bool("restored", ok).Msg("State rolled back after failed apply")
	return nil
}

func (e *Executor) finish(x *execution, state ExecState, err error) *ExecutionResult {
	r := x.result
	r.State = state
	r.Success = state == ExecStateSuccess
	switch state {
	case ExecStateSuccess:
		r.ErrorClassification = ErrorClassNone
	case ExecStateBlocked:
		r.ErrorClassification = ErrorClassBlocked
	default:
		r.ErrorClassification = ErrorClassPermanent
	}
	if err != nil && !r.Success {
		r.Error = err.Error()
		var ee *EngineError
		if errors.As(err, &ee) {
			r.ErrorCode = ee.Code
		}
	}
	r.CompletedAt = e.now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)

	e.observer.ExecutionFinished(r)

	ev := x.logger.Info()
	if !r.Success {
		ev = x.logger.Error().Str("classification", string(r.ErrorClassification)).Str("error", r.Error)
	}
	ev.Str("state", string(state)).
		Int("attempts", r.AttemptCount).
		Bool("changed", r.Changed).
		Dur("duration", r.Duration).
		Msg("Execution finished")
	return r
}

func (x *execution) warn(msg string) {
	for _, w := range x.result.Warnings {
		if w == msg {
			return
		}
	}
	x.result.Warnings = append(x.result.Warnings, msg)
	x.logger.Warn().Msg(msg)
}
