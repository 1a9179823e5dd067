package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/runner"
)

// SourceCommand identifies verdicts produced by an external policy command.
const SourceCommand = "command"

// CommandGateConfig configures an external policy command.
type CommandGateConfig struct {
	// Command is the program and leading arguments. The plan document path
	// is appended as the last argument.
	Command []string

	// TempDir receives the plan document. Empty means os.TempDir.
	TempDir string

	// Timeout bounds one evaluation.
	Timeout time.Duration
}

// CommandGate delegates plan evaluation to an external program. The program
// prints {"passed": bool, "violations": [...]} on stdout.
type CommandGate struct {
	cfg    CommandGateConfig
	runner runner.ProcessRunner
	logger zerolog.Logger
	now    func() time.Time
}

var _ engine.PolicyGate = (*CommandGate)(nil)

// NewCommandGate creates a gate that runs cfg.Command through r.
func NewCommandGate(cfg CommandGateConfig, r runner.ProcessRunner, logger zerolog.Logger) (*CommandGate, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("policy command is empty")
	}
	return &CommandGate{
		cfg:    cfg,
		runner: r,
		logger: logger.With().Str("component", "policy-command").Logger(),
		now:    time.Now,
	}, nil
}

type commandOutput struct {
	Passed     *bool              `json:"passed"`
	Violations []engine.Violation `json:"violations"`
}

// Evaluate writes the plan document to a temporary file and runs the command
// against it. Output that is not a verdict is an error.
func (g *CommandGate) Evaluate(ctx context.Context, unit *engine.DeploymentUnit, planJSON []byte) (*engine.PolicyVerdict, error) {
	f, err := os.CreateTemp(g.cfg.TempDir, "plan-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create plan file: %w", err)
	}
	planPath := f.Name()
	defer os.Remove(planPath)

	if _, err := f.Write(planJSON); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write plan file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write plan file: %w", err)
	}

	args := append(append([]string{}, g.cfg.Command[1:]...), planPath)
	spec := runner.CommandSpec{
		Program:    g.cfg.Command[0],
		Args:       args,
		WorkingDir: unit.Dir,
		Env: map[string]string{
			"UNITCTL_UNIT":        unit.ID,
			"UNITCTL_ACCOUNT":     unit.AccountName,
			"UNITCTL_REGION":      unit.Region,
			"UNITCTL_ENVIRONMENT": string(unit.Environment),
		},
		Timeout: g.cfg.Timeout,
	}

	res, err := g.runner.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("policy command: %w", err)
	}

	var out commandOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(res.Stdout))), &out); err != nil {
		return nil, fmt.Errorf("policy command exited %d without a verdict: %s", res.ExitCode, res.Tail(512))
	}

	for i := range out.Violations {
		out.Violations[i].Severity = string(normalizeSeverity(out.Violations[i].Severity))
		if out.Violations[i].Policy == "" {
			out.Violations[i].Policy = g.cfg.Command[0]
		}
	}

	passed := res.ExitCode == 0 && len(out.Violations) == 0
	if out.Passed != nil {
		passed = *out.Passed
	}

	verdict := &engine.PolicyVerdict{
		UnitID:      unit.ID,
		Passed:      passed,
		Violations:  out.Violations,
		Source:      SourceCommand,
		EvaluatedAt: g.now(),
	}
	verdict.Blocking = IsBlocking(verdict)

	g.logger.Debug().
		Str("unit", unit.ID).
		Int("exit_code", res.ExitCode).
		Int("violations", len(out.Violations)).
		Bool("blocking", verdict.Blocking).
		Msg("Policy command completed")

	return verdict, nil
}
