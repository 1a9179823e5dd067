package policy

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/runner"
)

func TestNewCommandGate_RequiresCommand(t *testing.T) {
	if _, err := NewCommandGate(CommandGateConfig{}, &runner.MockRunner{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCommandGate_Evaluate(t *testing.T) {
	tests := []struct {
		name         string
		stdout       string
		exitCode     int
		wantPassed   bool
		wantBlocking bool
		wantErr      bool
	}{
		{name: "passed", stdout: `{"passed": true, "violations": []}`, wantPassed: true},
		{
			name:         "blocking violation",
			stdout:       `{"passed": false, "violations": [{"severity": "CRITICAL", "message": "no", "resource_address": "aws_db_instance.main"}]}`,
			exitCode:     1,
			wantBlocking: true,
		},
		{
			name:       "advisory violation",
			stdout:     `{"passed": true, "violations": [{"severity": "low", "message": "tag it"}]}`,
			wantPassed: true,
		},
		{name: "failed without reason", stdout: `{"passed": false}`, exitCode: 1, wantBlocking: true},
		{name: "passed inferred from exit code", stdout: `{}`, exitCode: 0, wantPassed: true},
		{name: "garbage", stdout: "Traceback (most recent call last)", exitCode: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var planSeen string
			mock := &runner.MockRunner{RunFn: func(_ context.Context, spec runner.CommandSpec) (*runner.Result, error) {
				data, err := os.ReadFile(spec.Args[len(spec.Args)-1])
				if err != nil {
					return nil, err
				}
				planSeen = string(data)
				return &runner.Result{Stdout: []byte(tt.stdout), ExitCode: tt.exitCode}, nil
			}}

			gate, err := NewCommandGate(CommandGateConfig{Command: []string{"conftest", "test"}, TempDir: t.TempDir()}, mock, zerolog.Nop())
			if err != nil {
				t.Fatal(err)
			}

			unit := testUnit(engine.EnvironmentProduction)
			verdict, err := gate.Evaluate(context.Background(), unit, []byte(`{"resource_changes":[]}`))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if planSeen != `{"resource_changes":[]}` {
				t.Errorf("command saw plan %q", planSeen)
			}

			calls := mock.Calls()
			if len(calls) != 1 {
				t.Fatalf("expected 1 call, got %d", len(calls))
			}
			if calls[0].Program != "conftest" || calls[0].Args[0] != "test" || calls[0].WorkingDir != unit.Dir {
				t.Errorf("unexpected spec %+v", calls[0])
			}
			if calls[0].Env["UNITCTL_ENVIRONMENT"] != "production" || calls[0].Env["UNITCTL_UNIT"] != unit.ID {
				t.Errorf("unexpected env %v", calls[0].Env)
			}
			if tt.wantErr {
				return
			}

			if verdict.Passed != tt.wantPassed || verdict.Blocking != tt.wantBlocking {
				t.Errorf("verdict = %+v", verdict)
			}
			if verdict.Source != SourceCommand {
				t.Errorf("Source = %q", verdict.Source)
			}
			for _, v := range verdict.Violations {
				if v.Policy != "conftest" {
					t.Errorf("Policy = %q", v.Policy)
				}
			}
		})
	}
}

func TestCommandGate_RunnerError(t *testing.T) {
	mock := &runner.MockRunner{RunFn: func(context.Context, runner.CommandSpec) (*runner.Result, error) {
		return nil, context.DeadlineExceeded
	}}
	gate, err := NewCommandGate(CommandGateConfig{Command: []string{"opa-check"}, TempDir: t.TempDir()}, mock, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	_, err = gate.Evaluate(context.Background(), testUnit(engine.EnvironmentDevelopment), []byte("{}"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
