package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCheckIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "plain", input: "payments", wantErr: false},
		{name: "with dash and dot", input: "my-bucket.logs", wantErr: false},
		{name: "region", input: "us-east-1", wantErr: false},
		{name: "empty", input: "", wantErr: true},
		{name: "leading dash", input: "-flag", wantErr: true},
		{name: "traversal", input: "a..b", wantErr: true},
		{name: "slash", input: "a/b", wantErr: true},
		{name: "shell metachar", input: "x;rm", wantErr: true},
		{name: "space", input: "two words", wantErr: true},
		{name: "too long", input: strings.Repeat("a", 129), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckIdentifier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsafeArgument) {
				t.Errorf("expected ErrUnsafeArgument, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		spec    CommandSpec
		wantErr bool
	}{
		{
			name: "valid",
			spec: CommandSpec{
				Program:    "terraform",
				Args:       []string{"init", "-input=false", "-backend-config=key=acme/us-east-1/s3/logs/logs.tfstate"},
				WorkingDir: filepath.Join(root, "deployments", "acme"),
			},
		},
		{
			name:    "missing program",
			spec:    CommandSpec{WorkingDir: root},
			wantErr: true,
		},
		{
			name:    "program with path traversal",
			spec:    CommandSpec{Program: "../terraform", WorkingDir: root},
			wantErr: true,
		},
		{
			name:    "argument with command substitution",
			spec:    CommandSpec{Program: "terraform", Args: []string{"plan", "$(id)"}, WorkingDir: root},
			wantErr: true,
		},
		{
			name:    "argument with newline",
			spec:    CommandSpec{Program: "terraform", Args: []string{"plan\napply"}, WorkingDir: root},
			wantErr: true,
		},
		{
			name:    "working dir outside root",
			spec:    CommandSpec{Program: "terraform", WorkingDir: filepath.Dir(root)},
			wantErr: true,
		},
		{
			name: "relative working dir under root",
			spec: CommandSpec{Program: "terraform", WorkingDir: "deployments/acme/us-east-1/payments"},
		},
		{
			name:    "relative working dir escaping root",
			spec:    CommandSpec{Program: "terraform", WorkingDir: "deployments/../../etc"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.spec, root)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecRunner_ExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	root := t.TempDir()
	script := filepath.Join(root, "plan.sh")
	if err := os.WriteFile(script, []byte("echo planned\nexit 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	r := NewExecRunner(root, zerolog.Nop())

	res, err := r.Run(context.Background(), CommandSpec{
		Program:    "sh",
		Args:       []string{script},
		WorkingDir: root,
		Env:        map[string]string{"TF_IN_AUTOMATION": "1"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
	if !strings.Contains(string(res.Stdout), "planned") {
		t.Errorf("Stdout = %q, want it to contain %q", res.Stdout, "planned")
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	root := t.TempDir()
	r := NewExecRunner(root, zerolog.Nop())

	_, err := r.Run(context.Background(), CommandSpec{
		Program:    "sleep",
		Args:       []string{"5"},
		WorkingDir: root,
		Timeout:    50 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecRunner_RejectsUnsafeSpec(t *testing.T) {
	root := t.TempDir()
	r := NewExecRunner(root, zerolog.Nop())

	_, err := r.Run(context.Background(), CommandSpec{
		Program:    "terraform",
		Args:       []string{"plan", "-var=x=`id`"},
		WorkingDir: root,
	})
	if !errors.Is(err, ErrUnsafeArgument) {
		t.Fatalf("expected ErrUnsafeArgument, got %v", err)
	}
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"PATH=/bin", "TF_LOG=debug"}, map[string]string{"TF_LOG": "", "TF_DATA_DIR": "/tmp/x"})

	want := []string{"PATH=/bin", "TF_DATA_DIR=/tmp/x", "TF_LOG="}
	if strings.Join(env, ",") != strings.Join(want, ",") {
		t.Errorf("mergeEnv() = %v, want %v", env, want)
	}
}

func TestMockRunner_RecordsCalls(t *testing.T) {
	m := &MockRunner{}
	_, _ = m.Run(context.Background(), CommandSpec{Program: "terraform", Args: []string{"init"}})
	_, _ = m.Run(context.Background(), CommandSpec{Program: "terraform", Args: []string{"plan"}})

	got := strings.Join(m.Subcommands(), ",")
	if got != "init,plan" {
		t.Errorf("Subcommands() = %s, want init,plan", got)
	}
}
