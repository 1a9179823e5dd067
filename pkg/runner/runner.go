// Package runner spawns the infrastructure tool as a subprocess.
//
// Every invocation is described by a CommandSpec. Arguments are passed as a
// vector, never through a shell, and are checked against an allow-list before
// the process starts.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// ErrUnsafeArgument is returned when a command argument or identifier fails the allow-list.
var ErrUnsafeArgument = errors.New("unsafe argument")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// CheckIdentifier verifies that s may be embedded in a command argument.
// Identifiers come from directory names and config contents.
func CheckIdentifier(s string) error {
	if !identifierPattern.MatchString(s) || strings.Contains(s, "..") {
		return fmt.Errorf("%w: %q", ErrUnsafeArgument, s)
	}
	return nil
}

// CommandSpec describes one subprocess invocation.
type CommandSpec struct {
	// Program is the executable name or absolute path.
	Program string `validate:"required,program"`

	// Args are passed to the program as-is.
	Args []string `validate:"dive,safearg"`

	// WorkingDir is the directory the process runs in.
	WorkingDir string `validate:"required"`

	// Env is merged over the parent environment.
	Env map[string]string

	// Timeout bounds the invocation. Zero means the caller's context only.
	Timeout time.Duration `validate:"min=0"`
}

// String renders the command line for logs.
func (s CommandSpec) String() string {
	return strings.TrimSpace(s.Program + " " + strings.Join(s.Args, " "))
}

// Result is the outcome of a process that ran to completion.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Output returns stderr followed by stdout as text.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(string(r.Stderr) + "\n" + string(r.Stdout))
}

// Tail returns at most n trailing bytes of Output.
func (r *Result) Tail(n int) string {
	out := r.Output()
	if len(out) <= n {
		return out
	}
	return out[len(out)-n:]
}

// ProcessRunner runs a CommandSpec. A non-zero exit code is reported in the
// Result, not as an error; errors mean the process could not be run or was
// cut short by its context.
type ProcessRunner interface {
	Run(ctx context.Context, spec CommandSpec) (*Result, error)
}

var specValidator = newSpecValidator()

func newSpecValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("safearg", func(fl validator.FieldLevel) bool {
		arg := fl.Field().String()
		return arg != "" && !strings.ContainsAny(arg, "\x00\n\r`$;|&<>")
	})
	_ = v.RegisterValidation("program", func(fl validator.FieldLevel) bool {
		p := fl.Field().String()
		if filepath.IsAbs(p) {
			return !strings.Contains(p, "..")
		}
		return identifierPattern.MatchString(p)
	})
	return v
}

// Validate checks the spec against the argument allow-list and confines the
// working directory to root when root is non-empty.
func Validate(spec CommandSpec, root string) error {
	if err := specValidator.Struct(spec); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsafeArgument, err.Error())
	}
	if root == "" {
		return nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	absDir := resolveDir(absRoot, spec.WorkingDir)
	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: working dir %s escapes %s", ErrUnsafeArgument, spec.WorkingDir, root)
	}
	return nil
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	root   string
	logger zerolog.Logger
}

// NewExecRunner creates a runner that refuses working directories outside root.
func NewExecRunner(root string, logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{
		root:   root,
		logger: logger.With().Str("component", "runner").Logger(),
	}
}

// Run implements ProcessRunner.
func (r *ExecRunner) Run(ctx context.Context, spec CommandSpec) (*Result, error) {
	if err := Validate(spec, r.root); err != nil {
		return nil, err
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...) //nolint:gosec // args validated above
	cmd.Dir = spec.WorkingDir
	if r.root != "" {
		if absRoot, err := filepath.Abs(r.root); err == nil {
			cmd.Dir = resolveDir(absRoot, spec.WorkingDir)
		}
	}
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().
		Str("command", spec.String()).
		Str("dir", spec.WorkingDir).
		Msg("Starting process")

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s interrupted: %w", spec.Program, ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("failed to run %s: %w", spec.Program, err)
	}

	r.logger.Debug().
		Str("command", spec.String()).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("Process finished")

	return res, nil
}

// resolveDir interprets a relative working directory against root.
func resolveDir(absRoot, dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(absRoot, dir)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, override := extra[name]; !override {
			env = append(env, kv)
		}
	}
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
