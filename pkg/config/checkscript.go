package config

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	// DefaultCheckTimeout bounds a check script when no timeout is given.
	DefaultCheckTimeout = 5 * time.Second

	// checkStepBudget bounds the work of a single check run.
	checkStepBudget = 1_000_000
)

var checkFileOptions = &syntax.FileOptions{
	Set:             true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// CheckScript is a custom validation check written in Starlark.
//
// The unit under validation is bound to the predeclared name unit as a
// frozen dict. A script reports findings by assigning lists of strings to
// the globals errors and warnings. Every other global is ignored.
type CheckScript struct {
	Name string

	prog       *starlark.Program
	compileErr error
}

// CheckFindings is what one run of a check script reported.
type CheckFindings struct {
	Errors   []string      `json:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// CompileCheckScript parses src once. A script that does not compile is
// still returned; every Run reports the compile error.
func CompileCheckScript(name string, src []byte) *CheckScript {
	_, prog, err := starlark.SourceProgramOptions(checkFileOptions, name, src, func(n string) bool {
		return n == "unit"
	})
	return &CheckScript{Name: name, prog: prog, compileErr: err}
}

// Run executes the script against unit. The run is cancelled when ctx is
// done, when timeout elapses or when the step budget is spent.
func (c *CheckScript) Run(ctx context.Context, timeout time.Duration, unit map[string]interface{}) (*CheckFindings, error) {
	if c.compileErr != nil {
		return nil, fmt.Errorf("compile %s: %w", c.Name, c.compileErr)
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}

	value, err := starlarkValue(unit)
	if err != nil {
		return nil, fmt.Errorf("bind unit: %w", err)
	}
	value.Freeze()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  c.Name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(checkStepBudget)
	stop := context.AfterFunc(runCtx, func() {
		thread.Cancel(fmt.Sprintf("check stopped after %v", timeout))
	})
	defer stop()

	start := time.Now()
	globals, err := c.prog.Init(thread, starlark.StringDict{"unit": value})
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", c.Name, err)
	}

	findings := &CheckFindings{Elapsed: time.Since(start)}
	if findings.Errors, err = stringsGlobal(globals, "errors"); err != nil {
		return nil, err
	}
	if findings.Warnings, err = stringsGlobal(globals, "warnings"); err != nil {
		return nil, err
	}
	return findings, nil
}

// stringsGlobal reads a list or tuple of strings. A missing global is empty.
func stringsGlobal(globals starlark.StringDict, name string) ([]string, error) {
	v, ok := globals[name]
	if !ok || v == starlark.None {
		return nil, nil
	}
	seq, ok := v.(starlark.Indexable)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings, got %s", name, v.Type())
	}
	out := make([]string, 0, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		s, ok := starlark.AsString(seq.Index(i))
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string, got %s", name, i, seq.Index(i).Type())
		}
		out = append(out, s)
	}
	return out, nil
}

// starlarkValue converts the unit description to Starlark. Maps become dicts
// with sorted keys so scripts iterate deterministically.
func starlarkValue(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(val), nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case map[string]string:
		d := starlark.NewDict(len(val))
		for _, k := range slices.Sorted(maps.Keys(val)) {
			if err := d.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[string]interface{}:
		d := starlark.NewDict(len(val))
		for _, k := range slices.Sorted(maps.Keys(val)) {
			item, err := starlarkValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := d.SetKey(starlark.String(k), item); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
}
