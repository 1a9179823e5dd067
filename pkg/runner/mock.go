package runner

import (
	"context"
	"sync"
)

// MockRunner is a test double for ProcessRunner that records calls and
// returns responses produced by RunFn.
type MockRunner struct {
	// RunFn is called for every invocation. If nil, an empty successful result is returned.
	RunFn func(ctx context.Context, spec CommandSpec) (*Result, error)

	mu    sync.Mutex
	calls []CommandSpec
}

// Run implements ProcessRunner.
func (m *MockRunner) Run(ctx context.Context, spec CommandSpec) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, spec)
	m.mu.Unlock()

	if m.RunFn != nil {
		return m.RunFn(ctx, spec)
	}
	return &Result{}, nil
}

// Calls returns a copy of the recorded invocations.
func (m *MockRunner) Calls() []CommandSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommandSpec, len(m.calls))
	copy(out, m.calls)
	return out
}

// Subcommands returns the first argument of each recorded invocation.
func (m *MockRunner) Subcommands() []string {
	calls := m.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		if len(c.Args) > 0 {
			out = append(out, c.Args[0])
		}
	}
	return out
}
