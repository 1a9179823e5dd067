package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/unitctl/pkg/audit"
	"github.com/openfroyo/unitctl/pkg/config"
	"github.com/openfroyo/unitctl/pkg/discovery"
	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/policy"
	"github.com/openfroyo/unitctl/pkg/runner"
	"github.com/openfroyo/unitctl/pkg/state"
	"github.com/openfroyo/unitctl/pkg/stores"
	"github.com/openfroyo/unitctl/pkg/telemetry"
	"github.com/openfroyo/unitctl/pkg/validate"
)

// OpenOptions adjust how a Runtime is built.
type OpenOptions struct {
	// Root is the repository root. Relative paths in settings resolve against it.
	Root string

	// Version is reported in traces.
	Version string

	// LogWriter receives logs. Defaults to os.Stderr.
	LogWriter io.Writer

	// Runner replaces the os/exec runner of the tool and the policy command.
	Runner runner.ProcessRunner
}

// Runtime is everything a command needs, built from settings.
type Runtime struct {
	Settings     *config.Settings
	Root         string
	Telemetry    *telemetry.Telemetry
	Store        *stores.SQLiteStore
	State        *state.Manager
	Orchestrator *Orchestrator

	redacted *audit.JSONLSink
	logger   zerolog.Logger
}

// Open wires a Runtime. The caller must Close it.
func Open(ctx context.Context, s *config.Settings, opts OpenOptions) (rt *Runtime, err error) {
	root := opts.Root
	if root == "" {
		root = "."
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}

	rt = &Runtime{Settings: s, Root: root}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
			rt = nil
		}
	}()

	rt.Telemetry, err = telemetry.New(ctx, telemetry.FromSettings(s.Telemetry, opts.Version), w)
	if err != nil {
		return rt, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	rt.logger = rt.Telemetry.Logger.Zerolog()

	if err := rt.openStore(ctx); err != nil {
		return rt, err
	}
	if err := rt.openState(ctx); err != nil {
		return rt, err
	}

	reader := config.NewReader(osfs.New(root), config.NewCache())
	registry, err := config.LoadRegistry(rt.path(s.RegistryPath))
	if err != nil {
		return rt, err
	}
	disc := discovery.New(reader, registry, discovery.Options{
		Root:       s.DeploymentRoot,
		Extensions: s.Extensions,
	}, rt.logger)

	validator, err := validate.New(reader, validate.Options{
		Disabled:       s.Validation.Disabled,
		RequiredFields: s.Validation.RequiredFields,
		ExtraRegions:   s.Validation.ExtraRegions,
		ChecksDir:      s.Validation.ChecksDir,
	}, rt.logger)
	if err != nil {
		return rt, fmt.Errorf("failed to set up validator: %w", err)
	}

	r := opts.Runner
	if r == nil {
		r = runner.NewExecRunner(root, rt.logger)
	}
	gate, err := rt.newGate(ctx, r)
	if err != nil {
		return rt, err
	}
	executor, err := rt.newExecutor(r, gate)
	if err != nil {
		return rt, err
	}

	redactedPath := rt.path(s.Audit.RedactedPath)
	rt.redacted, err = audit.NewJSONLSink(osfs.New(filepath.Dir(redactedPath)), filepath.Base(redactedPath))
	if err != nil {
		return rt, err
	}

	artifactsDir := rt.path(s.ArtifactsDir)
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return rt, fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	rt.Orchestrator, err = New(Config{
		Discoverer: disc,
		Validator:  validator,
		Executor:   executor,
		Gate:       gate,
		Store:      rt.Store,
		Artifacts:  osfs.New(artifactsDir),
		Redacted:   rt.redacted,
		Telemetry:  rt.Telemetry,
		MaxWorkers: s.Execution.MaxWorkers,
	}, rt.logger)
	return rt, err
}

// ArtifactsDir is the absolute artifacts directory.
func (rt *Runtime) ArtifactsDir() string {
	return rt.path(rt.Settings.ArtifactsDir)
}

func (rt *Runtime) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(rt.Root, p)
}

func (rt *Runtime) openStore(ctx context.Context) error {
	dbPath := rt.path(rt.Settings.Audit.StorePath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	rt.Store = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

func (rt *Runtime) openState(ctx context.Context) error {
	s := rt.Settings.State

	var backing state.Store
	switch s.Kind {
	case "s3":
		store, err := state.NewS3Store(ctx, s.Bucket, s.Region, "")
		if err != nil {
			return err
		}
		backing = store
	case "local":
		dir := rt.path(s.LocalDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
		backing = state.NewLocalStore(osfs.New(dir))
	default:
		return fmt.Errorf("unsupported state kind: %s", s.Kind)
	}

	rt.State = state.NewManager(backing, state.ManagerOptions{
		StatePrefix:  s.Prefix,
		BackupPrefix: s.BackupPrefix,
		Records:      rt.Store,
	}, rt.logger)
	return nil
}

func (rt *Runtime) newExecutor(r runner.ProcessRunner, gate engine.PolicyGate) (*engine.Executor, error) {
	s := rt.Settings

	backendConfig := make(map[string]string, len(s.Tool.BackendConfig)+2)
	if s.State.Kind == "s3" {
		backendConfig["bucket"] = s.State.Bucket
		if s.State.Region != "" {
			backendConfig["region"] = s.State.Region
		}
	}
	for k, v := range s.Tool.BackendConfig {
		backendConfig[k] = v
	}

	opts := []engine.ExecutorOption{
		engine.WithBackuper(rt.State),
		engine.WithObserver(rt.Telemetry.Metrics),
		engine.WithLogger(rt.logger),
	}
	if gate != nil {
		opts = append(opts, engine.WithPolicyGate(gate))
	}
	if len(s.Execution.TransientPatterns) > 0 {
		classifier, err := engine.NewClassifier(s.Execution.TransientPatterns)
		if err != nil {
			return nil, fmt.Errorf("invalid transient patterns: %w", err)
		}
		opts = append(opts, engine.WithClassifier(classifier))
	}
	if s.Execution.RateLimit > 0 {
		opts = append(opts, engine.WithRateLimiter(rate.NewLimiter(rate.Limit(s.Execution.RateLimit), 1)))
	}

	return engine.NewExecutor(engine.ExecutorConfig{
		Binary:        s.Tool.Binary,
		BackendConfig: backendConfig,
		PlanDir:       rt.path(s.Tool.PlanDir),
		Retry: engine.RetryPolicy{
			MaxAttempts: s.Execution.MaxAttempts,
			BaseDelay:   s.Execution.BaseDelay,
			MaxDelay:    s.Execution.MaxDelay,
		},
		Timeout: s.Execution.Timeout,
	}, r, opts...)
}

func (rt *Runtime) newGate(ctx context.Context, r runner.ProcessRunner) (engine.PolicyGate, error) {
	s := rt.Settings.Policy
	switch s.Mode {
	case "opa":
		eng, err := policy.NewEngine(rt.logger, policy.WithBuiltins(s.Builtins))
		if err != nil {
			return nil, err
		}
		if len(s.Paths) > 0 {
			if err := eng.LoadPolicies(ctx, osfs.New(rt.Root), s.Paths); err != nil {
				return nil, err
			}
		}
		return eng, nil
	case "command":
		return policy.NewCommandGate(policy.CommandGateConfig{
			Command: s.Command,
			Timeout: s.Timeout,
		}, r, rt.logger)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported policy mode: %s", s.Mode)
	}
}

// Close releases the store and the audit file and flushes telemetry.
func (rt *Runtime) Close(ctx context.Context) error {
	var result *multierror.Error
	if rt.redacted != nil {
		if err := rt.redacted.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.Telemetry != nil {
		if err := rt.Telemetry.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
