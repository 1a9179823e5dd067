package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/unitctl/pkg/config"
	"github.com/openfroyo/unitctl/pkg/orchestrator"
)

// ErrUnitsFailed is returned when a run finished with failed, invalid,
// blocked or skipped units. The process exits with status 1.
var ErrUnitsFailed = errors.New("one or more units did not succeed")

var (
	// Global flags
	configPath   string
	rootDir      string
	verbose      bool
	jsonOutput   bool
	artifactsDir string
	dbPath       string
	metricsFile  string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "unitctl",
		Short: "unitctl - deployment unit orchestration for infrastructure-as-code",
		Long: `unitctl turns a change set of variable files into deployment units and
takes each unit through validation, plan, policy and apply.

Features:
  - Discovery of units from pull-request diffs or git refs
  - Unique remote state keys per unit
  - Local pre-flight checks (CUE schema, Starlark custom checks)
  - Policy gate over plan documents (OPA or an external command)
  - Deletion protection for production units
  - State backup before every apply and rollback on failure
  - Redacted and full audit trails`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default unitctl.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "repository root")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&artifactsDir, "artifacts-dir", "", "directory receiving per-run artifacts")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database for runs, results and audit records")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(newRunCommand(orchestrator.CommandDiscover))
	rootCmd.AddCommand(newRunCommand(orchestrator.CommandValidate))
	rootCmd.AddCommand(newRunCommand(orchestrator.CommandPlan))
	rootCmd.AddCommand(newRunCommand(orchestrator.CommandApply))
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadSettings reads the settings file and applies flag and environment overrides.
func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		s.Telemetry.LogLevel = level
	}
	if verbose {
		s.Telemetry.LogLevel = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if artifactsDir != "" {
		s.ArtifactsDir = artifactsDir
	}
	if dbPath != "" {
		s.Audit.StorePath = dbPath
	}
	if metricsFile != "" {
		s.Telemetry.MetricsFile = metricsFile
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// openRuntime wires the runtime for a command. The caller must close it.
func openRuntime(cmd *cobra.Command) (*orchestrator.Runtime, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return orchestrator.Open(cmd.Context(), s, orchestrator.OpenOptions{
		Root:      rootDir,
		Version:   buildVersion,
		LogWriter: os.Stderr,
	})
}

func closeRuntime(cmd *cobra.Command, rt *orchestrator.Runtime) {
	if err := rt.Close(context.WithoutCancel(cmd.Context())); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
}
