package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultSettingsFile is looked up in the working directory when no path is given.
const DefaultSettingsFile = "unitctl.yaml"

// Settings is the engine configuration file.
type Settings struct {
	// DeploymentRoot is the directory under which units live.
	DeploymentRoot string `yaml:"deployment_root" validate:"required"`

	// Extensions are the config file extensions treated as units.
	Extensions []string `yaml:"extensions" validate:"required,min=1,dive,startswith=."`

	// RegistryPath is the account registry file.
	RegistryPath string `yaml:"registry_path"`

	// ArtifactsDir receives per-run artifacts.
	ArtifactsDir string `yaml:"artifacts_dir" validate:"required"`

	Tool       ToolSettings       `yaml:"tool"`
	Execution  ExecutionSettings  `yaml:"execution"`
	State      StateSettings      `yaml:"state"`
	Policy     PolicySettings     `yaml:"policy"`
	Audit      AuditSettings      `yaml:"audit"`
	Validation ValidationSettings `yaml:"validation"`
	Telemetry  TelemetrySettings  `yaml:"telemetry"`
}

// ToolSettings selects the infrastructure tool binary.
type ToolSettings struct {
	// Binary is terraform, tofu or an absolute path to either.
	Binary string `yaml:"binary" validate:"required"`

	// BackendConfig is passed as extra -backend-config=k=v pairs on init.
	BackendConfig map[string]string `yaml:"backend_config"`

	// PlanDir holds plan files and per-unit tool data directories.
	PlanDir string `yaml:"plan_dir"`
}

// ExecutionSettings bounds unit execution.
type ExecutionSettings struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1,max=10"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"min=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"min=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"min=0"`

	// MaxWorkers caps parallel partitions. Zero selects the default.
	MaxWorkers int `yaml:"max_workers" validate:"min=0"`

	// RateLimit is the number of tool invocations per second across workers. Zero disables it.
	RateLimit float64 `yaml:"rate_limit" validate:"min=0"`

	// TransientPatterns override the built-in retryable failure patterns.
	TransientPatterns []string `yaml:"transient_patterns"`
}

// StateSettings selects where remote state and snapshots live.
type StateSettings struct {
	Kind         string `yaml:"kind" validate:"oneof=s3 local"`
	Bucket       string `yaml:"bucket" validate:"required_if=Kind s3"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix"`
	BackupPrefix string `yaml:"backup_prefix" validate:"required"`
	LocalDir     string `yaml:"local_dir" validate:"required_if=Kind local"`
}

// PolicySettings configures the policy gate.
type PolicySettings struct {
	Mode     string        `yaml:"mode" validate:"oneof=opa command none"`
	Paths    []string      `yaml:"paths"`
	Builtins bool          `yaml:"builtins"`
	Command  []string      `yaml:"command" validate:"required_if=Mode command"`
	Timeout  time.Duration `yaml:"timeout" validate:"min=0"`
}

// AuditSettings configures the audit recorder.
type AuditSettings struct {
	// RedactedPath is the JSONL file receiving redacted records.
	RedactedPath string `yaml:"redacted_path" validate:"required"`

	// StorePath is the SQLite database holding full records.
	StorePath string `yaml:"store_path" validate:"required"`
}

// ValidationSettings configures the pre-flight validator.
type ValidationSettings struct {
	// Disabled lists checks to skip.
	Disabled []string `yaml:"disabled"`

	// RequiredFields lists required top-level fields per environment.
	RequiredFields map[string][]string `yaml:"required_fields"`

	// ChecksDir holds custom *.star checks.
	ChecksDir string `yaml:"checks_dir"`

	// ExtraRegions extends the built-in region list.
	ExtraRegions []string `yaml:"extra_regions"`
}

// TelemetrySettings configures logging, metrics and tracing.
type TelemetrySettings struct {
	LogLevel      string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat     string `yaml:"log_format" validate:"oneof=console json"`
	MetricsFile   string `yaml:"metrics_file"`
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint string `yaml:"trace_endpoint"`
}

// DefaultSettings returns settings usable without a config file.
func DefaultSettings() *Settings {
	return &Settings{
		DeploymentRoot: "deployments",
		Extensions:     []string{".tfvars"},
		RegistryPath:   "accounts.yaml",
		ArtifactsDir:   ".unitctl/runs",
		Tool: ToolSettings{
			Binary: "terraform",
		},
		Execution: ExecutionSettings{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			Timeout:     30 * time.Minute,
			RateLimit:   5,
		},
		State: StateSettings{
			Kind:         "local",
			BackupPrefix: "backups",
			LocalDir:     ".unitctl/state",
		},
		Policy: PolicySettings{
			Mode:     "opa",
			Builtins: true,
			Timeout:  2 * time.Minute,
		},
		Audit: AuditSettings{
			RedactedPath: ".unitctl/audit.jsonl",
			StorePath:    ".unitctl/unitctl.db",
		},
		Validation: ValidationSettings{
			RequiredFields: map[string][]string{
				"development": {"account_name", "regions"},
				"staging":     {"account_name", "regions", "owner"},
				"production":  {"account_name", "account_id", "regions", "owner", "cost_center"},
			},
		},
		Telemetry: TelemetrySettings{
			LogLevel:      "info",
			LogFormat:     "console",
			TraceExporter: "none",
		},
	}
}

var settingsValidator = validator.New()

// Validate checks settings against their struct tags.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// LoadSettings reads path over the defaults. An empty path tries
// DefaultSettingsFile and falls back to defaults when it does not exist.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	explicit := path != ""
	if !explicit {
		path = DefaultSettingsFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return s, s.Validate()
		}
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
