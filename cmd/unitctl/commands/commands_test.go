package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/orchestrator"
)

const accountsYAML = `accounts:
  - name: acme-dev
    id: "111111111111"
    environment: development
`

const bucketConfig = `account_name = "acme-dev"
environment  = "development"
regions      = ["us-east-1"]

s3_buckets = {
  logs = {
    bucket_name = "acme-dev-logs"
  }
}
`

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "abc123", "2026-01-01")
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDiscoverCommand_JSON(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"accounts.yaml": accountsYAML,
		"deployments/acme-dev/us-east-1/storage/terraform.tfvars": bucketConfig,
	})

	out, err := execute(t, "discover", "--root", root, "--json",
		"deployments/acme-dev/us-east-1/storage/terraform.tfvars")
	require.NoError(t, err)

	var report orchestrator.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, engine.RunStatusSucceeded, report.Status)
	require.Len(t, report.Outcomes, 1)
	assert.NotEmpty(t, report.Outcomes[0].BackendKey)
	assert.True(t, report.Outcomes[0].Unit.AccountResolved)

	_, err = os.Stat(filepath.Join(root, ".unitctl", "runs", report.RunID, "units.json"))
	assert.NoError(t, err)
}

func TestValidateCommand_InvalidUnitFailsRun(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"accounts.yaml": accountsYAML,
		"deployments/acme-dev/mars-1/storage/terraform.tfvars": bucketConfig,
	})

	out, err := execute(t, "validate", "--root", root, "--all")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnitsFailed))
	assert.Contains(t, out, "invalid")
	assert.Contains(t, out, "region")
}

func TestRunCommand_RequiresChangeSet(t *testing.T) {
	root := writeRepo(t, map[string]string{"accounts.yaml": accountsYAML})

	_, err := execute(t, "plan", "--root", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no change set")
}

func TestRunCommand_UnknownEnvironment(t *testing.T) {
	_, err := execute(t, "discover", "--all", "--environment", "qa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown environment")
}

func TestRunsCommand_ListsPreviousRuns(t *testing.T) {
	root := writeRepo(t, map[string]string{
		"accounts.yaml": accountsYAML,
		"deployments/acme-dev/us-east-1/storage/terraform.tfvars": bucketConfig,
	})

	_, err := execute(t, "discover", "--root", root, "--all")
	require.NoError(t, err)

	out, err := execute(t, "runs", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "discover")
	assert.Contains(t, out, string(engine.RunStatusSucceeded))
}

func TestStateBackupsCommand_RequiresKey(t *testing.T) {
	_, err := execute(t, "state", "backups")
	require.Error(t, err)
}

func TestStateBackupsCommand_Empty(t *testing.T) {
	root := writeRepo(t, map[string]string{"accounts.yaml": accountsYAML})

	out, err := execute(t, "state", "backups", "--root", root, "--json", "--key", "acme-dev/us-east-1/s3/logs/logs.tfstate")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "unitctl test (commit: abc123")
}
