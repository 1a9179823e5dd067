package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func prodUnit() map[string]interface{} {
	return map[string]interface{}{
		"environment": "production",
		"fields":      []string{"account_name"},
		"services":    []string{"iam", "kms", "s3"},
		"scalars":     map[string]string{"owner": "", "account_name": "acme-prod"},
	}
}

func TestCheckScript_Run(t *testing.T) {
	tests := []struct {
		name         string
		script       string
		wantErrors   []string
		wantWarnings []string
		wantErr      string
	}{
		{
			name: "findings from unit",
			script: `errors = []
warnings = []
if unit["environment"] == "production" and "owner" not in unit["fields"]:
    errors.append("production units must declare owner")
if len(unit["services"]) > 2:
    warnings.append("unit declares %d services" % len(unit["services"]))
`,
			wantErrors:   []string{"production units must declare owner"},
			wantWarnings: []string{"unit declares 3 services"},
		},
		{
			name:         "tuples and helper functions",
			script:       "def _names():\n    return sorted(unit[\"scalars\"].keys())\nwarnings = tuple(_names())\n",
			wantWarnings: []string{"account_name", "owner"},
		},
		{
			name:   "no findings declared",
			script: "x = 1\n",
		},
		{
			name:    "non-string finding",
			script:  "errors = [1]\n",
			wantErr: "errors[0] must be a string",
		},
		{
			name:    "findings not a list",
			script:  "warnings = \"oops\"\n",
			wantErr: "warnings must be a list of strings",
		},
		{
			name:    "compile error",
			script:  "errors = (\n",
			wantErr: "compile",
		},
		{
			name:    "undefined name",
			script:  "errors = [hosts]\n",
			wantErr: "compile",
		},
		{
			name:    "runtime error",
			script:  "x = 1 // 0\n",
			wantErr: "run",
		},
		{
			name:    "unit is frozen",
			script:  "unit[\"environment\"] = \"development\"\n",
			wantErr: "frozen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := CompileCheckScript(tt.name+".star", []byte(tt.script))
			findings, err := check.Run(context.Background(), time.Second, prodUnit())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Run() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if strings.Join(findings.Errors, "|") != strings.Join(tt.wantErrors, "|") {
				t.Errorf("errors = %v, want %v", findings.Errors, tt.wantErrors)
			}
			if strings.Join(findings.Warnings, "|") != strings.Join(tt.wantWarnings, "|") {
				t.Errorf("warnings = %v, want %v", findings.Warnings, tt.wantWarnings)
			}
		})
	}
}

func TestCheckScript_Timeout(t *testing.T) {
	check := CompileCheckScript("spin.star", []byte(`
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n
x = spin()
`))

	start := time.Now()
	if _, err := check.Run(context.Background(), 50*time.Millisecond, nil); err == nil {
		t.Fatal("expected the script to be stopped")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("check was not stopped promptly")
	}
}

func TestCheckScript_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	check := CompileCheckScript("loop.star", []byte("def f():\n    for i in range(100000000):\n        pass\nf()\n"))
	if _, err := check.Run(ctx, time.Minute, nil); err == nil {
		t.Fatal("expected a cancelled context to stop the check")
	}
}
