package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"
)

const freezeRego = `# Deployments to eu-west-1 are frozen
# during the migration.
# severity: critical
# tags: freeze, regions

package unitctl.custom.freeze

import rego.v1

deny contains "frozen" if input.unit.region == "eu-west-1"
`

const baselineBundle = `{
  "name": "baseline",
  "version": "1.0.0",
  "policies": [
    {"name": "one", "rego": "package one\n", "enabled": true},
    {"name": "two", "rego": "package two\n", "severity": "error", "enabled": true},
    {"name": "three", "rego": "package three\n", "enabled": false}
  ]
}`

func policyFS(t *testing.T, files map[string]string) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for name, content := range files {
		if err := util.WriteFile(fs, name, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func load(t *testing.T, fs billy.Filesystem, paths ...string) ([]Policy, error) {
	t.Helper()
	return NewLoader(fs, zerolog.Nop()).Load(context.Background(), paths)
}

func TestLoad_RegoFile(t *testing.T) {
	fs := policyFS(t, map[string]string{"policies/region-freeze.rego": freezeRego})

	policies, err := load(t, fs, "policies/region-freeze.rego")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "region-freeze" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.Description != "Deployments to eu-west-1 are frozen during the migration." {
		t.Errorf("Description = %q", p.Description)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Severity = %q", p.Severity)
	}
	if strings.Join(p.Tags, ",") != "freeze,regions" {
		t.Errorf("Tags = %v", p.Tags)
	}
	if !p.Enabled || p.Metadata["source"] != "policies/region-freeze.rego" {
		t.Errorf("unexpected policy %+v", p)
	}
}

func TestLoad_JSONPolicy(t *testing.T) {
	fs := policyFS(t, map[string]string{
		"tagging.json": `{"name": "tagging", "rego": "package t\n", "severity": "Warning", "enabled": true}`,
	})

	policies, err := load(t, fs, "tagging.json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "tagging" || policies[0].Severity != SeverityMedium {
		t.Errorf("unexpected policies %+v", policies)
	}
}

func TestLoad_Bundle(t *testing.T) {
	fs := policyFS(t, map[string]string{"baseline.json": baselineBundle})

	policies, err := load(t, fs, "baseline.json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected the disabled policy to be dropped, got %+v", policies)
	}
	if policies[0].Name != "one" || policies[0].Severity != SeverityMedium {
		t.Errorf("first policy = %+v", policies[0])
	}
	if policies[1].Name != "two" || policies[1].Severity != SeverityHigh {
		t.Errorf("second policy = %+v", policies[1])
	}
	if policies[0].Metadata["bundle"] != "baseline" || policies[0].Metadata["bundle_version"] != "1.0.0" {
		t.Errorf("bundle metadata = %v", policies[0].Metadata)
	}
}

func TestLoad_InvalidFilesNamedDirectly(t *testing.T) {
	fs := policyFS(t, map[string]string{
		"bad.json":      "{not json",
		"nameless.json": `{"rego": "package x"}`,
		"empty.json":    `{"name": "empty"}`,
	})

	for _, p := range []string{"bad.json", "nameless.json", "empty.json", "missing.rego"} {
		if _, err := load(t, fs, p); err == nil {
			t.Errorf("expected error for %s", p)
		}
	}
}

func TestLoad_DirectoryIsRecursiveAndSkipsBrokenFiles(t *testing.T) {
	fs := policyFS(t, map[string]string{
		"policies/b.rego":             "package b\n",
		"policies/nested/a.rego":      "package a\n",
		"policies/nested/broken.json": "{",
		"policies/README.md":          "# policies",
	})

	policies, err := load(t, fs, "policies")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "a" || policies[1].Name != "b" {
		t.Errorf("policies not sorted by name: %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoad_DuplicateNames(t *testing.T) {
	fs := policyFS(t, map[string]string{
		"team-a/tags.rego": "package a\n",
		"team-b/tags.rego": "package b\n",
	})

	_, err := load(t, fs, "team-a", "team-b")
	if err == nil || !strings.Contains(err.Error(), `duplicate policy "tags"`) {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fs := policyFS(t, map[string]string{"p.rego": "package p\n"})
	if _, err := NewLoader(fs, zerolog.Nop()).Load(ctx, []string{"p.rego"}); err == nil {
		t.Fatal("expected cancelled load to fail")
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantDesc string
		wantSev  string
	}{
		{name: "no comments", content: "package x\n", wantDesc: ""},
		{name: "single line", content: "# Blocks things\npackage x\n", wantDesc: "Blocks things"},
		{name: "stops at blank line", content: "# First\n\n# Second\npackage x\n", wantDesc: "First"},
		{name: "severity only", content: "# Severity: HIGH\npackage x\n", wantDesc: "", wantSev: "HIGH"},
		{name: "leading blank lines", content: "\n\n# Late start\npackage x\n", wantDesc: "Late start"},
		{name: "other keys stay in description", content: "# Owner: platform\npackage x\n", wantDesc: "Owner: platform"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := parseHeader(tt.content)
			if h.description != tt.wantDesc {
				t.Errorf("description = %q, want %q", h.description, tt.wantDesc)
			}
			if h.severity != tt.wantSev {
				t.Errorf("severity = %q, want %q", h.severity, tt.wantSev)
			}
		})
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	fs := policyFS(t, map[string]string{"policies/region-freeze.rego": freezeRego})

	ctx := context.Background()
	e, err := NewEngine(zerolog.Nop(), WithBuiltins(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.LoadPolicies(ctx, fs, []string{"policies"}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	u := testUnit("development")
	u.Region = "eu-west-1"
	verdict, err := e.Evaluate(ctx, u, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(verdict.Violations) != 1 || verdict.Violations[0].Severity != "critical" || !verdict.Blocking {
		t.Errorf("unexpected verdict %+v", verdict)
	}
}
