package config

import (
	"path/filepath"
	"testing"
)

func TestParseRegistry(t *testing.T) {
	r, err := ParseRegistry([]byte(`
accounts:
  - name: acme-prod
    id: "123456789012"
    environment: production
  - name: acme-dev
    id: "210987654321"
`))
	if err != nil {
		t.Fatalf("ParseRegistry() error = %v", err)
	}

	a, ok := r.Lookup("acme-prod")
	if !ok {
		t.Fatal("expected acme-prod")
	}
	if a.ID != "123456789012" || a.Environment != "production" {
		t.Errorf("unexpected account: %+v", a)
	}
	if _, ok := r.Lookup("unknown"); ok {
		t.Error("did not expect unknown account")
	}
	if got := r.Names(); len(got) != 2 || got[0] != "acme-dev" {
		t.Errorf("Names() = %v", got)
	}
}

func TestParseRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "short id", content: "accounts:\n  - name: a\n    id: \"123\"\n"},
		{name: "missing name", content: "accounts:\n  - id: \"123456789012\"\n"},
		{name: "duplicate", content: "accounts:\n  - name: a\n  - name: a\n"},
		{name: "bad environment", content: "accounts:\n  - name: a\n    environment: qa\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRegistry([]byte(tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadRegistry_MissingFileIsEmpty(t *testing.T) {
	r, err := LoadRegistry(filepath.Join(t.TempDir(), "accounts.yaml"))
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	if len(r.Names()) != 0 {
		t.Errorf("expected empty registry")
	}
}
