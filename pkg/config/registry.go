package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Account is one entry of the account registry.
type Account struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	ID          string `yaml:"id" json:"id" validate:"omitempty,numeric,len=12"`
	Environment string `yaml:"environment" json:"environment,omitempty" validate:"omitempty,oneof=development staging production dev stage prod"`
}

// Registry resolves account directory names to account identifiers.
type Registry struct {
	accounts map[string]Account
}

type registryFile struct {
	Accounts []Account `yaml:"accounts" validate:"dive"`
}

// NewRegistry builds a registry from a list of accounts.
func NewRegistry(accounts []Account) *Registry {
	r := &Registry{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		r.accounts[a.Name] = a
	}
	return r
}

// LoadRegistry reads an accounts file. A missing file yields an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewRegistry(nil), nil
		}
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates registry YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}

	seen := make(map[string]bool, len(f.Accounts))
	for _, a := range f.Accounts {
		if seen[a.Name] {
			return nil, fmt.Errorf("invalid registry: duplicate account %q", a.Name)
		}
		seen[a.Name] = true
	}
	return NewRegistry(f.Accounts), nil
}

// Lookup returns the account registered under name.
func (r *Registry) Lookup(name string) (Account, bool) {
	if r == nil {
		return Account{}, false
	}
	a, ok := r.accounts[name]
	return a, ok
}

// Names returns the registered account names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.accounts))
	for n := range r.accounts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
