// Package discovery maps changed files to deployment units.
//
// Units live at <root>/<account>/<region>/<project>/<name><ext>. Every config
// file in a touched project directory becomes its own unit, including peers
// that did not change.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/openfroyo/unitctl/pkg/config"
	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/runner"
)

// Environment sources recorded on DeploymentUnit.EnvironmentSource.
const (
	SourceConfig   = "config"
	SourceRegistry = "registry"
	SourceName     = "account_name"
	SourceDefault  = "default"
)

// Filters narrow a discovery to matching units. Empty fields match everything.
type Filters struct {
	Accounts     []string             `json:"accounts,omitempty"`
	Regions      []string             `json:"regions,omitempty"`
	Environments []engine.Environment `json:"environments,omitempty"`
}

// Match reports whether unit passes every non-empty filter.
func (f Filters) Match(unit *engine.DeploymentUnit) bool {
	if len(f.Accounts) > 0 && !contains(f.Accounts, unit.AccountName) {
		return false
	}
	if len(f.Regions) > 0 && !contains(f.Regions, unit.Region) {
		return false
	}
	if len(f.Environments) > 0 {
		found := false
		for _, e := range f.Environments {
			found = found || e == unit.Environment
		}
		if !found {
			return false
		}
	}
	return true
}

// Warning is a changed path that could not be turned into a unit.
type Warning struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of one discovery.
type Result struct {
	// Units are sorted by ID.
	Units []*engine.DeploymentUnit `json:"units"`

	// Warnings explain omitted paths.
	Warnings []Warning `json:"warnings,omitempty"`

	// Ignored are changed paths outside the deployment root or with another extension.
	Ignored []string `json:"ignored,omitempty"`

	// Filtered counts units dropped by filters.
	Filtered int `json:"filtered"`
}

// Options configure a Discoverer.
type Options struct {
	// Root is the deployment root, relative to the filesystem root.
	Root string

	// Extensions are the recognized config extensions, e.g. ".tfvars".
	Extensions []string
}

// Discoverer resolves changed paths into deployment units.
type Discoverer struct {
	fs         billy.Filesystem
	reader     *config.Reader
	registry   *config.Registry
	root       string
	extensions []string
	logger     zerolog.Logger
}

// New creates a discoverer reading through reader. A nil registry resolves no accounts.
func New(reader *config.Reader, registry *config.Registry, opts Options, logger zerolog.Logger) *Discoverer {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{".tfvars"}
	}
	return &Discoverer{
		fs:         reader.Filesystem(),
		reader:     reader,
		registry:   registry,
		root:       normalize(opts.Root),
		extensions: exts,
		logger:     logger.With().Str("component", "discovery").Logger(),
	}
}

// Discover returns the units affected by changed. Discovery is deterministic:
// the same paths over the same files always yield the same units in the same order.
func (d *Discoverer) Discover(ctx context.Context, changed []string, filters Filters) (*Result, error) {
	res := &Result{}

	var dirs []string
	seenDir := make(map[string]bool)
	for _, raw := range changed {
		p := normalize(raw)
		if p == "" {
			continue
		}
		if !d.accepts(p) {
			res.Ignored = append(res.Ignored, p)
			continue
		}

		dir, err := d.unitDir(p)
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Path: p, Message: err.Error()})
			d.logger.Warn().Str("path", p).Err(err).Msg("Changed path is not a deployment unit")
			continue
		}
		if !seenDir[dir] {
			seenDir[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)

	if err := d.collect(ctx, dirs, filters, res); err != nil {
		return nil, err
	}
	return res, nil
}

// All returns every unit under the deployment root.
func (d *Discoverer) All(ctx context.Context, filters Filters) (*Result, error) {
	var files []string
	err := util.Walk(d.fs, d.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			if p != d.root && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, filepath.ToSlash(p))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to walk %s: %w", d.root, err)
	}
	return d.Discover(ctx, files, filters)
}

// collect builds one unit per config file in each directory.
func (d *Discoverer) collect(ctx context.Context, dirs []string, filters Filters, res *Result) error {
	seenFile := make(map[string]bool)
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := d.fs.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				res.Warnings = append(res.Warnings, Warning{Path: dir, Message: "project directory no longer exists"})
				continue
			}
			return fmt.Errorf("failed to list %s: %w", dir, err)
		}

		var files []string
		for _, e := range entries {
			if e.IsDir() || !d.hasExtension(e.Name()) {
				continue
			}
			files = append(files, path.Join(dir, e.Name()))
		}
		sort.Strings(files)
		if len(files) == 0 {
			res.Warnings = append(res.Warnings, Warning{Path: dir, Message: "project directory has no config files"})
			continue
		}

		for _, file := range files {
			if seenFile[file] {
				continue
			}
			seenFile[file] = true

			unit := d.buildUnit(file)
			if !filters.Match(unit) {
				res.Filtered++
				continue
			}
			res.Units = append(res.Units, unit)
		}
	}

	sort.Slice(res.Units, func(i, j int) bool { return res.Units[i].ID < res.Units[j].ID })

	d.logger.Info().
		Int("units", len(res.Units)).
		Int("warnings", len(res.Warnings)).
		Int("ignored", len(res.Ignored)).
		Int("filtered", res.Filtered).
		Msg("Discovery finished")
	return nil
}

// buildUnit reads one config file. Read failures are carried on the unit
// and surface as validation errors.
func (d *Discoverer) buildUnit(file string) *engine.DeploymentUnit {
	dir := path.Dir(file)
	parts := strings.Split(strings.TrimPrefix(dir, d.root+"/"), "/")

	unit := &engine.DeploymentUnit{
		ID:          file,
		AccountName: parts[0],
		Region:      parts[1],
		Project:     parts[2],
		ConfigPath:  file,
		Dir:         dir,
	}

	facts, err := d.reader.Read(file)
	if err != nil {
		unit.Warnings = append(unit.Warnings, err.Error())
		facts = &config.Facts{Path: file}
	}

	unit.Services = facts.Services
	unit.ResourceNames = facts.ResourceNames
	unit.ResourceLabels = facts.ResourceLabels
	unit.Declared = engine.DeclaredFacts{
		AccountID:   facts.AccountID,
		AccountName: facts.AccountName,
		Environment: facts.Environment,
		Regions:     facts.Regions,
		Fields:      facts.Fields,
	}

	account, ok := d.registry.Lookup(unit.AccountName)
	if ok && account.ID != "" {
		unit.AccountID = account.ID
		unit.AccountResolved = true
	}

	unit.Environment, unit.EnvironmentSource = resolveEnvironment(facts.Environment, account.Environment, unit.AccountName)
	if unit.EnvironmentSource == SourceDefault {
		unit.Warnings = append(unit.Warnings,
			fmt.Sprintf("environment of account %s could not be resolved, treating as %s", unit.AccountName, unit.Environment))
	}
	return unit
}

// resolveEnvironment prefers the config file, then the registry, then the
// account name suffix. Unresolvable units are treated as production.
func resolveEnvironment(declared, registered, accountName string) (engine.Environment, string) {
	if env, ok := engine.ParseEnvironment(declared); ok {
		return env, SourceConfig
	}
	if env, ok := engine.ParseEnvironment(registered); ok {
		return env, SourceRegistry
	}
	if env, ok := environmentFromName(accountName); ok {
		return env, SourceName
	}
	return engine.EnvironmentProduction, SourceDefault
}

var nameSuffixes = []struct {
	suffix string
	env    engine.Environment
}{
	{"-production", engine.EnvironmentProduction},
	{"-prod", engine.EnvironmentProduction},
	{"-staging", engine.EnvironmentStaging},
	{"-stg", engine.EnvironmentStaging},
	{"-development", engine.EnvironmentDevelopment},
	{"-dev", engine.EnvironmentDevelopment},
	{"-sandbox", engine.EnvironmentDevelopment},
}

func environmentFromName(name string) (engine.Environment, bool) {
	lower := strings.ToLower(name)
	for _, s := range nameSuffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.env, true
		}
	}
	return "", false
}

// accepts reports whether p is a config file under the deployment root.
func (d *Discoverer) accepts(p string) bool {
	if d.root != "" && !strings.HasPrefix(p, d.root+"/") {
		return false
	}
	return d.hasExtension(p)
}

func (d *Discoverer) hasExtension(name string) bool {
	for _, ext := range d.extensions {
		if strings.HasSuffix(name, ext) && len(name) > len(ext) {
			return true
		}
	}
	return false
}

// unitDir returns the project directory of a config path.
func (d *Discoverer) unitDir(p string) (string, error) {
	rel := strings.TrimPrefix(p, d.root+"/")
	parts := strings.Split(rel, "/")
	if len(parts) != 4 {
		return "", fmt.Errorf("expected %s/<account>/<region>/<project>/<file>, got %d path segments", d.root, len(parts))
	}
	for i, label := range []string{"account", "region", "project"} {
		if err := runner.CheckIdentifier(parts[i]); err != nil {
			return "", fmt.Errorf("invalid %s directory: %w", label, err)
		}
	}
	return path.Dir(p), nil
}

// normalize cleans a changed path into slash form relative to the repository root.
func normalize(p string) string {
	p = strings.TrimSpace(filepath.ToSlash(p))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
