// Package validate runs local pre-flight checks on deployment units.
//
// Validation never leaves the process: it reads the unit's config through
// the run cache and evaluates CUE and Starlark in memory. Errors block the
// unit's execution, warnings do not.
package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/openfroyo/unitctl/pkg/config"
	"github.com/openfroyo/unitctl/pkg/engine"
)

// Check names. Each can be disabled through Options.Disabled.
const (
	CheckConfigRead        = "config-read"
	CheckSyntax            = "syntax-balance"
	CheckRegionLegality    = "region-legality"
	CheckRegionConsistency = "region-consistency"
	CheckAccount           = "account-resolution"
	CheckRequiredFields    = "required-fields"
	CheckFormatting        = "formatting"
	CheckSchema            = "schema"
	CheckCustom            = "custom"
	CheckDiscovery         = "discovery"
)

// AllChecks lists every check in execution order.
var AllChecks = []string{
	CheckConfigRead,
	CheckSyntax,
	CheckRegionLegality,
	CheckRegionConsistency,
	CheckAccount,
	CheckRequiredFields,
	CheckFormatting,
	CheckSchema,
	CheckCustom,
	CheckDiscovery,
}

// Options configure a Validator.
type Options struct {
	// Disabled lists checks to skip.
	Disabled []string

	// RequiredFields lists required top-level fields per environment.
	RequiredFields map[string][]string

	// ExtraRegions extends the built-in region list.
	ExtraRegions []string

	// ChecksDir holds custom *.star checks on the reader's filesystem.
	ChecksDir string

	// Schemas overrides the schema registry used by the schema check.
	Schemas *config.SchemaRegistry

	// ScriptTimeout bounds each custom check.
	ScriptTimeout time.Duration
}

// Validator runs pre-flight checks.
type Validator struct {
	reader   *config.Reader
	disabled map[string]bool
	required map[string][]string
	regions  map[string]bool
	schemas  *config.SchemaRegistry
	custom   []*config.CheckScript
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a validator and loads custom checks from opts.ChecksDir.
func New(reader *config.Reader, opts Options, logger zerolog.Logger) (*Validator, error) {
	v := &Validator{
		reader:   reader,
		disabled: make(map[string]bool),
		required: opts.RequiredFields,
		regions:  make(map[string]bool),
		schemas:  opts.Schemas,
		timeout:  opts.ScriptTimeout,
		now:      time.Now,
		logger:   logger.With().Str("component", "validate").Logger(),
	}
	for _, c := range opts.Disabled {
		v.disabled[c] = true
	}
	for _, r := range knownRegions {
		v.regions[r] = true
	}
	for _, r := range opts.ExtraRegions {
		v.regions[r] = true
	}
	if v.schemas == nil {
		v.schemas = config.NewSchemaRegistry()
	}

	if opts.ChecksDir != "" {
		if err := v.loadCustomChecks(opts.ChecksDir); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Validator) loadCustomChecks(dir string) error {
	fs := v.reader.Filesystem()
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list custom checks in %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".star" {
			continue
		}
		data, err := util.ReadFile(fs, path.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read custom check %s: %w", e.Name(), err)
		}
		v.custom = append(v.custom, config.CompileCheckScript(e.Name(), data))
	}
	sort.Slice(v.custom, func(i, j int) bool { return v.custom[i].Name < v.custom[j].Name })
	v.logger.Debug().Int("checks", len(v.custom)).Str("dir", dir).Msg("Loaded custom checks")
	return nil
}

// Validate runs every enabled check against unit.
func (v *Validator) Validate(ctx context.Context, unit *engine.DeploymentUnit) *engine.ValidationReport {
	report := &engine.ValidationReport{
		UnitID:   unit.ID,
		Passed:   true,
		Errors:   []engine.ValidationIssue{},
		Warnings: []engine.ValidationIssue{},
	}

	raw, rawErr := v.reader.Raw(unit.ConfigPath)
	facts, factsErr := v.reader.Read(unit.ConfigPath)

	v.run(report, CheckConfigRead, func() {
		if rawErr != nil {
			report.AddError(CheckConfigRead, rawErr.Error(), 0)
		} else if factsErr != nil {
			line := 0
			var cre *config.ConfigReadError
			if errors.As(factsErr, &cre) {
				line = cre.Line
			}
			report.AddError(CheckConfigRead, factsErr.Error(), line)
		}
	})

	if facts != nil {
		v.run(report, CheckSyntax, func() { checkSyntax(report, facts) })
	}
	v.run(report, CheckRegionLegality, func() { v.checkRegionLegality(report, unit) })
	v.run(report, CheckRegionConsistency, func() { checkRegionConsistency(report, unit) })
	v.run(report, CheckAccount, func() { checkAccount(report, unit) })
	v.run(report, CheckRequiredFields, func() { v.checkRequiredFields(report, unit) })
	if rawErr == nil {
		v.run(report, CheckFormatting, func() { checkFormatting(report, raw) })
	}
	if facts != nil {
		v.run(report, CheckSchema, func() { v.checkSchema(report, facts) })
	}
	if len(v.custom) > 0 {
		v.run(report, CheckCustom, func() { v.checkCustom(ctx, report, unit, facts) })
	}
	v.run(report, CheckDiscovery, func() {
		// Discovery carries read failures that the config-read check already reported.
		reported := make(map[string]bool)
		for _, e := range report.Errors {
			if e.Check == CheckConfigRead {
				reported[e.Message] = true
			}
		}
		for _, w := range unit.Warnings {
			if !reported[w] {
				report.AddWarning(CheckDiscovery, w, 0)
			}
		}
	})

	report.Passed = len(report.Errors) == 0
	report.ValidatedAt = v.now()

	ev := v.logger.Debug()
	if !report.Passed {
		ev = v.logger.Warn()
	}
	ev.Str("unit", unit.ID).
		Bool("passed", report.Passed).
		Int("errors", len(report.Errors)).
		Int("warnings", len(report.Warnings)).
		Msg("Unit validated")
	return report
}

func (v *Validator) run(report *engine.ValidationReport, name string, fn func()) {
	if v.disabled[name] {
		return
	}
	report.ChecksRun = append(report.ChecksRun, name)
	fn()
}

func checkSyntax(report *engine.ValidationReport, facts *config.Facts) {
	if !facts.Balanced {
		report.AddError(CheckSyntax, "braces or brackets are not balanced", 0)
	}
}

func (v *Validator) checkRegionLegality(report *engine.ValidationReport, unit *engine.DeploymentUnit) {
	if !v.regions[unit.Region] {
		report.AddError(CheckRegionLegality, fmt.Sprintf("region directory %q is not a known region", unit.Region), 0)
	}
	for _, r := range unit.Declared.Regions {
		if !v.regions[r] {
			report.AddError(CheckRegionLegality, fmt.Sprintf("declared region %q is not a known region", r), 0)
		}
	}
}

func checkRegionConsistency(report *engine.ValidationReport, unit *engine.DeploymentUnit) {
	if len(unit.Declared.Regions) == 0 {
		return
	}
	for _, r := range unit.Declared.Regions {
		if r == unit.Region {
			return
		}
	}
	report.AddError(CheckRegionConsistency, fmt.Sprintf("declared regions %v do not include the unit region %s",
		unit.Declared.Regions, unit.Region), 0)
}

// checkAccount compares declared account facts with the directory and registry.
// An unresolved account blocks production units only.
func checkAccount(report *engine.ValidationReport, unit *engine.DeploymentUnit) {
	if d := unit.Declared.AccountName; d != "" && d != unit.AccountName {
		report.AddError(CheckAccount, fmt.Sprintf("declared account_name %q does not match account directory %q", d, unit.AccountName), 0)
	}
	if !unit.AccountResolved {
		msg := fmt.Sprintf("account %q is not in the account registry", unit.AccountName)
		if unit.Environment.IsProduction() {
			report.AddError(CheckAccount, msg, 0)
		} else {
			report.AddWarning(CheckAccount, msg, 0)
		}
		return
	}
	if d := unit.Declared.AccountID; d != "" && d != unit.AccountID {
		report.AddError(CheckAccount, fmt.Sprintf("declared account_id does not match the registry entry for %s", unit.AccountName), 0)
	}
}

func (v *Validator) checkRequiredFields(report *engine.ValidationReport, unit *engine.DeploymentUnit) {
	for _, field := range v.required[string(unit.Environment)] {
		if !unit.HasField(field) {
			report.AddError(CheckRequiredFields, fmt.Sprintf("missing required field %q for %s units", field, unit.Environment), 0)
		}
	}
}

// checkFormatting reports style problems once per kind, at their first line.
func checkFormatting(report *engine.ValidationReport, raw []byte) {
	if len(raw) == 0 {
		return
	}

	type finding struct {
		first int
		count int
	}
	found := make(map[string]*finding)
	var order []string
	note := func(kind string, line int) {
		f, ok := found[kind]
		if !ok {
			f = &finding{first: line}
			found[kind] = f
			order = append(order, kind)
		}
		f.count++
	}

	for i, line := range bytes.Split(raw, []byte("\n")) {
		n := i + 1
		if bytes.HasSuffix(line, []byte("\r")) {
			note("uses CRLF line endings", n)
			line = line[:len(line)-1]
		}
		if len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
			note("has trailing whitespace", n)
		}
		if bytes.HasPrefix(line, []byte("\t")) {
			note("is indented with tabs", n)
		}
	}
	if raw[len(raw)-1] != '\n' {
		note("does not end with a newline", bytes.Count(raw, []byte("\n"))+1)
	}

	for _, kind := range order {
		f := found[kind]
		msg := "file " + kind
		if f.count > 1 {
			msg = fmt.Sprintf("%s (%d lines)", msg, f.count)
		}
		report.AddWarning(CheckFormatting, msg, f.first)
	}
}

func (v *Validator) checkSchema(report *engine.ValidationReport, facts *config.Facts) {
	violations, err := v.schemas.Check(config.FactsSchemaName, config.FactsDocument(facts))
	if err != nil {
		report.AddError(CheckSchema, err.Error(), 0)
		return
	}
	for _, sv := range violations {
		msg := sv.Message
		if sv.Path != "" && !strings.Contains(msg, sv.Path) {
			msg = sv.Path + ": " + msg
		}
		report.AddError(CheckSchema, msg, 0)
	}
}

func (v *Validator) checkCustom(ctx context.Context, report *engine.ValidationReport, unit *engine.DeploymentUnit, facts *config.Facts) {
	input := unitInput(unit, facts)
	for _, c := range v.custom {
		check := CheckCustom + ":" + strings.TrimSuffix(c.Name, ".star")
		findings, err := c.Run(ctx, v.timeout, input)
		if err != nil {
			report.AddError(check, fmt.Sprintf("check failed to run: %v", err), 0)
			continue
		}
		for _, msg := range findings.Errors {
			report.AddError(check, msg, 0)
		}
		for _, msg := range findings.Warnings {
			report.AddWarning(check, msg, 0)
		}
	}
}

// unitInput is the value bound to `unit` in custom checks.
func unitInput(unit *engine.DeploymentUnit, facts *config.Facts) map[string]interface{} {
	scalars := map[string]string{}
	if facts != nil && facts.Scalars != nil {
		scalars = facts.Scalars
	}
	names := map[string]string{}
	for k, val := range unit.ResourceNames {
		names[k] = val
	}
	labels := map[string]string{}
	for k, val := range unit.ResourceLabels {
		labels[k] = val
	}
	return map[string]interface{}{
		"id":              unit.ID,
		"account_name":    unit.AccountName,
		"account_id":      unit.AccountID,
		"region":          unit.Region,
		"project":         unit.Project,
		"environment":     string(unit.Environment),
		"config_path":     unit.ConfigPath,
		"services":        append([]string{}, unit.Services...),
		"fields":          append([]string{}, unit.Declared.Fields...),
		"regions":         append([]string{}, unit.Declared.Regions...),
		"scalars":         scalars,
		"resource_names":  names,
		"resource_labels": labels,
	}
}
