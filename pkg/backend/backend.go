// Package backend derives the remote state key of a deployment unit.
//
// A key has the form
//
//	<account_name>/<region>/<service>/<resource>/<resource>.tfstate
//
// where service is the lexicographically first declared service category and
// resource is the name declared for that service in the config file. Units
// that declare no name are keyed by their project, qualified with the block
// label of the service collection when there is one.
package backend

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/runner"
)

// MiscService is the service segment of units that declare no known service.
const MiscService = "misc"

// DefaultConfigStem is the config file name that maps to the bare project name.
const DefaultConfigStem = "terraform"

const stateSuffix = ".tfstate"

var (
	unsafeRun = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	dotRun    = regexp.MustCompile(`\.{2,}`)
	dashRun   = regexp.MustCompile(`-{2,}`)
)

// CanonicalService returns the service used in the key: the lexicographically
// first of the deduplicated set, or MiscService when the set is empty.
func CanonicalService(services []string) string {
	set := make(map[string]bool, len(services))
	for _, s := range services {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	if len(set) == 0 {
		return MiscService
	}
	uniq := make([]string, 0, len(set))
	for s := range set {
		uniq = append(uniq, s)
	}
	sort.Strings(uniq)
	return uniq[0]
}

// ResourceName returns the resource segment of the key. A name declared for
// service wins. Otherwise the project name is used, suffixed with the config
// stem for files other than terraform.tfvars so that peer files in one
// directory never share a key, and then with the block label of the service
// collection. A label alone is never a segment: "main" is only unique in the
// file that declares it.
func ResourceName(unit *engine.DeploymentUnit, service string) string {
	if name := Sanitize(unit.ResourceNames[service]); name != "" {
		return name
	}
	base := unit.Project
	if stem := unit.ConfigStem(); stem != DefaultConfigStem && stem != "" {
		base += "-" + stem
	}
	if label := Sanitize(unit.ResourceLabels[service]); label != "" {
		base += "-" + label
	}
	return Sanitize(base)
}

// Sanitize maps a declared name onto the key segment alphabet.
// "alias/payments" becomes "alias-payments".
func Sanitize(name string) string {
	s := unsafeRun.ReplaceAllString(strings.TrimSpace(name), "-")
	s = dotRun.ReplaceAllString(s, ".")
	s = dashRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-._")
	if len(s) > 128 {
		s = strings.TrimRight(s[:128], "-._")
	}
	return s
}

// Key derives the backend key of unit. It is pure and deterministic.
func Key(unit *engine.DeploymentUnit) (engine.BackendKey, error) {
	service := CanonicalService(unit.Services)
	resource := ResourceName(unit, service)

	for _, seg := range []struct{ name, value string }{
		{"account", unit.AccountName},
		{"region", unit.Region},
		{"service", service},
		{"resource", resource},
	} {
		if err := runner.CheckIdentifier(seg.value); err != nil {
			return "", fmt.Errorf("backend key %s segment: %w", seg.name, err)
		}
	}

	return engine.BackendKey(strings.Join([]string{
		unit.AccountName,
		unit.Region,
		service,
		resource,
		resource + stateSuffix,
	}, "/")), nil
}

// Assignment is the result of keying a unit set.
type Assignment struct {
	// Keys maps unit IDs to their backend key.
	Keys map[string]engine.BackendKey

	// Errors maps unit IDs to the reason no key could be derived.
	Errors map[string]error

	// Collisions lists the unit IDs of every key shared by more than one unit
	// of the same directory. Those units run one at a time.
	Collisions map[engine.BackendKey][]string
}

// KeyOf returns the key of unit, or the empty key.
func (a *Assignment) KeyOf(unit *engine.DeploymentUnit) engine.BackendKey {
	return a.Keys[unit.ID]
}

// Generator keys unit sets and reports collisions.
type Generator struct {
	logger zerolog.Logger
}

// NewGenerator creates a generator.
func NewGenerator(logger zerolog.Logger) *Generator {
	return &Generator{logger: logger.With().Str("component", "backend").Logger()}
}

// Assign derives the key of every unit. Units of one directory sharing a key
// are reported as a collision; they land in one scheduling partition and run
// one at a time. A key shared by units of different directories would let
// unrelated projects overwrite each other's state, so every unit involved
// gets an error and no key.
func (g *Generator) Assign(units []*engine.DeploymentUnit) *Assignment {
	a := &Assignment{
		Keys:       make(map[string]engine.BackendKey, len(units)),
		Errors:     make(map[string]error),
		Collisions: make(map[engine.BackendKey][]string),
	}

	owners := make(map[engine.BackendKey][]string)
	dirs := make(map[string]string, len(units))
	var order []engine.BackendKey
	for _, u := range units {
		key, err := Key(u)
		if err != nil {
			a.Errors[u.ID] = err
			g.logger.Warn().Err(err).Str("unit", u.ID).Msg("Cannot derive backend key")
			continue
		}
		a.Keys[u.ID] = key
		dirs[u.ID] = u.Dir
		if _, seen := owners[key]; !seen {
			order = append(order, key)
		}
		owners[key] = append(owners[key], u.ID)
	}

	for _, key := range order {
		ids := owners[key]
		if len(ids) < 2 {
			continue
		}
		if !sameDir(ids, dirs) {
			err := fmt.Errorf("backend key %s is shared by units of different projects: %s", key, strings.Join(ids, ", "))
			for _, id := range ids {
				delete(a.Keys, id)
				a.Errors[id] = err
			}
			g.logger.Error().
				Str("backend_key", key.String()).
				Strs("units", ids).
				Msg("Backend key shared across projects")
			continue
		}
		a.Collisions[key] = ids
		g.logger.Warn().
			Str("backend_key", key.String()).
			Strs("units", ids).
			Msg("Backend key collision, units will run sequentially")
	}
	return a
}

func sameDir(ids []string, dirs map[string]string) bool {
	for _, id := range ids[1:] {
		if dirs[id] != dirs[ids[0]] {
			return false
		}
	}
	return true
}
