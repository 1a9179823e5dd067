package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"
)

// Loader reads policies from a filesystem.
//
// A .rego file is one policy named after the file. A .json file holds
// either one policy or a bundle with a "policies" list. Disabled policies
// are dropped. Policy names must be unique across all sources.
type Loader struct {
	fs     billy.Filesystem
	logger zerolog.Logger
}

// NewLoader creates a loader reading from fs.
func NewLoader(fs billy.Filesystem, logger zerolog.Logger) *Loader {
	return &Loader{
		fs:     fs,
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// Load reads every path, a file or a directory walked recursively, and
// returns the enabled policies sorted by name. A file named directly must
// parse; files found by walking a directory are skipped with a warning.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		all    []Policy
		origin = make(map[string]string)
	)
	add := func(file string, policies []Policy) error {
		for _, p := range policies {
			if !p.Enabled {
				l.logger.Debug().Str("policy", p.Name).Str("path", file).Msg("Skipping disabled policy")
				continue
			}
			if prev, ok := origin[p.Name]; ok {
				return fmt.Errorf("duplicate policy %q in %s and %s", p.Name, prev, file)
			}
			origin[p.Name] = file
			all = append(all, p)
		}
		return nil
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := l.fs.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", p, err)
		}

		if !info.IsDir() {
			policies, err := l.readFile(p)
			if err != nil {
				return nil, err
			}
			if err := add(p, policies); err != nil {
				return nil, err
			}
			continue
		}

		var files []string
		err = util.Walk(l.fs, p, func(file string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() && isPolicyFile(file) {
				files = append(files, file)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
		sort.Strings(files)

		for _, file := range files {
			policies, err := l.readFile(file)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				continue
			}
			if err := add(file, policies); err != nil {
				return nil, err
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	l.logger.Debug().Int("policies", len(all)).Int("sources", len(paths)).Msg("Policies loaded")
	return all, nil
}

func isPolicyFile(name string) bool {
	ext := path.Ext(name)
	return ext == ".rego" || ext == ".json"
}

func (l *Loader) readFile(file string) ([]Policy, error) {
	data, err := util.ReadFile(l.fs, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	switch path.Ext(file) {
	case ".rego":
		return []Policy{regoPolicy(file, data)}, nil
	case ".json":
		policies, err := jsonPolicies(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		return policies, nil
	default:
		return nil, fmt.Errorf("unsupported policy file %s", file)
	}
}

// regoPolicy builds a policy from a .rego module. The leading comment block
// is the description and may carry "severity:" and "tags:" lines.
func regoPolicy(file string, data []byte) Policy {
	h := parseHeader(string(data))

	severity := SeverityMedium
	if h.severity != "" {
		severity = normalizeSeverity(h.severity)
	}
	return Policy{
		Name:        strings.TrimSuffix(path.Base(file), ".rego"),
		Description: h.description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Tags:        h.tags,
		Metadata:    map[string]interface{}{"source": file},
	}
}

// jsonPolicies decodes a single policy or a bundle.
func jsonPolicies(data []byte) ([]Policy, error) {
	var probe struct {
		Policies json.RawMessage `json:"policies"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}

	var policies []Policy
	if probe.Policies != nil {
		var bundle PolicyBundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("invalid policy bundle: %w", err)
		}
		for _, p := range bundle.Policies {
			if p.Metadata == nil {
				p.Metadata = make(map[string]interface{})
			}
			p.Metadata["bundle"] = bundle.Name
			p.Metadata["bundle_version"] = bundle.Version
			policies = append(policies, p)
		}
	} else {
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid JSON policy: %w", err)
		}
		policies = append(policies, p)
	}

	for i := range policies {
		if policies[i].Name == "" {
			return nil, fmt.Errorf("policy %d has no name", i)
		}
		if policies[i].Rego == "" {
			return nil, fmt.Errorf("policy %s has no rego module", policies[i].Name)
		}
		if policies[i].Severity == "" {
			policies[i].Severity = SeverityMedium
		} else {
			policies[i].Severity = normalizeSeverity(string(policies[i].Severity))
		}
	}
	return policies, nil
}

type regoHeader struct {
	description string
	severity    string
	tags        []string
}

// parseHeader reads the comment block at the top of a Rego module. The
// block ends at the first blank line after a comment or at the first code
// line.
func parseHeader(content string) regoHeader {
	var (
		h    regoHeader
		desc []string
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" && len(desc) == 0 && h.severity == "" && h.tags == nil {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if key, value, found := strings.Cut(comment, ":"); found {
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "severity":
				h.severity = strings.TrimSpace(value)
				continue
			case "tags":
				for _, tag := range strings.Split(value, ",") {
					if tag = strings.TrimSpace(tag); tag != "" {
						h.tags = append(h.tags, tag)
					}
				}
				continue
			}
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}
	h.description = strings.Join(desc, " ")
	return h
}
