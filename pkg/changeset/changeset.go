// Package changeset turns operator input into the list of changed file
// paths handed to discovery: an explicit list, a file (or stdin) with one
// path per line, or the diff between two git revisions.
package changeset

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNoInput is returned when no change-set source was given.
var ErrNoInput = errors.New("no change-set input")

// Normalize cleans paths to slash-separated, repository-relative form and
// returns them sorted without duplicates. Blank entries are dropped.
func Normalize(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
		if p == "" {
			continue
		}
		p = strings.TrimPrefix(path.Clean(p), "./")
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Read parses one path per line. Blank lines and lines starting with # are
// skipped.
func Read(r io.Reader) ([]string, error) {
	var paths []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read change-set: %w", err)
	}
	return Normalize(paths), nil
}

// ReadFile reads a change-set file from fs. The name "-" reads stdin.
func ReadFile(fs billy.Filesystem, name string, stdin io.Reader) ([]string, error) {
	if name == "-" {
		return Read(stdin)
	}
	f, err := fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open change-set %s: %w", name, err)
	}
	defer f.Close()
	return Read(f)
}

// Repository computes change-sets from git history.
type Repository struct {
	repo *git.Repository
}

// OpenRepository opens the repository containing dir.
func OpenRepository(dir string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	return &Repository{repo: repo}, nil
}

// NewRepository wraps an already opened repository.
func NewRepository(repo *git.Repository) *Repository {
	return &Repository{repo: repo}
}

// ChangedFiles lists every path added, modified, renamed or deleted between
// the base and head revisions. Renames report both names.
func (r *Repository) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	if base == "" || head == "" {
		return nil, fmt.Errorf("both base and head revisions are required")
	}

	baseTree, err := r.tree(base)
	if err != nil {
		return nil, err
	}
	headTree, err := r.tree(head)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", base, head, err)
	}

	paths := make([]string, 0, len(changes))
	for _, ch := range changes {
		if ch.From.Name != "" {
			paths = append(paths, ch.From.Name)
		}
		if ch.To.Name != "" {
			paths = append(paths, ch.To.Name)
		}
	}
	return Normalize(paths), nil
}

func (r *Repository) tree(rev string) (*object.Tree, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolve revision %q: %w", rev, err)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", hash, err)
	}
	return tree, nil
}

// Input selects where a change-set comes from. Exactly one of Paths, File
// or Base/Head is expected; Paths wins when several are set.
type Input struct {
	Paths []string
	File  string
	Base  string
	Head  string

	// RepoDir locates the git repository for Base/Head.
	RepoDir string
}

// Resolve produces the change-set described by in.
func Resolve(ctx context.Context, in Input, fs billy.Filesystem, stdin io.Reader) ([]string, error) {
	switch {
	case len(in.Paths) > 0:
		return Normalize(in.Paths), nil
	case in.File != "":
		return ReadFile(fs, in.File, stdin)
	case in.Base != "" || in.Head != "":
		dir := in.RepoDir
		if dir == "" {
			dir = "."
		}
		repo, err := OpenRepository(dir)
		if err != nil {
			return nil, err
		}
		head := in.Head
		if head == "" {
			head = "HEAD"
		}
		return repo.ChangedFiles(ctx, in.Base, head)
	default:
		return nil, ErrNoInput
	}
}
