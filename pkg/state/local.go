package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// LocalStore keeps state objects as files on a billy filesystem.
type LocalStore struct {
	fs billy.Filesystem
}

// NewLocalStore creates a store rooted at the filesystem's root.
func NewLocalStore(fs billy.Filesystem) *LocalStore {
	return &LocalStore{fs: fs}
}

// Get implements Store.
func (l *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := util.ReadFile(l.fs, k)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", k, err)
	}
	return data, nil
}

// Put implements Store. The object is written to a temporary file first and
// renamed into place.
func (l *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := l.fs.MkdirAll(path.Dir(k), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", k, err)
	}

	tmp := k + ".tmp"
	if err := util.WriteFile(l.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := l.fs.Rename(tmp, k); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", k, err)
	}
	return nil
}

// List implements Store.
func (l *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := "."
	if prefix != "" {
		p, err := cleanKey(prefix)
		if err != nil {
			return nil, err
		}
		root = p
	}
	if _, err := l.fs.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	err := util.Walk(l.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && path.Ext(p) != ".tmp" {
			keys = append(keys, path.Clean(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	sort.Strings(keys)
	return keys, nil
}
