// Package state backs up and restores remote infrastructure state.
//
// State objects live in a Store addressed by backend key. Before every apply
// the Manager copies the current state object to a snapshot location; after a
// failed apply it compares the live object with the snapshot and copies the
// snapshot back when they differ.
package state

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Store.Get when no object exists at the key.
var ErrNotFound = errors.New("state object not found")

// Store reads and writes opaque objects by key.
type Store interface {
	// Get returns the object at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put replaces the object at key.
	Put(ctx context.Context, key string, data []byte) error

	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// cleanKey rejects keys that could address objects outside the store.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty state key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("state key %q must be relative", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return "", fmt.Errorf("state key %q contains a relative segment", key)
		}
	}
	return path.Clean(key), nil
}
