package orchestrator

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// artifactWriter writes the JSON documents of one run below its run directory.
type artifactWriter struct {
	mu   sync.Mutex
	fs   billy.Filesystem
	root string
}

func newArtifactWriter(fs billy.Filesystem, runID string) *artifactWriter {
	return &artifactWriter{fs: fs, root: runID}
}

func (w *artifactWriter) write(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	data = append(data, '\n')

	p := path.Join(w.root, name)

	// memfs is not safe for concurrent writers.
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path.Dir(p), err)
	}
	if err := util.WriteFile(w.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

// ArtifactName flattens a unit ID into a file name.
func ArtifactName(unitID string) string {
	return strings.ReplaceAll(strings.Trim(unitID, "/"), "/", "_")
}
