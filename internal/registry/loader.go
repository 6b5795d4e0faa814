// Package registry resolves model references onto *.gguf blobs on local
// storage. Staging the blob itself (download/copy) happens outside this
// process.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"llmgated/internal/common/fsutil"
)

// Model is one discovered model blob. ID is the filename including the
// extension; Path is absolute.
type Model struct {
	ID   string
	Path string
}

// LoadDir scans a directory for *.gguf files, sorted by filename.
func LoadDir(dir string) ([]Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, Model{ID: name, Path: filepath.Join(abs, name)})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Resolve maps a model reference to a blob path. A reference naming a file is
// returned as an absolute path; a directory resolves to its single model, or errors when
// the choice would be ambiguous.
func Resolve(ref string) (string, error) {
	p, err := fsutil.ExpandHome(ref)
	if err != nil {
		return "", err
	}
	if !fsutil.IsDir(p) {
		if !fsutil.PathExists(p) {
			return "", fmt.Errorf("model blob not found: %s", p)
		}
		return filepath.Abs(p)
	}
	models, err := LoadDir(p)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 0:
		return "", fmt.Errorf("no *.gguf models under %s", p)
	case 1:
		return models[0].Path, nil
	default:
		ids := make([]string, len(models))
		for i, m := range models {
			ids[i] = m.ID
		}
		return "", fmt.Errorf("multiple models under %s, pick one of: %s", p, strings.Join(ids, ", "))
	}
}
