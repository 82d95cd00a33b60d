// Package registry discovers GGUF model files on disk and derives model
// metadata from their filenames.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"mlxrd/internal/common/fsutil"
	"mlxrd/pkg/types"
)

var quantPattern = regexp.MustCompile(`(?i)\b(Q\d+(?:_[A-Z0-9]+)*|F16|F32|BF16)\b`)

// LoadDir scans a directory for *.gguf files and builds a registry from
// filenames. The ID is the filename without its extension; quantization is
// parsed out of the name when recognizable.
func LoadDir(dir string) ([]types.Model, error) {
	abs, err := fsutil.ResolveDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		m := fromFilename(filepath.Join(abs, name), name)
		if info, err := e.Info(); err == nil {
			m.SizeBytes = info.Size()
		}
		models = append(models, m)
	}
	return models, nil
}

// Find returns the model with the given id, matching either the derived id
// or the raw filename.
func Find(models []types.Model, id string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == id || filepath.Base(m.Path) == id {
			return m, true
		}
	}
	return types.Model{}, false
}

// fromFilename derives model metadata from a gguf filename, e.g.
// "TinyLlama-1.1B.Q4_K_M.gguf" -> id "TinyLlama-1.1B.Q4_K_M", quant "Q4_K_M".
func fromFilename(path, name string) types.Model {
	id := strings.TrimSuffix(name, filepath.Ext(name))
	m := types.Model{ID: id, Name: id, Path: path}
	if q := quantPattern.FindString(id); q != "" {
		m.Quant = strings.ToUpper(q)
	}
	switch {
	case containsFold(id, "llama"):
		m.Family = "llama"
	case containsFold(id, "mistral"):
		m.Family = "mistral"
	case containsFold(id, "phi"):
		m.Family = "phi"
	case containsFold(id, "qwen"):
		m.Family = "qwen"
	}
	return m
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
