package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// ManifestFile is written next to the bundle after every successful build.
const ManifestFile = "build-manifest.json"

// Manifest is the bundler metafile: which inputs went into which outputs.
type Manifest struct {
	Inputs  map[string]ManifestInput  `json:"inputs"`
	Outputs map[string]ManifestOutput `json:"outputs"`
}

// ManifestInput is one compiler input.
type ManifestInput struct {
	Bytes   int              `json:"bytes"`
	Imports []ManifestImport `json:"imports,omitempty"`
}

// ManifestImport is one import edge of an input.
type ManifestImport struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	External bool   `json:"external,omitempty"`
}

// ManifestOutput is one emitted file.
type ManifestOutput struct {
	Bytes      int      `json:"bytes"`
	Exports    []string `json:"exports,omitempty"`
	EntryPoint string   `json:"entryPoint,omitempty"`
}

// ParseManifest decodes an esbuild metafile.
func ParseManifest(metafile string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal([]byte(metafile), &m); err != nil {
		return nil, fmt.Errorf("parsing metafile: %w", err)
	}
	return &m, nil
}

// InputFiles returns the absolute paths of the on-disk inputs, sorted.
// Virtual modules (namespaced paths such as "fnhost-entry:entry") and
// dependencies under node_modules are skipped.
func (m *Manifest) InputFiles(root string) []string {
	if m == nil {
		return nil
	}
	files := make([]string, 0, len(m.Inputs))
	for p := range m.Inputs {
		if strings.Contains(p, ":") && !filepath.IsAbs(p) {
			continue
		}
		if strings.Contains(p, "node_modules/") {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, filepath.FromSlash(p))
		}
		files = append(files, filepath.Clean(p))
	}
	sort.Strings(files)
	return files
}

// WriteManifest stores m under dir atomically.
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating build directory: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest written by the last successful build.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	return ParseManifest(string(data))
}
