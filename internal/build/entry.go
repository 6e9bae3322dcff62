package build

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

// Function is one discovered function module.
type Function struct {
	// Name is the registration name: the file path relative to the resources
	// directory, slash separated, without extension.
	Name string
	// File is the module path relative to the project root, slash separated.
	File string
}

// Discover lists the function modules under resourcesDir (relative to root)
// whose base names match one of patterns. The result is sorted by File.
// A missing resources directory yields no functions.
func Discover(root, resourcesDir string, patterns []string) ([]Function, error) {
	base := filepath.Join(root, resourcesDir)
	var out []Function

	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base && os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if p != base && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if !matchesAny(d.Name(), patterns) || strings.HasSuffix(d.Name(), ".d.ts") {
			return nil
		}

		relRoot, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		relRes, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(relRes)
		name = strings.TrimSuffix(name, path.Ext(name))
		out = append(out, Function{Name: name, File: filepath.ToSlash(relRoot)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", base, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Fingerprint identifies a set of function files. A change in the set (not in
// file contents) changes the fingerprint.
func Fingerprint(fns []Function) string {
	files := make([]string, len(fns))
	for i, fn := range fns {
		files[i] = fn.File
	}
	return strings.Join(files, "\n")
}

// duplicateNames reports modules that would register under the same name,
// e.g. resources/a.ts and resources/a.js.
func duplicateNames(fns []Function) []core.BuildError {
	seen := make(map[string]string, len(fns))
	var errs []core.BuildError
	for _, fn := range fns {
		if prev, ok := seen[fn.Name]; ok {
			errs = append(errs, core.BuildError{
				Message: fmt.Sprintf("function %q is defined by both %s and %s", fn.Name, prev, fn.File),
				File:    fn.File,
			})
			continue
		}
		seen[fn.Name] = fn.File
	}
	return errs
}

// EntrySource generates the entry module: it imports every function module
// under a generated alias, registers it with the runtime and starts the
// request loop.
func EntrySource(fns []Function) string {
	var b strings.Builder
	fmt.Fprintf(&b, "import { register, start } from %s;\n", quote(runtimeModule))
	for i, fn := range fns {
		fmt.Fprintf(&b, "import * as fn%d from %s;\n", i, quote("./"+fn.File))
	}
	b.WriteString("\n")
	for i, fn := range fns {
		fmt.Fprintf(&b, "register(%s, %s, fn%d);\n", quote(fn.Name), quote(fn.File), i)
	}
	b.WriteString("start();\n")
	return b.String()
}

func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
