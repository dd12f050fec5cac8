// Package dockerfile assembles final Dockerfiles from bundled base variants,
// optional user overlays, and a fixed application tail.
package dockerfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Built-in base variant names. Each maps to a Dockerfile.<name> file in the
// variant directory.
const (
	VariantMinimal     = "minimal"
	VariantPy39        = "py39"
	VariantPy310       = "py310"
	VariantPy311       = "py311"
	VariantDataScience = "py310-datascience"

	// VariantCustom marks output headed by a user-supplied base image instead
	// of a bundled variant.
	VariantCustom = "custom"
)

var builtinVariants = []string{
	VariantMinimal,
	VariantPy39,
	VariantPy310,
	VariantPy311,
	VariantDataScience,
}

// Variants holds the base Dockerfile contents loaded once at startup. The
// directory is treated as read-only.
type Variants struct {
	dir     string
	content map[string]string
}

// LoadVariants reads every built-in base Dockerfile from dir. A missing
// variant file fails startup rather than a later build.
func LoadVariants(dir string) (*Variants, error) {
	if dir == "" {
		return nil, fmt.Errorf("variant directory cannot be empty")
	}
	v := &Variants{dir: dir, content: make(map[string]string, len(builtinVariants))}
	for _, name := range builtinVariants {
		path := filepath.Join(dir, "Dockerfile."+name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load base variant %s: %w", name, err)
		}
		v.content[name] = strings.TrimRight(string(data), "\n") + "\n"
	}
	return v, nil
}

// Content returns the base Dockerfile text for a variant.
func (v *Variants) Content(name string) (string, bool) {
	content, ok := v.content[name]
	return content, ok
}

// Names lists the loaded variants in sorted order.
func (v *Variants) Names() []string {
	names := make([]string, 0, len(v.content))
	for name := range v.content {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
