// Package requirements inspects a cloned workspace and classifies its Python
// dependencies for base image selection.
package requirements

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/sungreong/openstream-gallery/internal/fault"
)

// problematicSeed lists packages that historically need C or Fortran
// toolchains at install time.
var problematicSeed = map[string]bool{
	"numpy":        true,
	"scipy":        true,
	"pandas":       true,
	"scikit-learn": true,
	"torch":        true,
	"tensorflow":   true,
	"pillow":       true,
	"lxml":         true,
	"h5py":         true,
}

// dataScienceSeed is the subset whose presence steers auto selection onto the
// datascience base variant rather than the standard toolchain image.
var dataScienceSeed = map[string]bool{
	"numpy":        true,
	"scipy":        true,
	"pandas":       true,
	"scikit-learn": true,
	"torch":        true,
	"tensorflow":   true,
}

// Classification describes the Python dependency surface of a workspace.
type Classification struct {
	// Source names the manifest the classification came from, empty when the
	// workspace carries none.
	Source string
	// RequirementsPresent reports whether requirements.txt exists and should
	// be copied into the image.
	RequirementsPresent bool
	PythonVersionHint   string
	NeedsDataScience    bool
	// Problematic keeps the original package specs, in manifest order, for
	// packages on the seed list.
	Problematic []string
	Packages    int
}

type manifest struct {
	pythonHint string
	specs      []string
}

// Analyze reads the first dependency manifest found in the workspace root.
// requirements.txt wins over pyproject.toml, which wins over Pipfile.lock. A
// workspace without any manifest yields an empty classification.
func Analyze(dir string) (Classification, error) {
	probes := []struct {
		name  string
		parse func([]byte) (manifest, error)
	}{
		{"requirements.txt", parseRequirements},
		{"pyproject.toml", parsePyProject},
		{"Pipfile.lock", parsePipfileLock},
	}
	for _, probe := range probes {
		data, err := os.ReadFile(filepath.Join(dir, probe.name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Classification{}, fmt.Errorf("read %s: %w", probe.name, err)
		}
		m, err := probe.parse(data)
		if err != nil {
			return Classification{}, fault.Wrap(fault.KindInvalidInput, err, "parse %s", probe.name)
		}
		return classify(probe.name, m), nil
	}
	return Classification{}, nil
}

func classify(source string, m manifest) Classification {
	c := Classification{
		Source:              source,
		RequirementsPresent: source == "requirements.txt",
		PythonVersionHint:   m.pythonHint,
		Packages:            len(m.specs),
	}
	for _, spec := range m.specs {
		name := BareName(spec)
		if !problematicSeed[name] {
			continue
		}
		c.Problematic = append(c.Problematic, spec)
		if dataScienceSeed[name] {
			c.NeedsDataScience = true
		}
	}
	return c
}

// BareName normalizes a requirement spec down to its package name.
func BareName(spec string) string {
	name := strings.TrimSpace(spec)
	for i, r := range name {
		switch r {
		case '=', '<', '>', '!', '~', '[', ';', '(', ' ', '@':
			return normalizeName(name[:i])
		}
	}
	return normalizeName(name)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "-"))
}

// parseRequirements extracts package specs from requirements.txt content.
// Comments, pip flags, includes, and URL requirements are skipped.
func parseRequirements(data []byte) (manifest, error) {
	var m manifest
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if i := strings.Index(line, ";"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.Contains(line, "://") {
			continue
		}
		m.specs = append(m.specs, line)
	}
	return m, nil
}

// parsePyProject reads PEP 621 project dependencies, falling back to the
// poetry table when no [project] section is declared.
func parsePyProject(data []byte) (manifest, error) {
	var doc struct {
		Project struct {
			RequiresPython string   `toml:"requires-python"`
			Dependencies   []string `toml:"dependencies"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Dependencies map[string]any `toml:"dependencies"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return manifest{}, err
	}

	m := manifest{pythonHint: doc.Project.RequiresPython}
	m.specs = append(m.specs, doc.Project.Dependencies...)
	if len(m.specs) > 0 {
		return m, nil
	}

	names := make([]string, 0, len(doc.Tool.Poetry.Dependencies))
	for name := range doc.Tool.Poetry.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.EqualFold(name, "python") {
			if m.pythonHint == "" {
				if version, ok := doc.Tool.Poetry.Dependencies[name].(string); ok {
					m.pythonHint = version
				}
			}
			continue
		}
		m.specs = append(m.specs, name)
	}
	return m, nil
}

// parsePipfileLock reads the locked default section. Development packages do
// not ship in the image and are ignored.
func parsePipfileLock(data []byte) (manifest, error) {
	var lock struct {
		Meta struct {
			Requires struct {
				PythonVersion string `json:"python_version"`
			} `json:"requires"`
		} `json:"_meta"`
		Default map[string]struct {
			Version string `json:"version"`
		} `json:"default"`
	}
	if err := json.Unmarshal(data, &lock); err != nil {
		return manifest{}, err
	}

	m := manifest{pythonHint: lock.Meta.Requires.PythonVersion}
	names := make([]string, 0, len(lock.Default))
	for name := range lock.Default {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.specs = append(m.specs, name+lock.Default[name].Version)
	}
	return m, nil
}
