package requirements

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sungreong/openstream-gallery/internal/fault"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestAnalyzeEmptyWorkspace(t *testing.T) {
	c, err := Analyze(t.TempDir())
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if c.Source != "" || c.RequirementsPresent || c.Packages != 0 {
		t.Fatalf("expected empty classification, got %+v", c)
	}
}

func TestAnalyzeRequirementsTxt(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requirements.txt", `
# data stack
streamlit==1.32.0
pandas>=2.0  # frames
numpy
requests ; python_version < "3.12"
-r extra.txt
--index-url https://pypi.example.com/simple
git+https://github.com/vendor/private.git
Pillow==10.0
`)

	c, err := Analyze(dir)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if c.Source != "requirements.txt" || !c.RequirementsPresent {
		t.Fatalf("unexpected source info: %+v", c)
	}
	if c.Packages != 5 {
		t.Fatalf("expected 5 parsed specs, got %d", c.Packages)
	}
	if !c.NeedsDataScience {
		t.Fatal("pandas and numpy should flag the data science variant")
	}
	wantProblematic := []string{"pandas>=2.0", "numpy", "Pillow==10.0"}
	if !reflect.DeepEqual(c.Problematic, wantProblematic) {
		t.Fatalf("expected problematic %v, got %v", wantProblematic, c.Problematic)
	}
}

func TestAnalyzePillowAloneDoesNotNeedDataScience(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requirements.txt", "streamlit\npillow\n")

	c, err := Analyze(dir)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if c.NeedsDataScience {
		t.Fatal("pillow needs a toolchain but not the data science image")
	}
	if len(c.Problematic) != 1 || c.Problematic[0] != "pillow" {
		t.Fatalf("expected pillow in problematic list, got %v", c.Problematic)
	}
}

func TestAnalyzeRequirementsWinsOverPyProject(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "requirements.txt", "streamlit\n")
	writeManifest(t, dir, "pyproject.toml", `
[project]
dependencies = ["torch"]
`)

	c, err := Analyze(dir)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if c.Source != "requirements.txt" {
		t.Fatalf("expected requirements.txt to win, got %q", c.Source)
	}
	if c.NeedsDataScience {
		t.Fatal("torch from the shadowed manifest must not leak in")
	}
}

func TestAnalyzePyProjectPEP621(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "pyproject.toml", `
[project]
requires-python = ">=3.10"
dependencies = ["streamlit>=1.30", "scikit_learn==1.4"]
`)

	c, err := Analyze(dir)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if c.Source != "pyproject.toml" || c.RequirementsPresent {
		t.Fatalf("unexpected source info: %+v", c)
	}
	if c.PythonVersionHint != ">=3.10" {
		t.Fatalf("expected python hint, got %q", c.PythonVersionHint)
	}
	if !c.NeedsDataScience {
		t.Fatal("scikit_learn should normalize to scikit-learn and flag data science")
	}
}

func TestAnalyzePyProjectPoetryFallback(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "pyproject.toml", `
[tool.poetry.dependencies]
python = "^3.11"
streamlit = "^1.30"
pandas = { version = "^2.0" }
`)

	c, err := Analyze(dir)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if c.PythonVersionHint != "^3.11" {
		t.Fatalf("expected poetry python hint, got %q", c.PythonVersionHint)
	}
	if c.Packages != 2 {
		t.Fatalf("expected python entry excluded, got %d packages", c.Packages)
	}
	if !c.NeedsDataScience {
		t.Fatal("pandas should flag data science")
	}
}

func TestAnalyzePipfileLock(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "Pipfile.lock", `{
	"_meta": {"requires": {"python_version": "3.11"}},
	"default": {
		"streamlit": {"version": "==1.32.0"},
		"numpy": {"version": "==1.26.4"}
	},
	"develop": {
		"pytest": {"version": "==8.0.0"}
	}
}`)

	c, err := Analyze(dir)
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if c.Source != "Pipfile.lock" {
		t.Fatalf("unexpected source %q", c.Source)
	}
	if c.PythonVersionHint != "3.11" {
		t.Fatalf("unexpected python hint %q", c.PythonVersionHint)
	}
	if c.Packages != 2 {
		t.Fatalf("develop packages must be ignored, got %d", c.Packages)
	}
	if !c.NeedsDataScience {
		t.Fatal("locked numpy should flag data science")
	}
}

func TestAnalyzeBrokenManifestIsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "pyproject.toml", "not = [valid toml")

	_, err := Analyze(dir)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("expected invalid input kind, got %v", err)
	}
}

func TestBareName(t *testing.T) {
	cases := map[string]string{
		"pandas>=2.0":             "pandas",
		"Pillow==10.0":            "pillow",
		"scikit_learn":            "scikit-learn",
		"uvicorn[standard]==0.27": "uvicorn",
		"requests ; extra == 'x'": "requests",
		"torch @ file:///wheel":   "torch",
		"  numpy !=1.24,<2  ":     "numpy",
		"plain":                   "plain",
	}
	for in, want := range cases {
		if got := BareName(in); got != want {
			t.Fatalf("BareName(%q) = %q, want %q", in, got, want)
		}
	}
}
