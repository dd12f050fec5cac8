package dockerfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/requirements"
)

// composerVersion is stamped into the image labels so running containers can
// be traced back to the generation that produced them.
const composerVersion = "1"

const (
	overlayMarker  = "# --- custom overlay ---"
	metadataMarker = "# --- image metadata ---"
	assemblyMarker = "# --- app assembly ---"
)

// safeSpec limits which requirement specs may be inlined into RUN
// instructions. Anything else still installs through the bulk pass.
var safeSpec = regexp.MustCompile(`^[A-Za-z0-9._\[\],<>=!~+-]+$`)

// Composer renders final Dockerfiles. Identical inputs yield byte-identical
// output; nothing time- or host-dependent may enter the text.
type Composer struct {
	variants *Variants
}

// NewComposer wraps a loaded variant set.
func NewComposer(variants *Variants) *Composer {
	return &Composer{variants: variants}
}

// Input carries everything a composition depends on.
type Input struct {
	AppID           int64
	EntryFile       string
	BaseImageChoice string
	CustomBaseImage string
	CustomOverlay   string
	Classification  requirements.Classification
}

// Result is a rendered Dockerfile plus its decision trail.
type Result struct {
	Dockerfile string
	Variant    string
	Hash       string
}

// SelectVariant applies the base selection rules. An explicit choice maps
// straight to its variant; auto routes on the dependency classification.
func SelectVariant(choice string, cls requirements.Classification) (string, error) {
	switch choice {
	case domain.BaseImageMinimal:
		return VariantMinimal, nil
	case domain.BaseImagePy39:
		return VariantPy39, nil
	case domain.BaseImagePy310:
		return VariantPy310, nil
	case domain.BaseImagePy311:
		return VariantPy311, nil
	case domain.BaseImageAuto, "":
		switch {
		case cls.NeedsDataScience:
			return VariantDataScience, nil
		case len(cls.Problematic) > 0:
			return VariantPy311, nil
		}
		return VariantMinimal, nil
	}
	return "", fault.New(fault.KindInvalidInput, "unknown base image choice %q", choice)
}

// Compose renders the final Dockerfile. A set custom base image overrides the
// variant choice and gets the hardcoded safety block instead of a bundled
// base.
func (c *Composer) Compose(in Input) (Result, error) {
	entry := strings.TrimSpace(in.EntryFile)
	if err := validateEntryFile(entry); err != nil {
		return Result{}, err
	}
	overlay, err := validateOverlay(in.CustomOverlay)
	if err != nil {
		return Result{}, err
	}

	var b strings.Builder
	variant := VariantCustom

	if custom := strings.TrimSpace(in.CustomBaseImage); custom != "" {
		if strings.ContainsAny(custom, " \t\n\r") {
			return Result{}, fault.New(fault.KindInvalidInput, "custom base image must be a single image reference")
		}
		writeCustomBase(&b, custom)
	} else {
		variant, err = SelectVariant(in.BaseImageChoice, in.Classification)
		if err != nil {
			return Result{}, err
		}
		content, ok := c.variants.Content(variant)
		if !ok {
			return Result{}, fmt.Errorf("base variant %s not loaded", variant)
		}
		b.WriteString(content)
	}

	b.WriteString("\n" + metadataMarker + "\n")
	fmt.Fprintf(&b, "LABEL gallery.app_id=%q\n", fmt.Sprintf("%d", in.AppID))
	fmt.Fprintf(&b, "LABEL gallery.entry_file=%q\n", entry)
	fmt.Fprintf(&b, "LABEL gallery.composer_version=%q\n", composerVersion)

	if len(overlay) > 0 {
		b.WriteString("\n" + overlayMarker + "\n")
		for _, line := range overlay {
			b.WriteString(line + "\n")
		}
	}

	writeTail(&b, entry, in.Classification)

	text := b.String()
	sum := sha256.Sum256([]byte(text))
	return Result{Dockerfile: text, Variant: variant, Hash: hex.EncodeToString(sum[:])}, nil
}

func writeCustomBase(b *strings.Builder, image string) {
	fmt.Fprintf(b, "# Custom base image supplied by the app owner.\nFROM %s\n", image)
	b.WriteString(`
# --- safety block ---
WORKDIR /app
ENV PYTHONUNBUFFERED=1
EXPOSE 8501
HEALTHCHECK --interval=30s --timeout=10s --start-period=30s --retries=3 \
    CMD curl --fail http://localhost:8501/_stcore/health || exit 1
RUN useradd -m -u 1000 streamlit 2>/dev/null || true
`)
}

func writeTail(b *strings.Builder, entry string, cls requirements.Classification) {
	b.WriteString("\n" + assemblyMarker + "\n")

	if cls.RequirementsPresent {
		b.WriteString("COPY requirements.txt ./\n")
		for _, spec := range cls.Problematic {
			if !safeSpec.MatchString(spec) {
				continue
			}
			fmt.Fprintf(b, "RUN pip install --no-cache-dir '%s'\n", spec)
		}
		b.WriteString(`RUN pip install --no-cache-dir -r requirements.txt || \
    while IFS= read -r line; do \
        case "$line" in ''|\#*|-*) continue ;; esac; \
        pip install --no-cache-dir "$line" || echo "skipped: $line"; \
    done < requirements.txt
`)
	}

	b.WriteString(`
COPY . .

RUN find . -name "*.pyc" -delete && \
    find . -name "__pycache__" -type d -exec rm -rf {} + || true

RUN chown -R streamlit:streamlit /app
USER streamlit

`)
	fmt.Fprintf(b, `ENTRYPOINT ["streamlit", "run", "%s", \
    "--server.port=8501", \
    "--server.address=0.0.0.0", \
    "--server.headless=true", \
    "--server.enableCORS=false", \
    "--server.enableXsrfProtection=false"]
`, entry)
}

// validateEntryFile keeps the entry path inside the workspace and safe to
// embed in the exec-form entrypoint.
func validateEntryFile(entry string) error {
	if entry == "" {
		return fault.New(fault.KindInvalidInput, "entry file cannot be empty")
	}
	if strings.ContainsAny(entry, " \t\"'\\") {
		return fault.New(fault.KindInvalidInput, "entry file contains unsupported characters")
	}
	if path.IsAbs(entry) || entry != path.Clean(entry) || strings.HasPrefix(entry, "..") {
		return fault.New(fault.KindInvalidInput, "entry file must be a clean relative path")
	}
	return nil
}

// validateOverlay splits overlay text and rejects FROM instructions, which
// would replace the selected base stage.
func validateOverlay(overlay string) ([]string, error) {
	if strings.TrimSpace(overlay) == "" {
		return nil, nil
	}
	lines := strings.Split(strings.TrimRight(overlay, "\n"), "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		first := strings.Fields(trimmed)[0]
		if strings.EqualFold(first, "FROM") {
			return nil, fault.New(fault.KindInvalidInput, "overlay must not contain FROM instructions")
		}
	}
	return lines, nil
}
