package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
)

// FragmentStatus is the cross-check result for one app's routing state.
type FragmentStatus struct {
	Subdomain               string   `json:"subdomain"`
	Exists                  bool     `json:"exists"`
	SyntacticallyValid      bool     `json:"syntactically_valid"`
	UpstreamContainerExists bool     `json:"upstream_container_exists"`
	UpstreamRunning         bool     `json:"upstream_running"`
	Issues                  []string `json:"issues"`
}

// Healthy reports whether the fragment routes to a live upstream.
func (s FragmentStatus) Healthy() bool {
	return s.Exists && s.SyntacticallyValid && s.UpstreamContainerExists && s.UpstreamRunning && len(s.Issues) == 0
}

// Manager owns the app fragment directory. All mutations and reloads are
// serialized through one mutex, so concurrent deploys cannot interleave a
// write with another task's reload.
type Manager struct {
	dir      string
	system   map[string]bool
	engine   docker.Engine
	reloader Reloader
	log      *slog.Logger

	mu sync.Mutex
}

// NewManager ensures the fragment directory exists. systemConfigs lists
// non-app fragment file names no cleanup may ever remove.
func NewManager(dir string, systemConfigs []string, engine docker.Engine, reloader Reloader, log *slog.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("fragment directory cannot be empty")
	}
	if reloader == nil {
		return nil, fmt.Errorf("reloader required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fragment directory: %w", err)
	}
	system := make(map[string]bool, len(systemConfigs))
	for _, name := range systemConfigs {
		system[strings.TrimSpace(name)] = true
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{dir: dir, system: system, engine: engine, reloader: reloader, log: log}, nil
}

// Write installs the fragment for subdomain atomically and reloads the
// proxy. If the proxy rejects the new configuration, the previous fragment
// state is restored and re-applied so the fragment stays absent-or-valid.
func (m *Manager) Write(ctx context.Context, subdomain string) error {
	if !domain.ValidSubdomain(subdomain) {
		return fault.New(fault.KindInvalidInput, "invalid subdomain %q", subdomain)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.dir, FragmentFile(subdomain))
	previous, hadPrevious, err := readIfExists(path)
	if err != nil {
		return err
	}
	if err := m.writeAtomic(path, []byte(RenderFragment(subdomain))); err != nil {
		return err
	}

	result, err := m.reloader.Reload(ctx)
	if err != nil {
		m.restore(ctx, path, previous, hadPrevious)
		return err
	}
	if !result.Valid {
		m.restore(ctx, path, previous, hadPrevious)
		return fault.New(fault.KindDeployFailure, "proxy reload invalid: %s", result.Errors)
	}
	return nil
}

// Remove deletes the fragment and reloads. Removing an absent fragment is a
// no-op apart from the reload. System fragments are refused.
func (m *Manager) Remove(ctx context.Context, subdomain string) error {
	file := FragmentFile(subdomain)
	if m.system[file] {
		return fault.New(fault.KindInvalidInput, "fragment %s is protected", file)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(filepath.Join(m.dir, file)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove fragment: %w", err)
	}
	result, err := m.reloader.Reload(ctx)
	if err != nil {
		return err
	}
	if !result.Valid {
		return fault.New(fault.KindConfigDrift, "proxy config invalid after removing %s: %s", file, result.Errors)
	}
	return nil
}

// Reload tests and applies the proxy configuration.
func (m *Manager) Reload(ctx context.Context) (ReloadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloader.Reload(ctx)
}

// ReadFragment returns the on-disk fragment content for a subdomain.
func (m *Manager) ReadFragment(subdomain string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, FragmentFile(subdomain)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fault.New(fault.KindNotFound, "no fragment for subdomain %q", subdomain)
		}
		return "", fmt.Errorf("read fragment: %w", err)
	}
	return string(data), nil
}

// ListFragments returns the subdomains with an installed fragment, sorted.
// System fragments are excluded.
func (m *Manager) ListFragments() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read fragment directory: %w", err)
	}
	subdomains := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || m.system[name] {
			continue
		}
		if subdomain, ok := SubdomainFromFile(name); ok {
			subdomains = append(subdomains, subdomain)
		}
	}
	sort.Strings(subdomains)
	return subdomains, nil
}

// CleanupAuto removes fragments whose subdomain is not in the active set and
// reloads once when anything was removed. System fragments always survive.
func (m *Manager) CleanupAuto(ctx context.Context, activeSubdomains []string) ([]string, error) {
	active := make(map[string]bool, len(activeSubdomains))
	for _, s := range activeSubdomains {
		active[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read fragment directory: %w", err)
	}

	removed := make([]string, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || m.system[name] {
			continue
		}
		subdomain, ok := SubdomainFromFile(name)
		if !ok || active[subdomain] {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return removed, fmt.Errorf("remove stale fragment %s: %w", name, err)
		}
		m.log.Info("removed stale proxy fragment", "fragment", name)
		removed = append(removed, name)
	}

	if len(removed) > 0 {
		result, err := m.reloader.Reload(ctx)
		if err != nil {
			return removed, err
		}
		if !result.Valid {
			return removed, fault.New(fault.KindConfigDrift, "proxy config invalid after cleanup: %s", result.Errors)
		}
	}
	return removed, nil
}

// Validate cross-checks a single app's fragment against the proxy and its
// upstream container.
func (m *Manager) Validate(ctx context.Context, subdomain string) (FragmentStatus, error) {
	test, err := m.reloader.Test(ctx)
	if err != nil {
		return FragmentStatus{Subdomain: subdomain}, err
	}
	return m.statusFor(ctx, subdomain, test)
}

// ConfigsStatus evaluates a batch of apps, running the proxy syntax test
// once for the whole batch.
func (m *Manager) ConfigsStatus(ctx context.Context, subdomains []string) ([]FragmentStatus, error) {
	test, err := m.reloader.Test(ctx)
	if err != nil {
		return nil, err
	}
	statuses := make([]FragmentStatus, 0, len(subdomains))
	for _, subdomain := range subdomains {
		status, err := m.statusFor(ctx, subdomain, test)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (m *Manager) statusFor(ctx context.Context, subdomain string, test ReloadResult) (FragmentStatus, error) {
	status := FragmentStatus{Subdomain: subdomain, Issues: []string{}}

	if _, err := os.Stat(filepath.Join(m.dir, FragmentFile(subdomain))); err == nil {
		status.Exists = true
	} else if !os.IsNotExist(err) {
		return status, fmt.Errorf("stat fragment: %w", err)
	} else {
		status.Issues = append(status.Issues, "fragment file missing")
	}

	// A failed global test only counts against fragments the error names.
	status.SyntacticallyValid = test.Valid || !strings.Contains(test.Errors, FragmentFile(subdomain))
	if !status.SyntacticallyValid {
		status.Issues = append(status.Issues, fmt.Sprintf("proxy rejected fragment: %s", test.Errors))
	}

	state, err := m.engine.InspectContainer(ctx, docker.ContainerName(subdomain))
	switch {
	case errors.Is(err, docker.ErrNotFound):
		status.Issues = append(status.Issues, "upstream container missing")
	case err != nil:
		return status, err
	default:
		status.UpstreamContainerExists = true
		status.UpstreamRunning = state.Running
		if !state.Running {
			status.Issues = append(status.Issues, "upstream container not running")
		}
		if got := state.Labels[docker.LabelSubdomain]; got != subdomain {
			status.Issues = append(status.Issues, fmt.Sprintf("upstream subdomain label %q does not match", got))
		}
	}
	return status, nil
}

func (m *Manager) restore(ctx context.Context, path string, previous []byte, hadPrevious bool) {
	if hadPrevious {
		if err := m.writeAtomic(path, previous); err != nil {
			m.log.Error("restore previous fragment failed", "path", path, "error", err)
			return
		}
	} else if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Error("remove rejected fragment failed", "path", path, "error", err)
		return
	}
	if _, err := m.reloader.Reload(ctx); err != nil {
		m.log.Error("re-apply previous proxy config failed", "error", err)
	}
}

func (m *Manager) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(m.dir, ".fragment-*")
	if err != nil {
		return fmt.Errorf("create temp fragment: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp fragment: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp fragment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp fragment: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install fragment: %w", err)
	}
	return nil
}

func readIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read fragment: %w", err)
	}
	return data, true, nil
}
