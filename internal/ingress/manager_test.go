package ingress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sungreong/openstream-gallery/internal/docker"
	"github.com/sungreong/openstream-gallery/internal/fault"
)

type reloadStep struct {
	result ReloadResult
	err    error
}

// reloaderStub consumes one scripted step per Reload call; once the script
// is exhausted every further reload passes. Test always answers the same.
type reloaderStub struct {
	steps   []reloadStep
	test    reloadStep
	reloads int
	tests   int
}

func newReloaderStub(steps ...reloadStep) *reloaderStub {
	return &reloaderStub{steps: steps, test: reloadStep{result: ReloadResult{Valid: true}}}
}

func (r *reloaderStub) Reload(context.Context) (ReloadResult, error) {
	r.reloads++
	if len(r.steps) == 0 {
		return ReloadResult{Valid: true}, nil
	}
	step := r.steps[0]
	r.steps = r.steps[1:]
	return step.result, step.err
}

func (r *reloaderStub) Test(context.Context) (ReloadResult, error) {
	r.tests++
	if r.test.err != nil {
		return ReloadResult{}, r.test.err
	}
	return r.test.result, nil
}

// inspectorStub serves InspectContainer from a fixed state table. The
// embedded Engine stays nil; the fragment manager calls nothing else on it.
type inspectorStub struct {
	docker.Engine
	states map[string]docker.State
}

func (s *inspectorStub) InspectContainer(_ context.Context, nameOrID string) (docker.State, error) {
	state, ok := s.states[nameOrID]
	if !ok {
		return docker.State{}, fmt.Errorf("inspect %s: %w", nameOrID, docker.ErrNotFound)
	}
	return state, nil
}

func newTestManager(t *testing.T, reloader Reloader, engine docker.Engine, system ...string) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), system, engine, reloader, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func seedFragment(t *testing.T, m *Manager, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(m.dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("seed fragment %s: %v", name, err)
	}
}

func readFragmentFile(t *testing.T, m *Manager, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		t.Fatalf("read fragment %s: %v", name, err)
	}
	return string(data)
}

func TestNewManagerValidation(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewManager("", nil, nil, newReloaderStub(), log); err == nil {
		t.Fatal("expected error for empty fragment directory")
	}
	if _, err := NewManager(t.TempDir(), nil, nil, nil, log); err == nil {
		t.Fatal("expected error for nil reloader")
	}
}

func TestWriteInstallsFragmentAndReloads(t *testing.T) {
	reloader := newReloaderStub()
	m := newTestManager(t, reloader, nil)

	if err := m.Write(context.Background(), "demo-7"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := readFragmentFile(t, m, "demo-7.conf")
	if got != RenderFragment("demo-7") {
		t.Fatalf("installed fragment does not match rendered output:\n%s", got)
	}
	if reloader.reloads != 1 {
		t.Fatalf("reloads = %d, want 1", reloader.reloads)
	}
}

func TestWriteRejectsInvalidSubdomain(t *testing.T) {
	reloader := newReloaderStub()
	m := newTestManager(t, reloader, nil)

	err := m.Write(context.Background(), "bad_sub")
	if fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("kind = %q, want %q", fault.KindOf(err), fault.KindInvalidInput)
	}
	if reloader.reloads != 0 {
		t.Fatalf("reloads = %d, want 0", reloader.reloads)
	}
	if _, err := os.Stat(filepath.Join(m.dir, "bad_sub.conf")); !os.IsNotExist(err) {
		t.Fatal("rejected subdomain must not leave a fragment behind")
	}
}

func TestWriteRestoresPreviousFragmentOnInvalidReload(t *testing.T) {
	reloader := newReloaderStub(reloadStep{result: ReloadResult{Valid: false, Errors: "demo.conf is broken"}})
	m := newTestManager(t, reloader, nil)
	seedFragment(t, m, "demo.conf", "previous fragment body\n")

	err := m.Write(context.Background(), "demo")
	if fault.KindOf(err) != fault.KindDeployFailure {
		t.Fatalf("kind = %q, want %q", fault.KindOf(err), fault.KindDeployFailure)
	}
	if !strings.Contains(err.Error(), "demo.conf is broken") {
		t.Fatalf("error %q does not carry the proxy output", err)
	}
	if got := readFragmentFile(t, m, "demo.conf"); got != "previous fragment body\n" {
		t.Fatalf("previous fragment not restored, got:\n%s", got)
	}
	// One reload for the rejected fragment, one re-applying the restore.
	if reloader.reloads != 2 {
		t.Fatalf("reloads = %d, want 2", reloader.reloads)
	}
}

func TestWriteRemovesNewFragmentOnReloadError(t *testing.T) {
	reloader := newReloaderStub(reloadStep{err: fmt.Errorf("proxy container down")})
	m := newTestManager(t, reloader, nil)

	err := m.Write(context.Background(), "demo")
	if err == nil || !strings.Contains(err.Error(), "proxy container down") {
		t.Fatalf("Write error = %v, want reload failure", err)
	}
	if _, statErr := os.Stat(filepath.Join(m.dir, "demo.conf")); !os.IsNotExist(statErr) {
		t.Fatal("fragment for a failed reload must be removed")
	}
	if reloader.reloads != 2 {
		t.Fatalf("reloads = %d, want 2", reloader.reloads)
	}
}

func TestRemoveAbsentFragmentStillReloads(t *testing.T) {
	reloader := newReloaderStub()
	m := newTestManager(t, reloader, nil)

	if err := m.Remove(context.Background(), "ghost"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if reloader.reloads != 1 {
		t.Fatalf("reloads = %d, want 1", reloader.reloads)
	}
}

func TestRemoveRefusesSystemFragment(t *testing.T) {
	reloader := newReloaderStub()
	m := newTestManager(t, reloader, nil, "default.conf")
	seedFragment(t, m, "default.conf", "server { }\n")

	err := m.Remove(context.Background(), "default")
	if fault.KindOf(err) != fault.KindInvalidInput {
		t.Fatalf("kind = %q, want %q", fault.KindOf(err), fault.KindInvalidInput)
	}
	if reloader.reloads != 0 {
		t.Fatalf("reloads = %d, want 0", reloader.reloads)
	}
	if _, err := os.Stat(filepath.Join(m.dir, "default.conf")); err != nil {
		t.Fatalf("system fragment must survive: %v", err)
	}
}

func TestRemoveReportsDriftOnInvalidReload(t *testing.T) {
	reloader := newReloaderStub(reloadStep{result: ReloadResult{Valid: false, Errors: "duplicate upstream"}})
	m := newTestManager(t, reloader, nil)
	seedFragment(t, m, "demo.conf", RenderFragment("demo"))

	err := m.Remove(context.Background(), "demo")
	if fault.KindOf(err) != fault.KindConfigDrift {
		t.Fatalf("kind = %q, want %q", fault.KindOf(err), fault.KindConfigDrift)
	}
	if _, statErr := os.Stat(filepath.Join(m.dir, "demo.conf")); !os.IsNotExist(statErr) {
		t.Fatal("fragment should be gone even when the reload flags drift")
	}
}

func TestReadFragmentMissingIsNotFound(t *testing.T) {
	m := newTestManager(t, newReloaderStub(), nil)
	if _, err := m.ReadFragment("ghost"); fault.KindOf(err) != fault.KindNotFound {
		t.Fatalf("kind = %q, want %q", fault.KindOf(err), fault.KindNotFound)
	}
}

func TestListFragmentsSortedWithoutSystem(t *testing.T) {
	m := newTestManager(t, newReloaderStub(), nil, "default.conf")
	seedFragment(t, m, "zeta.conf", "z")
	seedFragment(t, m, "alpha.conf", "a")
	seedFragment(t, m, "default.conf", "system")
	seedFragment(t, m, "notes.txt", "not a fragment")
	if err := os.Mkdir(filepath.Join(m.dir, "nested.conf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	subdomains, err := m.ListFragments()
	if err != nil {
		t.Fatalf("ListFragments: %v", err)
	}
	want := []string{"alpha", "zeta"}
	if len(subdomains) != len(want) {
		t.Fatalf("subdomains = %v, want %v", subdomains, want)
	}
	for i := range want {
		if subdomains[i] != want[i] {
			t.Fatalf("subdomains = %v, want %v", subdomains, want)
		}
	}
}

func TestCleanupAutoRemovesStaleFragments(t *testing.T) {
	reloader := newReloaderStub()
	m := newTestManager(t, reloader, nil, "default.conf")
	seedFragment(t, m, "live.conf", RenderFragment("live"))
	seedFragment(t, m, "old.conf", RenderFragment("old"))
	seedFragment(t, m, "stale.conf", RenderFragment("stale"))
	seedFragment(t, m, "default.conf", "system")

	removed, err := m.CleanupAuto(context.Background(), []string{"live"})
	if err != nil {
		t.Fatalf("CleanupAuto: %v", err)
	}
	if len(removed) != 2 || removed[0] != "old.conf" || removed[1] != "stale.conf" {
		t.Fatalf("removed = %v, want [old.conf stale.conf]", removed)
	}
	if reloader.reloads != 1 {
		t.Fatalf("reloads = %d, want exactly one for the whole sweep", reloader.reloads)
	}
	for _, name := range []string{"live.conf", "default.conf"} {
		if _, err := os.Stat(filepath.Join(m.dir, name)); err != nil {
			t.Fatalf("%s must survive cleanup: %v", name, err)
		}
	}
	for _, name := range removed {
		if _, err := os.Stat(filepath.Join(m.dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s still present after cleanup", name)
		}
	}
}

func TestCleanupAutoWithNothingStaleSkipsReload(t *testing.T) {
	reloader := newReloaderStub()
	m := newTestManager(t, reloader, nil)
	seedFragment(t, m, "live.conf", RenderFragment("live"))

	removed, err := m.CleanupAuto(context.Background(), []string{"live"})
	if err != nil {
		t.Fatalf("CleanupAuto: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed = %v, want none", removed)
	}
	if reloader.reloads != 0 {
		t.Fatalf("reloads = %d, want 0", reloader.reloads)
	}
}

func TestCleanupAutoInvalidReloadIsConfigDrift(t *testing.T) {
	reloader := newReloaderStub(reloadStep{result: ReloadResult{Valid: false, Errors: "unknown directive"}})
	m := newTestManager(t, reloader, nil)
	seedFragment(t, m, "stale.conf", RenderFragment("stale"))

	removed, err := m.CleanupAuto(context.Background(), nil)
	if fault.KindOf(err) != fault.KindConfigDrift {
		t.Fatalf("kind = %q, want %q", fault.KindOf(err), fault.KindConfigDrift)
	}
	if len(removed) != 1 || removed[0] != "stale.conf" {
		t.Fatalf("removed = %v, want [stale.conf]", removed)
	}
}

func TestRenderFragmentRoutesAppPort(t *testing.T) {
	fragment := RenderFragment("demo")
	for _, want := range []string{
		"# Managed by openstream-gallery.",
		"location /demo/ {",
		"proxy_pass http://app-demo:8501/;",
		"location /demo/_stcore/stream {",
		"proxy_pass http://app-demo:8501/_stcore/stream;",
		`proxy_set_header Connection "upgrade";`,
	} {
		if !strings.Contains(fragment, want) {
			t.Fatalf("fragment missing %q:\n%s", want, fragment)
		}
	}
}

func TestSubdomainFromFile(t *testing.T) {
	if sub, ok := SubdomainFromFile("demo.conf"); !ok || sub != "demo" {
		t.Fatalf("SubdomainFromFile(demo.conf) = %q, %v", sub, ok)
	}
	if _, ok := SubdomainFromFile("notes.txt"); ok {
		t.Fatal("notes.txt is not a fragment file")
	}
	if got := FragmentFile("demo"); got != "demo.conf" {
		t.Fatalf("FragmentFile = %q, want demo.conf", got)
	}
}

func TestValidateHealthyFragment(t *testing.T) {
	engine := &inspectorStub{states: map[string]docker.State{
		"app-demo": {Running: true, Labels: map[string]string{docker.LabelSubdomain: "demo"}},
	}}
	m := newTestManager(t, newReloaderStub(), engine)
	seedFragment(t, m, "demo.conf", RenderFragment("demo"))

	status, err := m.Validate(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !status.Healthy() {
		t.Fatalf("status not healthy: %+v", status)
	}
	if len(status.Issues) != 0 {
		t.Fatalf("issues = %v, want none", status.Issues)
	}
}

func TestValidateReportsMissingFragmentAndUpstream(t *testing.T) {
	m := newTestManager(t, newReloaderStub(), &inspectorStub{})

	status, err := m.Validate(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if status.Exists || status.UpstreamContainerExists || status.Healthy() {
		t.Fatalf("status = %+v, want nothing found", status)
	}
	joined := strings.Join(status.Issues, "; ")
	if !strings.Contains(joined, "fragment file missing") {
		t.Fatalf("issues %v missing fragment complaint", status.Issues)
	}
	if !strings.Contains(joined, "upstream container missing") {
		t.Fatalf("issues %v missing upstream complaint", status.Issues)
	}
}

func TestValidateFlagsStoppedUpstream(t *testing.T) {
	engine := &inspectorStub{states: map[string]docker.State{
		"app-demo": {Running: false, Labels: map[string]string{docker.LabelSubdomain: "demo"}},
	}}
	m := newTestManager(t, newReloaderStub(), engine)
	seedFragment(t, m, "demo.conf", RenderFragment("demo"))

	status, err := m.Validate(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !status.UpstreamContainerExists || status.UpstreamRunning {
		t.Fatalf("status = %+v, want existing stopped upstream", status)
	}
	if !strings.Contains(strings.Join(status.Issues, "; "), "not running") {
		t.Fatalf("issues = %v, want not-running complaint", status.Issues)
	}
}

func TestValidateFlagsSubdomainLabelMismatch(t *testing.T) {
	engine := &inspectorStub{states: map[string]docker.State{
		"app-demo": {Running: true, Labels: map[string]string{docker.LabelSubdomain: "other"}},
	}}
	m := newTestManager(t, newReloaderStub(), engine)
	seedFragment(t, m, "demo.conf", RenderFragment("demo"))

	status, err := m.Validate(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if status.Healthy() {
		t.Fatal("mismatched label must not be healthy")
	}
	if !strings.Contains(strings.Join(status.Issues, "; "), "does not match") {
		t.Fatalf("issues = %v, want label mismatch complaint", status.Issues)
	}
}

func TestValidateSyntaxErrorOnlyBlamesNamedFragment(t *testing.T) {
	engine := &inspectorStub{states: map[string]docker.State{
		"app-demo":   {Running: true, Labels: map[string]string{docker.LabelSubdomain: "demo"}},
		"app-broken": {Running: true, Labels: map[string]string{docker.LabelSubdomain: "broken"}},
	}}
	reloader := newReloaderStub()
	reloader.test = reloadStep{result: ReloadResult{Valid: false, Errors: `nginx: [emerg] unexpected "}" in /etc/nginx/conf.d/broken.conf:12`}}
	m := newTestManager(t, reloader, engine)
	seedFragment(t, m, "demo.conf", RenderFragment("demo"))
	seedFragment(t, m, "broken.conf", "garbage {")

	demo, err := m.Validate(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Validate demo: %v", err)
	}
	if !demo.SyntacticallyValid {
		t.Fatalf("demo blamed for an unrelated syntax error: %+v", demo)
	}

	broken, err := m.Validate(context.Background(), "broken")
	if err != nil {
		t.Fatalf("Validate broken: %v", err)
	}
	if broken.SyntacticallyValid {
		t.Fatal("broken.conf must be flagged syntactically invalid")
	}
	if !strings.Contains(strings.Join(broken.Issues, "; "), "proxy rejected fragment") {
		t.Fatalf("issues = %v, want rejection complaint", broken.Issues)
	}
}

func TestConfigsStatusRunsSyntaxTestOnce(t *testing.T) {
	engine := &inspectorStub{states: map[string]docker.State{
		"app-alpha": {Running: true, Labels: map[string]string{docker.LabelSubdomain: "alpha"}},
	}}
	reloader := newReloaderStub()
	m := newTestManager(t, reloader, engine)
	seedFragment(t, m, "alpha.conf", RenderFragment("alpha"))

	statuses, err := m.ConfigsStatus(context.Background(), []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatalf("ConfigsStatus: %v", err)
	}
	if reloader.tests != 1 {
		t.Fatalf("tests = %d, want one shared syntax check", reloader.tests)
	}
	if len(statuses) != 3 {
		t.Fatalf("statuses = %d, want 3", len(statuses))
	}
	if !statuses[0].Healthy() {
		t.Fatalf("alpha should be healthy: %+v", statuses[0])
	}
	if statuses[1].Exists || statuses[2].Exists {
		t.Fatalf("beta/gamma should have no fragment: %+v %+v", statuses[1], statuses[2])
	}
}
