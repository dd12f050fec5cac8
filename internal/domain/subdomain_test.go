package domain

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "My App", "my-app"},
		{"punctuation collapses", "Stock!!Analyzer (v2)", "stock-analyzer-v2"},
		{"leading trailing junk", "  --Hello--  ", "hello"},
		{"korean only", "주식분석", "app"},
		{"mixed script keeps ascii", "주식 dashboard", "dashboard"},
		{"empty", "", "app"},
		{"digits survive", "app 2024", "app-2024"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Slugify(tc.in); got != tc.want {
				t.Fatalf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSlugifyTrimsLongNames(t *testing.T) {
	got := Slugify(strings.Repeat("a", 80))
	if len(got) != 50 {
		t.Fatalf("expected 50 byte slug, got %d bytes", len(got))
	}
	if strings.HasSuffix(got, "-") {
		t.Fatalf("trimmed slug must not end in hyphen: %q", got)
	}
}

func TestSubdomainForAppendsID(t *testing.T) {
	got := SubdomainFor("My App", 42)
	if got != "my-app-42" {
		t.Fatalf("unexpected subdomain %q", got)
	}
	if !ValidSubdomain(got) {
		t.Fatalf("derived subdomain %q must be routable", got)
	}
}

func TestValidSubdomain(t *testing.T) {
	valid := []string{"a", "app-1", "0x", "my-app-42"}
	for _, s := range valid {
		if !ValidSubdomain(s) {
			t.Fatalf("expected %q valid", s)
		}
	}
	invalid := []string{"", "-app", "App", "app_1", "app.1", strings.Repeat("a", 64)}
	for _, s := range invalid {
		if ValidSubdomain(s) {
			t.Fatalf("expected %q invalid", s)
		}
	}
}

func TestTaskIDForSelectsSlot(t *testing.T) {
	app := App{BuildTaskID: "b", DeployTaskID: "d", StopTaskID: "s"}
	if app.TaskIDFor(TaskKindBuild) != "b" || app.TaskIDFor(TaskKindDeploy) != "d" || app.TaskIDFor(TaskKindStop) != "s" {
		t.Fatal("task slot lookup mismatch")
	}
	if app.TaskIDFor("unknown") != "" {
		t.Fatal("unknown kind must map to empty id")
	}
}

func TestUpdatableOnlyWhenIdle(t *testing.T) {
	for _, status := range []string{AppStatusStopped, AppStatusError} {
		if !(App{Status: status}).Updatable() {
			t.Fatalf("expected %s app updatable", status)
		}
	}
	for _, status := range []string{AppStatusBuilding, AppStatusDeploying, AppStatusRunning, AppStatusStopping} {
		if (App{Status: status}).Updatable() {
			t.Fatalf("expected %s app not updatable", status)
		}
	}
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := []string{TaskStateSuccess, TaskStateFailure, TaskStateRevoked}
	for _, s := range terminal {
		if !TaskStateTerminal(s) {
			t.Fatalf("expected %s terminal", s)
		}
	}
	for _, s := range []string{TaskStatePending, TaskStateRunning, TaskStateRetry} {
		if TaskStateTerminal(s) {
			t.Fatalf("expected %s not terminal", s)
		}
	}
}
