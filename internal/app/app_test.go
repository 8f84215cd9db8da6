package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lurker/internal/config"
	"lurker/internal/lurker"
	"lurker/internal/mission"
	"lurker/internal/platform/platformtest"
	logx "lurker/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lurker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type recordedStates struct {
	mu     sync.Mutex
	states []string
}

func (r *recordedStates) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: warn
storage:
  driver: file
  path: `+filepath.Join(dir, "runs")+`
status:
  enabled: false
missions:
  - id: com.example.refresh
    category: brief
    kind: command
    command:
      path: /bin/true
  - id: com.example.cleanup
    category: extended
    kind: command
    earliest_start: 1h
    command:
      path: /bin/true
`)
	rec := &recordedStates{}
	a, err := New(path, WithNotifier(rec.notify))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := len(a.Missions()); got != 2 {
		t.Fatalf("missions = %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := a.platform.Snapshot()
	if !snap.Started || len(snap.Registered) != 2 || len(snap.Pending) != 2 {
		t.Fatalf("platform snapshot = %+v", snap)
	}
	if got := a.coord.Snapshot().Missions; len(got) != 2 || got[0].Identifier != "com.example.refresh" {
		t.Fatalf("coordinator missions = %+v", got)
	}

	// Platform windows apply live.
	next := *a.cfg
	next.Platform.RefreshWindow = "@every 5m"
	a.applyConfig(a.cfg, &next)
	if got := a.platform.Snapshot().RefreshWindow; got != "@every 5m" {
		t.Fatalf("refresh window = %q", got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !a.platform.Snapshot().Stopped {
		t.Fatal("platform still running after Stop")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if got := strings.Join(rec.states, ","); got != "READY=1,STOPPING=1" {
		t.Fatalf("notified states = %s", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
storage:
  driver: none
missions:
  - id: a
    category: brief
    kind: command
    command: {path: /bin/true}
  - id: b
    category: brief
    kind: command
    command: {path: /bin/true}
`)
	if _, err := New(path); err == nil || !strings.Contains(err.Error(), "brief") {
		t.Fatalf("err = %v", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		want    string
		wantErr bool
	}{
		{name: "disabled", in: config.StorageConfig{Driver: " None "}},
		{name: "sqlite", in: config.StorageConfig{Driver: "SQLite", Path: " ./x.db ", BusyTimeout: "2s", Retention: "720h"}, want: "sqlite"},
		{name: "bad retention", in: config.StorageConfig{Driver: "file", Path: "x", Retention: "a month"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got.Driver != tt.want {
				t.Fatalf("driver = %q, want %q", got.Driver, tt.want)
			}
			if tt.want == "sqlite" && (got.Path != "./x.db" || got.BusyTimeout != 2*time.Second || got.Retention != 720*time.Hour) {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestStepRunner(t *testing.T) {
	t.Parallel()
	var errs []error
	step := stepRunner(context.Background(), logx.Nop(), &errs)

	step("ok", time.Second, func(context.Context) error { return nil })
	step("fails", time.Second, func(context.Context) error { return errors.New("boom") })
	step("panics", time.Second, func(context.Context) error { panic("oops") })

	release := make(chan struct{})
	step("stuck", 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	close(release)

	if len(errs) != 3 {
		t.Fatalf("errs = %v", errs)
	}
	if !strings.Contains(errs[0].Error(), "boom") || !strings.Contains(errs[1].Error(), "panic") ||
		!errors.Is(errs[2], context.DeadlineExceeded) {
		t.Fatalf("errs = %v", errs)
	}
}

func TestHostConditions(t *testing.T) {
	t.Parallel()
	mk := func(t *testing.T, supplies map[string][2]string) string {
		t.Helper()
		dir := t.TempDir()
		for name, v := range supplies {
			sub := filepath.Join(dir, name)
			if err := os.MkdirAll(sub, 0o755); err != nil {
				t.Fatal(err)
			}
			_ = os.WriteFile(filepath.Join(sub, "type"), []byte(v[0]+"\n"), 0o644)
			_ = os.WriteFile(filepath.Join(sub, "online"), []byte(v[1]+"\n"), 0o644)
		}
		return dir
	}
	power := []struct {
		name     string
		supplies map[string][2]string
		want     bool
	}{
		{"no supplies", nil, true},
		{"battery only", map[string][2]string{"BAT0": {"Battery", "1"}}, true},
		{"on mains", map[string][2]string{"AC": {"Mains", "1"}, "BAT0": {"Battery", "1"}}, true},
		{"on battery", map[string][2]string{"AC": {"Mains", "0"}, "BAT0": {"Battery", "1"}}, false},
	}
	for _, tt := range power {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := hostConditions{powerDir: mk(t, tt.supplies)}
			if got := h.ExternalPower(); got != tt.want {
				t.Fatalf("ExternalPower = %v, want %v", got, tt.want)
			}
		})
	}

	links := func(ls ...link) func() ([]link, error) {
		return func() ([]link, error) { return ls, nil }
	}
	if (hostConditions{links: links(link{up: true, loopback: true, addrs: 1})}).NetworkAvailable() {
		t.Fatal("loopback alone counts as network")
	}
	if !(hostConditions{links: links(link{up: true, addrs: 2})}).NetworkAvailable() {
		t.Fatal("configured interface not counted")
	}
	failing := hostConditions{links: func() ([]link, error) { return nil, errors.New("netlink") }}
	if !failing.NetworkAvailable() {
		t.Fatal("probe failure must not block missions")
	}
}

func TestRegisterMissionsPartialFailureKeepsStarting(t *testing.T) {
	t.Parallel()
	ok := func(context.Context, mission.Invocation) bool { return true }

	tests := []struct {
		name       string
		missions   []mission.Mission
		wantErr    error
		registered int
	}{
		{
			name: "refused mission is skipped",
			missions: []mission.Mission{
				&mission.Func{ID: "sync", Cat: mission.Extended, Fn: ok},
				&mission.Func{ID: "refused", Cat: mission.Extended, Fn: ok},
			},
			registered: 1,
		},
		{
			name: "quota violation aborts",
			missions: []mission.Mission{
				&mission.Func{ID: "a", Cat: mission.Brief, Fn: ok},
				&mission.Func{ID: "b", Cat: mission.Brief, Fn: ok},
			},
			wantErr: lurker.ErrTooManyBrief,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := platformtest.New()
			p.RejectRegistration("refused")
			a := &App{log: logx.Nop(), coord: lurker.New(p), missions: tc.missions}

			err := a.registerMissions()
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if got := len(a.coord.Missions()); got != tc.registered {
				t.Fatalf("registered = %d, want %d", got, tc.registered)
			}
		})
	}
}
