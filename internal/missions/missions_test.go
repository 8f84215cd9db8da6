package missions

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lurker/internal/config"
	"lurker/internal/lurker"
	"lurker/internal/mission"
	logx "lurker/pkg/logx"
	"lurker/pkg/speedtest"
	sm "lurker/pkg/systemdmanager"
)

func inv(id string) mission.Invocation {
	return mission.Invocation{TaskID: "t1", Identifier: id, Category: mission.Extended, FiredAt: time.Now()}
}

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh in PATH")
	}
	return sh
}

type fakeMeasurer struct {
	res *speedtest.Result
	err error
	cfg speedtest.RunConfig
}

func (f *fakeMeasurer) Run(context.Context) (*speedtest.Result, error) { return f.res, f.err }

type fakeUnits struct {
	rep     sm.Report
	err     error
	got     []string
	restart bool
	closed  bool
}

func (f *fakeUnits) Check(_ context.Context, units []string, restart bool) (sm.Report, error) {
	f.got, f.restart = units, restart
	return f.rep, f.err
}

func (f *fakeUnits) Close() error { f.closed = true; return nil }

func TestBuild(t *testing.T) {
	t.Parallel()
	fm := &fakeMeasurer{}
	decls := []config.MissionConfig{
		{ID: " refresh ", Category: "brief", Kind: "command", EarliestStart: "15m", Command: &config.CommandMission{Path: "/bin/true"}},
		{ID: "net", Category: "extended", Kind: "speedtest", Speedtest: &config.SpeedtestMission{ServerCount: 3, MinDownloadMbps: 10}},
		{ID: "units", Category: "processing", Kind: "unitcheck", RequiresExternalPower: true, Unitcheck: &config.UnitcheckMission{Units: []string{"nginx"}}},
	}
	ms, err := Build(decls, Deps{
		Log: logx.Nop(),
		NewMeasurer: func(cfg speedtest.RunConfig, _ ...speedtest.Option) Measurer {
			fm.cfg = cfg
			return fm
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 3 {
		t.Fatalf("built %d missions", len(ms))
	}
	if ms[0].Identifier() != "refresh" || ms[0].Category() != mission.Brief {
		t.Fatalf("refresh = %s/%s", ms[0].Identifier(), ms[0].Category())
	}
	if es := ms[0].EarliestStart(); time.Until(es) < 14*time.Minute || time.Until(es) > 16*time.Minute {
		t.Fatalf("earliest start = %s", es)
	}
	if !ms[1].EarliestStart().IsZero() {
		t.Fatal("speedtest should have no earliest start")
	}
	if fm.cfg.ServerCount != 3 {
		t.Fatalf("runner config = %+v", fm.cfg)
	}

	req, ok := ms[1].(lurker.Requirements)
	if !ok || !req.RequiresNetwork() || req.RequiresExternalPower() {
		t.Fatal("speedtest must require network")
	}
	req, ok = ms[2].(lurker.Requirements)
	if !ok || req.RequiresNetwork() || !req.RequiresExternalPower() {
		t.Fatal("unitcheck requirements not carried")
	}
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()
	tests := []config.MissionConfig{
		{ID: "a", Category: "medium", Kind: "command", Command: &config.CommandMission{Path: "/bin/true"}},
		{ID: "b", Category: "brief", Kind: "ftp"},
		{ID: "c", Category: "brief", Kind: "command"},
		{ID: "d", Category: "brief", Kind: "command", EarliestStart: "soon", Command: &config.CommandMission{Path: "/bin/true"}},
	}
	for _, d := range tests {
		if _, err := Build([]config.MissionConfig{d}, Deps{}); err == nil || !strings.Contains(err.Error(), d.ID) {
			t.Errorf("Build(%s) err = %v", d.ID, err)
		}
	}
}

func TestCommandExitStatus(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	dir := t.TempDir()
	tests := []struct {
		name   string
		script string
		want   bool
	}{
		{"zero", "exit 0", true},
		{"nonzero", "echo boom >&2; exit 3", false},
		{"env", `test "$LURKER_MISSION" = cmd && test "$LURKER_TASK_ID" = t1 && test "$EXTRA" = yes`, true},
		{"dir", `test "$(pwd)" = "` + dir + `"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := base{id: "cmd", cat: mission.Extended, log: logx.Nop()}
			c := newCommand(b, config.CommandMission{Path: sh, Args: []string{"-c", tt.script}, Dir: dir, Env: []string{"EXTRA=yes"}})
			if got := c.Run(context.Background(), inv("cmd")); got != tt.want {
				t.Fatalf("Run = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandMissingBinary(t *testing.T) {
	t.Parallel()
	c := newCommand(base{id: "cmd", log: logx.Nop()}, config.CommandMission{Path: filepath.Join(t.TempDir(), "nope")})
	if c.Run(context.Background(), inv("cmd")) {
		t.Fatal("missing binary reported success")
	}
}

func TestCommandKilledOnCancel(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	c := newCommand(base{id: "cmd", log: logx.Nop()}, config.CommandMission{Path: sh, Args: []string{"-c", "sleep 30"}})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if c.Run(ctx, inv("cmd")) {
		t.Fatal("cancelled command reported success")
	}
	if took := time.Since(start); took > killDelay+2*time.Second {
		t.Fatalf("cancel took %s", took)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world!"))
	if got := tb.String(); got != "o world!" {
		t.Fatalf("tail = %q", got)
	}
}

func TestSpeedtestRun(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		res  *speedtest.Result
		err  error
		min  float64
		want bool
	}{
		{"measured", &speedtest.Result{DownloadMbps: 90}, nil, 0, true},
		{"above floor", &speedtest.Result{DownloadMbps: 90}, nil, 50, true},
		{"below floor", &speedtest.Result{DownloadMbps: 20}, nil, 50, false},
		{"error", nil, errors.New("fetch server list: timeout"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &Speedtest{base: base{id: "net", log: logx.Nop()}, runner: &fakeMeasurer{res: tt.res, err: tt.err}, minDown: tt.min}
			if got := s.Run(context.Background(), inv("net")); got != tt.want {
				t.Fatalf("Run = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnitcheckRun(t *testing.T) {
	t.Parallel()
	healthy := &fakeUnits{rep: sm.Report{Units: []sm.UnitStatus{{Name: "nginx.service", Active: "active"}}}}
	down := &fakeUnits{rep: sm.Report{Down: []string{"redis.service"}}}
	broken := &fakeUnits{err: errors.New("dbus: connection reset")}

	tests := []struct {
		name    string
		units   *fakeUnits
		dialErr error
		want    bool
	}{
		{"healthy", healthy, nil, true},
		{"down", down, nil, false},
		{"check error", broken, nil, false},
		{"no systemd", nil, errors.New("no bus"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var gotUser bool
			u := newUnitcheck(base{id: "units", log: logx.Nop()},
				config.UnitcheckMission{Units: []string{"nginx", "redis"}, RestartFailed: true, User: true},
				Deps{DialUnits: func(_ context.Context, user bool) (UnitChecker, error) {
					gotUser = user
					if tt.dialErr != nil {
						return nil, tt.dialErr
					}
					return tt.units, nil
				}})
			if got := u.Run(context.Background(), inv("units")); got != tt.want {
				t.Fatalf("Run = %v, want %v", got, tt.want)
			}
			if !gotUser {
				t.Fatal("user flag not passed to dialer")
			}
			if tt.units != nil {
				if !tt.units.closed || !tt.units.restart || strings.Join(tt.units.got, ",") != "nginx,redis" {
					t.Fatalf("checker = %+v", tt.units)
				}
			}
		})
	}
}
