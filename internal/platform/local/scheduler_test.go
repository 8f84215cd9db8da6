package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"lurker/internal/platform"
)

// quiet windows never tick during a test; tests drive tick directly.
func testConfig() Config {
	return Config{
		RefreshWindow:    "@every 1h",
		ProcessingWindow: "@every 1h",
		RefreshBudget:    time.Minute,
		ProcessingBudget: time.Minute,
		ExpirationGrace:  time.Minute,
	}
}

func newStarted(t *testing.T, cfg Config, ids ...string) (*Scheduler, chan platform.Task) {
	t.Helper()
	s := New(cfg, testLogger())
	launched := make(chan platform.Task, 16)
	for _, id := range ids {
		if !s.Register(id, func(pt platform.Task) { launched <- pt }) {
			t.Fatalf("Register(%q) rejected", id)
		}
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, launched
}

func waitTask(t *testing.T, ch <-chan platform.Task) platform.Task {
	t.Helper()
	select {
	case pt := <-ch:
		return pt
	case <-time.After(2 * time.Second):
		t.Fatal("no task launched")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Permitted = []string{"a", "b"}
	s := New(cfg, testLogger())
	noop := func(platform.Task) {}

	if !s.Register("a", noop) {
		t.Fatal("a should register")
	}
	if s.Register("a", noop) {
		t.Fatal("duplicate registration accepted")
	}
	if s.Register("x", noop) {
		t.Fatal("unpermitted identifier accepted")
	}
	if s.Register("", noop) || s.Register("b", nil) {
		t.Fatal("invalid registration accepted")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())
	if s.Register("b", noop) {
		t.Fatal("registration after start accepted")
	}
}

func TestSubmitValidatesAndReplaces(t *testing.T) {
	t.Parallel()
	s, _ := newStarted(t, testConfig(), "r1", "r2", "p1")

	if err := s.Submit(platform.RefreshRequest{Identifier: "nope"}); !errors.Is(err, platform.ErrUnknownIdentifier) {
		t.Fatalf("unknown id: err = %v", err)
	}
	if err := s.Submit(platform.RefreshRequest{Identifier: "r1"}); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Hour)
	if err := s.Submit(platform.RefreshRequest{Identifier: "r1", EarliestBegin: later}); err != nil {
		t.Fatalf("replacement rejected: %v", err)
	}
	if err := s.Submit(platform.RefreshRequest{Identifier: "r2"}); !errors.Is(err, platform.ErrTooManyPendingRequests) {
		t.Fatalf("second refresh: err = %v", err)
	}
	if err := s.Submit(platform.ProcessingRequest{Identifier: "p1"}); err != nil {
		t.Fatalf("processing has its own cap: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(snap.Pending))
	}
	if !snap.Pending[1].EarliestBegin.Equal(later) || snap.Pending[1].Identifier != "r1" {
		t.Fatalf("replacement not stored: %+v", snap.Pending[1])
	}
	if snap.Counters.Replaced != 1 || snap.Counters.Submitted != 3 || snap.Counters.Rejected != 2 {
		t.Fatalf("counters = %+v", snap.Counters)
	}
}

func TestProcessingCap(t *testing.T) {
	t.Parallel()
	ids := make([]string, 0, MaxPendingProcessing+1)
	for i := range MaxPendingProcessing + 1 {
		ids = append(ids, string(rune('a'+i)))
	}
	s, _ := newStarted(t, testConfig(), ids...)
	for _, id := range ids[:MaxPendingProcessing] {
		if err := s.Submit(platform.ProcessingRequest{Identifier: id}); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	err := s.Submit(platform.ProcessingRequest{Identifier: ids[MaxPendingProcessing]})
	if !errors.Is(err, platform.ErrTooManyPendingRequests) {
		t.Fatalf("err = %v", err)
	}
}

func TestTickLaunchesDueRequests(t *testing.T) {
	t.Parallel()
	s, launched := newStarted(t, testConfig(), "now", "later")

	if err := s.Submit(platform.ProcessingRequest{Identifier: "now"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(platform.ProcessingRequest{Identifier: "later", EarliestBegin: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	s.tick(platform.KindRefresh)
	if got := len(s.Snapshot().Running); got != 0 {
		t.Fatalf("refresh tick launched %d processing tasks", got)
	}

	s.tick(platform.KindProcessing)
	pt := waitTask(t, launched)
	if pt.Identifier() != "now" || pt.ID() == "" {
		t.Fatalf("launched %q/%q", pt.Identifier(), pt.ID())
	}

	snap := s.Snapshot()
	if len(snap.Running) != 1 || len(snap.Pending) != 1 || snap.Pending[0].Identifier != "later" {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Running identifiers are not launched twice.
	if err := s.Submit(platform.ProcessingRequest{Identifier: "now"}); err != nil {
		t.Fatal(err)
	}
	s.tick(platform.KindProcessing)
	select {
	case <-launched:
		t.Fatal("identifier launched while running")
	case <-time.After(20 * time.Millisecond):
	}

	pt.SetCompleted(true)
	pt.SetCompleted(false)
	snap = s.Snapshot()
	if len(snap.Running) != 0 || snap.Counters.Completed != 1 || snap.Counters.Succeeded != 1 {
		t.Fatalf("after completion: %+v", snap)
	}
}

func TestBudgetExpiresThenTerminates(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RefreshBudget = 20 * time.Millisecond
	cfg.ExpirationGrace = 20 * time.Millisecond
	s, launched := newStarted(t, cfg, "r")

	if err := s.Submit(platform.RefreshRequest{Identifier: "r"}); err != nil {
		t.Fatal(err)
	}
	s.tick(platform.KindRefresh)
	pt := waitTask(t, launched)
	expired := make(chan struct{})
	pt.SetExpirationHandler(func() { close(expired) })

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("expiration handler not called")
	}
	waitFor(t, "termination", func() bool { return s.Snapshot().Counters.Terminated == 1 })
	if n := len(s.Snapshot().Running); n != 0 {
		t.Fatalf("terminated task still running (%d)", n)
	}

	pt.SetCompleted(false)
	if c := s.Snapshot().Counters; c.Completed != 1 || c.Expired != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestLateHandlerIsCalledImmediately(t *testing.T) {
	t.Parallel()
	s, launched := newStarted(t, testConfig(), "p")
	if _, err := s.Launch("p"); err != nil {
		t.Fatal(err)
	}
	pt := waitTask(t, launched)
	if err := s.Expire("p"); err != nil {
		t.Fatal(err)
	}
	if err := s.Expire("p"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Expire: %v", err)
	}
	called := false
	pt.SetExpirationHandler(func() { called = true })
	if !called {
		t.Fatal("handler installed after expiration was not called")
	}
	pt.SetCompleted(true)
}

func TestLaunchDebugHook(t *testing.T) {
	t.Parallel()
	s, launched := newStarted(t, testConfig(), "r")

	if _, err := s.Launch("ghost"); !errors.Is(err, platform.ErrUnknownIdentifier) {
		t.Fatalf("unknown: %v", err)
	}
	if err := s.Submit(platform.RefreshRequest{Identifier: "r", EarliestBegin: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	id, err := s.Launch("r")
	if err != nil {
		t.Fatal(err)
	}
	pt := waitTask(t, launched)
	if pt.ID() != id {
		t.Fatalf("task id %q, Launch returned %q", pt.ID(), id)
	}
	snap := s.Snapshot()
	if len(snap.Pending) != 0 || snap.Running[0].Kind != "refresh" {
		t.Fatalf("pending request should be consumed: %+v", snap)
	}
	if _, err := s.Launch("r"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("relaunch: %v", err)
	}
	pt.SetCompleted(true)
}

func TestSubmitRateLimit(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SubmitRatePerSec = 0.001
	cfg.SubmitBurst = 1
	s, _ := newStarted(t, cfg, "a")
	if err := s.Submit(platform.ProcessingRequest{Identifier: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(platform.ProcessingRequest{Identifier: "a"}); !errors.Is(err, platform.ErrRateLimited) {
		t.Fatalf("err = %v", err)
	}
}

type fixedConditions struct{ network, power bool }

func (c fixedConditions) NetworkAvailable() bool { return c.network }
func (c fixedConditions) ExternalPower() bool    { return c.power }

func TestProcessingRequirements(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Conditions = fixedConditions{network: false, power: true}
	s, launched := newStarted(t, cfg, "net", "pow")

	_ = s.Submit(platform.ProcessingRequest{Identifier: "net", RequiresNetwork: true})
	_ = s.Submit(platform.ProcessingRequest{Identifier: "pow", RequiresExternalPower: true})
	s.tick(platform.KindProcessing)

	pt := waitTask(t, launched)
	if pt.Identifier() != "pow" {
		t.Fatalf("launched %q", pt.Identifier())
	}
	if p := s.Snapshot().Pending; len(p) != 1 || p[0].Identifier != "net" {
		t.Fatalf("pending = %+v", p)
	}
	pt.SetCompleted(true)
}

func TestStopExpiresRunningAndRefusesSubmit(t *testing.T) {
	t.Parallel()
	s, launched := newStarted(t, testConfig(), "a")
	if _, err := s.Launch("a"); err != nil {
		t.Fatal(err)
	}
	pt := waitTask(t, launched)
	expired := make(chan struct{})
	pt.SetExpirationHandler(func() { close(expired) })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-expired:
	default:
		t.Fatal("Stop did not expire running task")
	}
	if err := s.Submit(platform.ProcessingRequest{Identifier: "a"}); !errors.Is(err, platform.ErrUnavailable) {
		t.Fatalf("Submit after Stop: %v", err)
	}
	pt.SetCompleted(false)
}

func TestApplyRejectsBadWindow(t *testing.T) {
	t.Parallel()
	s, _ := newStarted(t, testConfig())
	cfg := testConfig()
	cfg.RefreshWindow = "every tuesday"
	if err := s.Apply(cfg); err == nil {
		t.Fatal("expected error")
	}
	cfg = testConfig()
	cfg.ProcessingWindow = "0 */2 * * *"
	if err := s.Apply(cfg); err != nil {
		t.Fatal(err)
	}
	if snap := s.Snapshot(); snap.ProcessingWindow != "0 */2 * * *" || snap.NextProcessing.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}
