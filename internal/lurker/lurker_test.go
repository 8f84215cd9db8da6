package lurker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lurker/internal/eventbus"
	"lurker/internal/mission"
	"lurker/internal/platform"
	"lurker/internal/platform/platformtest"
)

func okMission(id string, cat mission.Category) *mission.Func {
	return &mission.Func{ID: id, Cat: cat, Fn: func(context.Context, mission.Invocation) bool { return true }}
}

func extendedBatch(prefix string, n int) []mission.Mission {
	out := make([]mission.Mission, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, okMission(fmt.Sprintf("%s%d", prefix, i), mission.Extended))
	}
	return out
}

func waitDone(t *testing.T, task *platformtest.Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s was never completed", task.ID())
	}
}

func TestRegisterMissionsRejectsTooManyBrief(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)

	err := l.RegisterMissions([]mission.Mission{okMission("a", mission.Brief), okMission("b", mission.Brief)})
	if !errors.Is(err, ErrTooManyBrief) {
		t.Fatalf("err = %v, want ErrTooManyBrief", err)
	}
	if n := len(l.Missions()); n != 0 {
		t.Fatalf("table has %d entries, want 0", n)
	}
	if n := len(p.Registered()); n != 0 {
		t.Fatalf("platform saw %d registrations, want 0", n)
	}
}

func TestRegistrationScenario(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)
	a := okMission("A", mission.Brief)

	err := l.RegisterMissions(append([]mission.Mission{a}, extendedBatch("B", 11)...))
	if !errors.Is(err, ErrTooManyExtended) {
		t.Fatalf("err = %v, want ErrTooManyExtended", err)
	}
	if n := len(l.Missions()); n != 0 {
		t.Fatalf("table has %d entries after rejected batch, want 0", n)
	}

	if err := l.RegisterMissions(append([]mission.Mission{a}, extendedBatch("B", 10)...)); err != nil {
		t.Fatalf("RegisterMissions: %v", err)
	}
	if n := len(l.Missions()); n != 11 {
		t.Fatalf("table has %d entries, want 11", n)
	}

	if l.RegisterMission(a) {
		t.Fatal("re-registering A should return false")
	}
	if n := len(l.Missions()); n != 11 {
		t.Fatalf("table has %d entries after re-register, want 11", n)
	}
	if n := len(p.Registered()); n != 11 {
		t.Fatalf("platform saw %d registrations, want 11", n)
	}
}

func TestRegisterMissionsCountsAlreadyRegistered(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)
	if !l.RegisterMission(okMission("first", mission.Brief)) {
		t.Fatal("RegisterMission(first) = false")
	}

	err := l.RegisterMissions([]mission.Mission{okMission("second", mission.Brief)})
	if !errors.Is(err, ErrTooManyBrief) {
		t.Fatalf("err = %v, want ErrTooManyBrief", err)
	}
	if l.Registered("second") {
		t.Fatal("second brief mission must not be registered")
	}

	// Re-submitting the registered mission does not count twice.
	err = l.RegisterMissions([]mission.Mission{okMission("first", mission.Brief)})
	if !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("err = %v, want ErrRegistrationFailed", err)
	}
}

func TestRegisterMissionsPartialFailureKeepsSuccesses(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	p.RejectRegistration("B2")
	l := New(p)

	err := l.RegisterMissions(extendedBatch("B", 3))
	if !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("err = %v, want ErrRegistrationFailed", err)
	}
	if !l.Registered("B1") || !l.Registered("B3") {
		t.Fatal("successful registrations must not be rolled back")
	}
	if l.Registered("B2") {
		t.Fatal("refused mission must not be in the table")
	}
}

func TestRegisterMissionRejectsUnknownCategory(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)
	if l.RegisterMission(&mission.Func{ID: "x", Cat: mission.Category(9)}) {
		t.Fatal("unknown category registered")
	}
	if len(p.Registered()) != 0 {
		t.Fatal("platform must not see invalid missions")
	}
}

func TestRegisterMissionsConcurrentBatchesHoldQuota(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	p.SetRegisterDelay(time.Millisecond)
	l := New(p)

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.RegisterMissions([]mission.Mission{okMission(fmt.Sprintf("brief%d", i), mission.Brief)})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case !errors.Is(err, ErrTooManyBrief):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted batches = %d, want 1", accepted)
	}
	if got := len(p.Registered()); got != 1 {
		t.Fatalf("platform registrations = %d, want 1", got)
	}
}

func TestRegisterMissionRejectsPaddedIdentifier(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)

	if l.RegisterMission(&mission.Func{ID: "A ", Cat: mission.Extended}) {
		t.Fatal("identifier with surrounding whitespace registered")
	}
	if len(p.Registered()) != 0 {
		t.Fatal("platform must not see padded identifiers")
	}

	// A registered mission is scheduled under the identifier it registered with.
	if err := l.RegisterMissions([]mission.Mission{okMission("A", mission.Extended)}); err != nil {
		t.Fatalf("RegisterMissions: %v", err)
	}
	l.ScheduleAllMissions()
	if got := p.SubmittedFor("A"); got != 1 {
		t.Fatalf("submissions for A = %d, want 1", got)
	}
	if err := l.RegisterMissions([]mission.Mission{okMission(" A", mission.Extended)}); !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("err = %v, want ErrRegistrationFailed", err)
	}
}

func TestScheduleAllMissionsSubmitsOncePerEntry(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)
	batch := append([]mission.Mission{&mission.Func{ID: "A", Cat: mission.Brief, After: time.Hour}}, extendedBatch("B", 4)...)
	if err := l.RegisterMissions(batch); err != nil {
		t.Fatalf("RegisterMissions: %v", err)
	}

	l.ScheduleAllMissions()

	subs := p.Submitted()
	if len(subs) != 5 {
		t.Fatalf("submitted %d requests, want 5", len(subs))
	}
	for _, m := range batch {
		if n := p.SubmittedFor(m.Identifier()); n != 1 {
			t.Fatalf("%s submitted %d times, want 1", m.Identifier(), n)
		}
	}
	for _, r := range subs {
		switch req := r.(type) {
		case platform.RefreshRequest:
			if req.Identifier != "A" {
				t.Fatalf("refresh request for %s, want A", req.Identifier)
			}
			if req.EarliestBegin.IsZero() {
				t.Fatal("earliest begin not carried into refresh request")
			}
		case platform.ProcessingRequest:
			if !req.EarliestBegin.IsZero() {
				t.Fatalf("unexpected earliest begin for %s", req.Identifier)
			}
		default:
			t.Fatalf("unexpected request type %T", r)
		}
	}
}

func TestScheduleMissionSwallowsErrors(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	p.SetSubmitErr(platform.ErrTooManyPendingRequests)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	l := New(p, WithBus(bus))

	// Never registered: still forwarded.
	l.ScheduleMission(okMission("ghost", mission.Extended))

	if n := p.SubmittedFor("ghost"); n != 1 {
		t.Fatalf("ghost submitted %d times, want 1", n)
	}
	if got := l.Snapshot().Counters.ScheduleFailures; got != 1 {
		t.Fatalf("ScheduleFailures = %d, want 1", got)
	}
	select {
	case ev := <-ch:
		if ev.Type != EventScheduleFailed {
			t.Fatalf("event type = %s, want %s", ev.Type, EventScheduleFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("no schedule_failed event")
	}
}

func TestInvocationCompletesBeforeExpiration(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)

	var (
		submittedAtStart atomic.Int32
		cancelledAtEnd   atomic.Bool
	)
	m := &mission.Func{ID: "A", Cat: mission.Brief, Fn: func(ctx context.Context, inv mission.Invocation) bool {
		submittedAtStart.Store(int32(p.SubmittedFor(inv.Identifier)))
		cancelledAtEnd.Store(ctx.Err() != nil)
		return true
	}}
	if !l.RegisterMission(m) {
		t.Fatal("RegisterMission = false")
	}

	task, err := p.Fire("A")
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, task)

	if got := submittedAtStart.Load(); got != 1 {
		t.Fatalf("next request submitted %d times before run started, want 1", got)
	}
	if cancelledAtEnd.Load() {
		t.Fatal("run context was cancelled without expiration")
	}
	// Late expiration is ignored.
	task.Expire()

	res := task.Results()
	if len(res) != 1 || !res[0] {
		t.Fatalf("SetCompleted calls = %v, want [true]", res)
	}
	if c := l.Snapshot().Counters; c.Expired != 0 || c.Completed != 1 || c.Succeeded != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestInvocationExpiresBeforeCompletion(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)

	started := make(chan struct{})
	m := &mission.Func{ID: "E", Cat: mission.Extended, Fn: func(ctx context.Context, _ mission.Invocation) bool {
		close(started)
		<-ctx.Done()
		// Whatever the cancelled path returns is reported as-is.
		return true
	}}
	if !l.RegisterMission(m) {
		t.Fatal("RegisterMission = false")
	}

	task, err := p.Fire("E")
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if task.CompletedCalls() != 0 {
		t.Fatal("completed before expiration")
	}
	if snap := l.Snapshot(); len(snap.Active) != 1 || snap.Active[0].State != StateRunning.String() {
		t.Fatalf("active = %+v, want one running invocation", snap.Active)
	}

	if !task.Expire() {
		t.Fatal("no expiration handler installed")
	}
	waitDone(t, task)
	task.Expire()

	res := task.Results()
	if len(res) != 1 || !res[0] {
		t.Fatalf("SetCompleted calls = %v, want [true]", res)
	}
	if c := l.Snapshot().Counters; c.Expired != 1 {
		t.Fatalf("Expired = %d, want 1", c.Expired)
	}
}

func TestInvocationPanicReportsFailure(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)
	m := &mission.Func{ID: "P", Cat: mission.Extended, Fn: func(context.Context, mission.Invocation) bool {
		panic("boom")
	}}
	l.RegisterMission(m)

	task, err := p.Fire("P")
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, task)
	if res := task.Results(); len(res) != 1 || res[0] {
		t.Fatalf("SetCompleted calls = %v, want [false]", res)
	}
	if c := l.Snapshot().Counters; c.Panicked != 1 {
		t.Fatalf("Panicked = %d, want 1", c.Panicked)
	}
}

func TestConcurrentInvocations(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)

	release := make(chan struct{})
	var running atomic.Int32
	batch := make([]mission.Mission, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, &mission.Func{ID: fmt.Sprintf("C%d", i), Cat: mission.Extended, Fn: func(ctx context.Context, _ mission.Invocation) bool {
			running.Add(1)
			<-release
			return ctx.Err() == nil
		}})
	}
	if err := l.RegisterMissions(batch); err != nil {
		t.Fatal(err)
	}

	tasks := make([]*platformtest.Task, 0, len(batch))
	for _, m := range batch {
		task, err := p.Fire(m.Identifier())
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}
	deadline := time.Now().Add(2 * time.Second)
	for running.Load() != 5 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d runs in flight, want 5", running.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	for _, task := range tasks {
		waitDone(t, task)
		if res := task.Results(); len(res) != 1 || !res[0] {
			t.Fatalf("task %s results = %v", task.ID(), res)
		}
	}
}

func TestShutdownCancelsRuns(t *testing.T) {
	t.Parallel()
	p := platformtest.New()
	l := New(p)
	started := make(chan struct{})
	l.RegisterMission(&mission.Func{ID: "S", Cat: mission.Extended, Fn: func(ctx context.Context, _ mission.Invocation) bool {
		close(started)
		<-ctx.Done()
		return false
	}})

	task, err := p.Fire("S")
	if err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if res := task.Results(); len(res) != 1 || res[0] {
		t.Fatalf("results = %v, want [false]", res)
	}

	// Firings after shutdown complete immediately.
	late, err := p.Fire("S")
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, late)
	if res := late.Results(); len(res) != 1 || res[0] {
		t.Fatalf("late results = %v, want [false]", res)
	}
}
