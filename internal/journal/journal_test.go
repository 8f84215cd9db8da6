package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lurker/internal/eventbus"
	"lurker/internal/lurker"
	"lurker/internal/storage"
	logx "lurker/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	runs []storage.RunRecord
	fail bool
}

func (m *memStore) AppendRun(_ context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.runs = append(m.runs, r)
	return nil
}

func (m *memStore) RecentRuns(context.Context, storage.Query) ([]storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.RunRecord(nil), m.runs...), nil
}

func (m *memStore) Prune(context.Context, time.Time) (int, error) { return 0, nil }
func (m *memStore) Close() error                                  { return nil }

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJournalPersistsCompletions(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	st := &memStore{}
	j := New(st, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = j.Run(ctx, bus)
	}()
	waitFor(t, func() bool { return bus.Stats().Subscribers == 1 })

	fired := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: lurker.EventStarted, Data: lurker.Event{Mission: "ignored"}})
	bus.Publish(eventbus.Event{Type: lurker.EventCompleted, Data: lurker.Event{
		TaskID: "t1", Mission: "a", Category: "brief", FiredAt: fired,
		Duration: 1500 * time.Millisecond, Expired: true, Error: "expired",
	}})
	bus.Publish(eventbus.Event{Type: lurker.EventCompleted, Data: "junk"})

	waitFor(t, func() bool { return j.Stats().Skipped == 1 })
	cancel()
	<-done

	if st.len() != 1 {
		t.Fatalf("runs = %d, want 1", st.len())
	}
	got := st.runs[0]
	if got.TaskID != "t1" || got.DurationMS != 1500 || !got.Expired || got.Success || got.Error != "expired" || !got.FiredAt.Equal(fired) {
		t.Fatalf("record = %+v", got)
	}
	if s := j.Stats(); s.Written != 1 || s.Failed != 0 {
		t.Fatalf("stats = %+v", s)
	}
	if bus.Stats().Subscribers != 0 {
		t.Fatal("journal did not unsubscribe")
	}
}

func TestJournalCountsFailures(t *testing.T) {
	t.Parallel()
	j := New(&memStore{fail: true}, logx.Nop())
	j.record(eventbus.Event{Type: lurker.EventCompleted, Data: lurker.Event{TaskID: "t", Mission: "a"}})
	if s := j.Stats(); s.Failed != 1 || s.Written != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestJournalWithoutStoreWaits(t *testing.T) {
	t.Parallel()
	j := New(nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx, eventbus.New()); err != nil {
		t.Fatal(err)
	}
}
