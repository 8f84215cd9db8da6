package local

import (
	"sync"
	"time"

	"lurker/internal/platform"
	logx "lurker/pkg/logx"
)

// task is the local platform's execution handle.
type task struct {
	s          *Scheduler
	id         string
	identifier string
	kind       platform.Kind
	launch     func(platform.Task)
	launchedAt time.Time
	deadline   time.Time
	grace      time.Duration

	mu            sync.Mutex
	handler       func()
	handlerCalled bool
	expired       bool
	terminated    bool
	done          bool
	budgetTimer   *time.Timer
	graceTimer    *time.Timer
}

var _ platform.Task = (*task)(nil)

func (t *task) ID() string         { return t.id }
func (t *task) Identifier() string { return t.identifier }

// SetExpirationHandler installs fn. If the budget already ran out, fn is
// invoked right away.
func (t *task) SetExpirationHandler(fn func()) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.handler = fn
	callNow := t.expired && !t.handlerCalled && fn != nil
	if callNow {
		t.handlerCalled = true
	}
	t.mu.Unlock()
	if callNow {
		fn()
	}
}

// SetCompleted records the outcome. Only the first call counts.
func (t *task) SetCompleted(success bool) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		t.s.log.Debug("duplicate completion ignored", logx.String("task", t.id), logx.String("identifier", t.identifier))
		return
	}
	t.done = true
	t.stopTimersLocked()
	terminated := t.terminated
	t.mu.Unlock()

	t.s.finished(t, success, terminated)
}

// arm starts the budget timer.
func (t *task) arm(budget time.Duration) {
	t.mu.Lock()
	t.budgetTimer = time.AfterFunc(budget, func() { t.expire() })
	t.mu.Unlock()
}

// expire signals expiration once and starts the grace timer. It reports
// whether this call did the signalling.
func (t *task) expire() bool {
	t.mu.Lock()
	if t.done || t.expired {
		t.mu.Unlock()
		return false
	}
	t.expired = true
	if t.budgetTimer != nil {
		t.budgetTimer.Stop()
	}
	fn := t.handler
	if fn != nil {
		t.handlerCalled = true
	}
	t.graceTimer = time.AfterFunc(t.grace, t.terminate)
	t.mu.Unlock()

	t.s.noteExpired(t)
	if fn != nil {
		fn()
	}
	return true
}

func (t *task) terminate() {
	t.mu.Lock()
	if t.done || t.terminated {
		t.mu.Unlock()
		return
	}
	t.terminated = true
	t.mu.Unlock()
	t.s.noteTerminated(t)
}

func (t *task) stopTimersLocked() {
	if t.budgetTimer != nil {
		t.budgetTimer.Stop()
	}
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
}

func (t *task) isExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}
