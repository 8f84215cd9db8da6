package lurker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"lurker/internal/mission"
	"lurker/internal/platform"
	logx "lurker/pkg/logx"
)

// State is the lifecycle position of one firing.
type State int32

const (
	StateArmed State = iota
	StateRunning
	// StateExpired: expiration was signalled and the run was cancelled, but it
	// has not returned yet.
	StateExpired
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateRunning:
		return "running"
	case StateExpired:
		return "expired"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

type invocation struct {
	task    platform.Task
	mission mission.Mission
	info    mission.Invocation

	state     atomic.Int32
	expiredAt atomic.Int64 // unix nano, 0 = never
	cancel    context.CancelFunc
	report    sync.Once
}

func (iv *invocation) State() State { return State(iv.state.Load()) }

// expire moves a live invocation to StateExpired, calls onExpired and then
// cancels the run. It is a no-op once the invocation has expired or completed.
func (iv *invocation) expire(onExpired func()) bool {
	for {
		cur := State(iv.state.Load())
		if cur == StateCompleted || cur == StateExpired {
			return false
		}
		if iv.state.CompareAndSwap(int32(cur), int32(StateExpired)) {
			iv.expiredAt.Store(time.Now().UnixNano())
			if onExpired != nil {
				onExpired()
			}
			if iv.cancel != nil {
				iv.cancel()
			}
			return true
		}
	}
}

// complete marks the invocation completed and reports ok to the platform.
// Only the first call has any effect.
func (iv *invocation) complete(ok bool) (first bool, wasExpired bool) {
	iv.report.Do(func() {
		prev := State(iv.state.Swap(int32(StateCompleted)))
		wasExpired = prev == StateExpired
		iv.task.SetCompleted(ok)
		first = true
	})
	return first, wasExpired
}

// handle is the platform launch callback for m. It never blocks on the run.
func (l *Lurker) handle(t platform.Task, m mission.Mission) {
	now := time.Now()
	l.fired.Add(1)

	// Keep a standing request for the next opportunity before the run starts:
	// the run may take as long as the platform allows.
	l.ScheduleMission(m)

	iv := &invocation{
		task:    t,
		mission: m,
		info: mission.Invocation{
			TaskID:     t.ID(),
			Identifier: m.Identifier(),
			Category:   m.Category(),
			FiredAt:    now,
		},
	}
	iv.state.Store(int32(StateArmed))
	log := l.log.With(logx.String("mission", m.Identifier()), logx.String("task", t.ID()))

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		log.Warn("mission fired after shutdown; reporting failure")
		iv.complete(false)
		return
	}
	ctx, cancel := context.WithCancel(l.sup.Context())
	iv.cancel = cancel
	l.active[t.ID()] = iv

	t.SetExpirationHandler(func() {
		iv.expire(func() {
			l.expired.Add(1)
			log.Warn("mission expired; cancelling run", logx.Duration("elapsed", time.Since(now)))
			l.publish(EventExpired, Event{TaskID: t.ID(), Mission: m.Identifier(), Category: m.Category().String(), FiredAt: now, Duration: time.Since(now)})
		})
	})

	iv.state.CompareAndSwap(int32(StateArmed), int32(StateRunning))
	l.sup.Go("mission."+m.Identifier(), func(context.Context) error {
		l.run(ctx, iv, log)
		return nil
	})
	l.mu.Unlock()

	log.Debug("mission started", logx.String("category", m.Category().String()))
	l.publish(EventStarted, Event{TaskID: t.ID(), Mission: m.Identifier(), Category: m.Category().String(), FiredAt: now})
}

func (l *Lurker) run(ctx context.Context, iv *invocation, log logx.Logger) {
	start := iv.info.FiredAt
	ok, panicked := false, false
	var panicErr string

	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				panicErr = fmt.Sprint(r)
				log.Error("mission panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		ok = iv.mission.Run(ctx, iv.info)
	}()

	dur := time.Since(start)
	l.completed.Add(1)
	if ok {
		l.succeeded.Add(1)
	}
	if panicked {
		l.panicked.Add(1)
	}

	_, wasExpired := iv.complete(ok)
	iv.cancel()

	l.mu.Lock()
	delete(l.active, iv.info.TaskID)
	l.mu.Unlock()

	fields := []logx.Field{logx.Bool("success", ok), logx.Duration("dur", dur)}
	if wasExpired {
		fields = append(fields, logx.Bool("expired", true))
	}
	if ok {
		log.Info("mission completed", fields...)
	} else {
		log.Warn("mission completed", fields...)
	}
	l.publish(EventCompleted, Event{
		TaskID:   iv.info.TaskID,
		Mission:  iv.info.Identifier,
		Category: iv.info.Category.String(),
		FiredAt:  start,
		Duration: dur,
		Success:  ok,
		Expired:  wasExpired,
		Panicked: panicked,
		Error:    panicErr,
	})
}
