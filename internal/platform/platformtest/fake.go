// Package platformtest provides a scripted platform.Scheduler for tests.
package platformtest

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lurker/internal/platform"
)

// Scheduler records registrations and submissions and lets tests fire
// registered identifiers by hand.
type Scheduler struct {
	mu sync.Mutex

	launchers  map[string]func(platform.Task)
	rejectReg  map[string]bool
	SubmitErr  error
	submitted  []platform.Request
	registered []string
	seq        uint64
	regDelay   time.Duration
}

func New() *Scheduler {
	return &Scheduler{
		launchers: map[string]func(platform.Task){},
		rejectReg: map[string]bool{},
	}
}

// RejectRegistration makes Register fail for id.
func (s *Scheduler) RejectRegistration(id string) {
	s.mu.Lock()
	s.rejectReg[id] = true
	s.mu.Unlock()
}

// SetRegisterDelay makes every Register call sleep for d before it decides.
func (s *Scheduler) SetRegisterDelay(d time.Duration) {
	s.mu.Lock()
	s.regDelay = d
	s.mu.Unlock()
}

func (s *Scheduler) Register(identifier string, launch func(platform.Task)) bool {
	s.mu.Lock()
	delay := s.regDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectReg[identifier] || launch == nil {
		return false
	}
	if _, ok := s.launchers[identifier]; ok {
		return false
	}
	s.launchers[identifier] = launch
	s.registered = append(s.registered, identifier)
	return true
}

func (s *Scheduler) Submit(req platform.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, req)
	return s.SubmitErr
}

// SetSubmitErr changes the error returned by Submit.
func (s *Scheduler) SetSubmitErr(err error) {
	s.mu.Lock()
	s.SubmitErr = err
	s.mu.Unlock()
}

func (s *Scheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.registered...)
}

func (s *Scheduler) Submitted() []platform.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]platform.Request(nil), s.submitted...)
}

// SubmittedFor counts submissions for one identifier.
func (s *Scheduler) SubmittedFor(id string) int {
	n := 0
	for _, r := range s.Submitted() {
		if r.RequestIdentifier() == id {
			n++
		}
	}
	return n
}

// Fire invokes the launcher registered for id with a new Task and returns it.
func (s *Scheduler) Fire(id string) (*Task, error) {
	s.mu.Lock()
	launch := s.launchers[strings.TrimSpace(id)]
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	if launch == nil {
		return nil, fmt.Errorf("%w: %s", platform.ErrUnknownIdentifier, id)
	}
	t := NewTask(fmt.Sprintf("task-%d", seq), id)
	launch(t)
	return t, nil
}

// Task is a platform.Task that records completion calls.
type Task struct {
	id         string
	identifier string

	mu      sync.Mutex
	expire  func()
	results []bool
	done    chan struct{}
	calls   atomic.Int32
}

func NewTask(id, identifier string) *Task {
	return &Task{id: id, identifier: identifier, done: make(chan struct{})}
}

func (t *Task) ID() string         { return t.id }
func (t *Task) Identifier() string { return t.identifier }

func (t *Task) SetExpirationHandler(fn func()) {
	t.mu.Lock()
	t.expire = fn
	t.mu.Unlock()
}

func (t *Task) SetCompleted(success bool) {
	t.mu.Lock()
	t.results = append(t.results, success)
	first := len(t.results) == 1
	t.mu.Unlock()
	t.calls.Add(1)
	if first {
		close(t.done)
	}
}

// Expire invokes the installed expiration handler, if any.
func (t *Task) Expire() bool {
	t.mu.Lock()
	fn := t.expire
	t.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Done is closed on the first SetCompleted call.
func (t *Task) Done() <-chan struct{} { return t.done }

// Results returns every value passed to SetCompleted.
func (t *Task) Results() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.results...)
}

func (t *Task) CompletedCalls() int { return int(t.calls.Load()) }
