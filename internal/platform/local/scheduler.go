// Package local is an in-process platform.Scheduler.
//
// It behaves like the OS background-task facility the coordinator was built
// for: identifiers register before launch, requests wait in a small pending
// set, and work is released only during opportunity windows (cron specs, one
// per request kind). Every launched task gets a time budget; when the budget
// runs out the task's expiration handler is called, and a task that still has
// not completed after a grace period is recorded as terminated.
package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"lurker/internal/platform"
	rtsup "lurker/internal/runtime/supervisor"
	logx "lurker/pkg/logx"
)

var (
	ErrAlreadyRunning = errors.New("identifier already running")
	ErrNotRunning     = errors.New("identifier not running")
)

type pendingEntry struct {
	req         platform.Request
	submittedAt time.Time
}

type Scheduler struct {
	log logx.Logger
	now func() time.Time

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	started   bool
	stopped   bool
	sup       *rtsup.Supervisor
	c         *cron.Cron
	entries   map[platform.Kind]cron.EntryID
	launchers map[string]func(platform.Task)
	kinds     map[string]platform.Kind // last submitted kind per identifier
	pending   map[string]pendingEntry
	running   map[string]*task
	counters  Counters
}

var _ platform.Scheduler = (*Scheduler)(nil)

// New returns a stopped scheduler. cfg is not validated; call Config.Validate
// first when it comes from user input.
func New(cfg Config, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:       log.With(logx.String("comp", "platform")),
		now:       time.Now,
		entries:   map[platform.Kind]cron.EntryID{},
		launchers: map[string]func(platform.Task){},
		kinds:     map[string]platform.Kind{},
		pending:   map[string]pendingEntry{},
		running:   map[string]*task{},
	}
	s.applyLocked(cfg)
	return s
}

// Register accepts launch for identifier. Registration closes once the
// scheduler has started.
func (s *Scheduler) Register(identifier string, launch func(platform.Task)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	reject := func(reason string) bool {
		s.log.Warn("registration rejected", logx.String("identifier", identifier), logx.String("reason", reason))
		return false
	}
	switch {
	case strings.TrimSpace(identifier) == "" || launch == nil:
		return reject("invalid")
	case s.started:
		return reject("registration closed")
	case !s.cfg.permits(identifier):
		return reject("not permitted")
	}
	if _, dup := s.launchers[identifier]; dup {
		return reject("already registered")
	}
	s.launchers[identifier] = launch
	s.log.Debug("identifier registered", logx.String("identifier", identifier))
	return true
}

// Submit stores req as the pending request for its identifier, replacing any
// earlier one.
func (s *Scheduler) Submit(req platform.Request) error {
	if req == nil {
		return errors.New("nil request")
	}
	id := req.RequestIdentifier()
	kind := req.RequestKind()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return platform.ErrUnavailable
	}
	if _, ok := s.launchers[id]; !ok {
		s.counters.Rejected++
		if !s.cfg.permits(id) {
			return fmt.Errorf("%w: %s", platform.ErrNotPermitted, id)
		}
		return fmt.Errorf("%w: %s", platform.ErrUnknownIdentifier, id)
	}

	n := 0
	for pid, p := range s.pending {
		if pid != id && p.req.RequestKind() == kind {
			n++
		}
	}
	if n >= pendingCap(kind) {
		s.counters.Rejected++
		return fmt.Errorf("%w: %s (%d %s pending)", platform.ErrTooManyPendingRequests, id, n, kind)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.counters.Rejected++
		return platform.ErrRateLimited
	}

	_, replaced := s.pending[id]
	s.pending[id] = pendingEntry{req: req, submittedAt: s.now()}
	s.kinds[id] = kind
	s.counters.Submitted++
	if replaced {
		s.counters.Replaced++
	}
	return nil
}

func pendingCap(k platform.Kind) int {
	if k == platform.KindRefresh {
		return MaxPendingRefresh
	}
	return MaxPendingProcessing
}

// Start closes registration and begins releasing work in the configured
// windows. Launch goroutines live under ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return platform.ErrUnavailable
	}
	if s.started {
		return nil
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	if err := s.restartCronLocked(); err != nil {
		return err
	}
	s.started = true
	s.log.Info("platform started",
		logx.Int("registered", len(s.launchers)),
		logx.Int("pending", len(s.pending)),
		logx.String("tz", s.cfg.location().String()))
	return nil
}

// Stop stops the windows and expires every running task. Later submissions
// fail with platform.ErrUnavailable.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	c := s.c
	s.c = nil
	sup := s.sup
	running := make([]*task, 0, len(s.running))
	for _, t := range s.running {
		running = append(running, t)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	for _, t := range running {
		t.expire()
	}
	s.log.Info("platform stopped", logx.Int("expired", len(running)))
	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

// Apply swaps windows, budgets and limits. Running tasks keep their budget.
func (s *Scheduler) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
	if s.c != nil {
		return s.restartCronLocked()
	}
	return nil
}

func (s *Scheduler) applyLocked(cfg Config) {
	// Conditions are wired in code, not config; keep them across reloads.
	if cfg.Conditions == nil {
		cfg.Conditions = s.cfg.Conditions
	}
	s.cfg = cfg.withDefaults()
	s.limiter = nil
	if s.cfg.SubmitRatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.cfg.SubmitRatePerSec), s.cfg.SubmitBurst)
	}
}

func (s *Scheduler) restartCronLocked() error {
	loc := s.cfg.location()
	now := s.now().In(loc)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	entries := map[platform.Kind]cron.EntryID{}
	for _, k := range []platform.Kind{platform.KindRefresh, platform.KindProcessing} {
		spec := s.cfg.RefreshWindow
		if k == platform.KindProcessing {
			spec = s.cfg.ProcessingWindow
		}
		w, err := parseWindow(spec)
		if err != nil {
			return fmt.Errorf("%s window: %w", k, err)
		}
		sch, err := w.schedule(now)
		if err != nil {
			return fmt.Errorf("%s window: %w", k, err)
		}
		kind := k
		entries[k] = c.Schedule(sch, cron.FuncJob(func() { s.tick(kind) }))

		if s.log.Enabled(logx.LevelDebug) {
			next := make([]string, 0, 3)
			for _, t := range nextTicks(sch, now, 3) {
				next = append(next, t.Format(time.RFC3339))
			}
			s.log.Debug("window armed", logx.String("kind", k.String()), logx.String("spec", w.spec), logx.String("next", strings.Join(next, ", ")))
		}
	}
	if old := s.c; old != nil {
		old.Stop()
	}
	s.c = c
	s.entries = entries
	c.Start()
	return nil
}

// tick releases every due pending request of kind.
func (s *Scheduler) tick(kind platform.Kind) {
	now := s.now()

	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	due := make([]pendingEntry, 0, len(s.pending))
	for id, p := range s.pending {
		if p.req.RequestKind() != kind {
			continue
		}
		if at := p.req.EarliestBeginDate(); !at.IsZero() && now.Before(at) {
			continue
		}
		if _, busy := s.running[id]; busy {
			continue
		}
		if !s.conditionsMetLocked(p.req) {
			continue
		}
		due = append(due, p)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].submittedAt.Before(due[j].submittedAt)
	})
	tasks := make([]*task, 0, len(due))
	for _, p := range due {
		delete(s.pending, p.req.RequestIdentifier())
		tasks = append(tasks, s.startLocked(p.req, now))
	}
	s.mu.Unlock()

	if len(tasks) > 0 {
		s.log.Debug("window opened", logx.String("kind", kind.String()), logx.Int("launched", len(tasks)))
	}
	for _, t := range tasks {
		s.dispatch(t)
	}
}

func (s *Scheduler) conditionsMetLocked(req platform.Request) bool {
	pr, ok := req.(platform.ProcessingRequest)
	cond := s.cfg.Conditions
	if !ok || cond == nil {
		return true
	}
	if pr.RequiresNetwork && !cond.NetworkAvailable() {
		return false
	}
	if pr.RequiresExternalPower && !cond.ExternalPower() {
		return false
	}
	return true
}

func (s *Scheduler) budgetFor(k platform.Kind) time.Duration {
	if k == platform.KindRefresh {
		return s.cfg.RefreshBudget
	}
	return s.cfg.ProcessingBudget
}

func (s *Scheduler) startLocked(req platform.Request, now time.Time) *task {
	id := req.RequestIdentifier()
	budget := s.budgetFor(req.RequestKind())
	t := &task{
		s:          s,
		id:         uuid.NewString(),
		identifier: id,
		kind:       req.RequestKind(),
		launch:     s.launchers[id],
		launchedAt: now,
		deadline:   now.Add(budget),
		grace:      s.cfg.ExpirationGrace,
	}
	s.running[id] = t
	s.counters.Launched++
	t.arm(budget)
	return t
}

func (s *Scheduler) dispatch(t *task) {
	s.log.Info("task launched",
		logx.String("task", t.id),
		logx.String("identifier", t.identifier),
		logx.String("kind", t.kind.String()),
		logx.Time("deadline", t.deadline))
	s.sup.Go0("launch."+t.identifier, func(context.Context) { t.launch(t) })
}

func (s *Scheduler) noteExpired(t *task) {
	s.mu.Lock()
	s.counters.Expired++
	s.mu.Unlock()
	s.log.Warn("task budget exhausted; expiring",
		logx.String("task", t.id),
		logx.String("identifier", t.identifier),
		logx.Duration("ran", s.now().Sub(t.launchedAt)))
}

func (s *Scheduler) noteTerminated(t *task) {
	s.mu.Lock()
	if s.running[t.identifier] == t {
		delete(s.running, t.identifier)
	}
	s.counters.Terminated++
	s.mu.Unlock()
	s.log.Error("task did not complete after expiration; terminated",
		logx.String("task", t.id),
		logx.String("identifier", t.identifier),
		logx.Duration("grace", t.grace))
}

func (s *Scheduler) finished(t *task, success, terminated bool) {
	s.mu.Lock()
	if s.running[t.identifier] == t {
		delete(s.running, t.identifier)
	}
	s.counters.Completed++
	if success {
		s.counters.Succeeded++
	}
	s.mu.Unlock()

	fields := []logx.Field{
		logx.String("task", t.id),
		logx.String("identifier", t.identifier),
		logx.Bool("success", success),
		logx.Duration("ran", s.now().Sub(t.launchedAt)),
	}
	if terminated {
		s.log.Warn("task completed after termination", fields...)
		return
	}
	s.log.Debug("task completed", fields...)
}

// cronLogger routes cron's own messages (mostly recovered job panics) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
