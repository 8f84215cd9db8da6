// Package lurker coordinates deferred missions with an external scheduler.
//
// The coordinator admits missions under the platform quotas, forwards
// scheduling requests, and handles every firing: it re-arms the mission for its
// next opportunity, runs it on a cancellable context, cancels that context when
// the platform signals expiration, and reports the outcome exactly once.
//
// There is no shared instance. The application's startup routine owns a *Lurker
// and passes it to whatever needs it.
package lurker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"lurker/internal/eventbus"
	"lurker/internal/mission"
	"lurker/internal/platform"
	"lurker/internal/registry"
	rtsup "lurker/internal/runtime/supervisor"
	logx "lurker/pkg/logx"
)

type Lurker struct {
	sched platform.Scheduler
	table *registry.Table
	log   logx.Logger
	bus   eventbus.Bus
	sup   *rtsup.Supervisor

	// Serializes RegisterMissions so the quota holds across concurrent batches.
	regMu sync.Mutex

	mu     sync.Mutex
	active map[string]*invocation
	closed bool

	// Schedule failure warning throttling, keyed by identifier.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	fired            atomic.Uint64
	completed        atomic.Uint64
	succeeded        atomic.Uint64
	expired          atomic.Uint64
	panicked         atomic.Uint64
	scheduleFailures atomic.Uint64
}

type Option func(*options)

type options struct {
	ctx context.Context
	log logx.Logger
	bus eventbus.Bus
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithBus publishes mission lifecycle events to bus.
func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// WithContext sets the parent of every run context.
func WithContext(ctx context.Context) Option { return func(o *options) { o.ctx = ctx } }

func New(sched platform.Scheduler, opts ...Option) *Lurker {
	o := options{ctx: context.Background()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	log := o.log.With(logx.String("comp", "lurker"))
	return &Lurker{
		sched: sched,
		table: registry.New(),
		log:   log,
		bus:   o.bus,
		sup: rtsup.NewSupervisor(o.ctx,
			rtsup.WithLogger(log),
			// One misbehaving mission must not take the others down.
			rtsup.WithCancelOnError(false),
		),
		active:   map[string]*invocation{},
		lastWarn: map[string]time.Time{},
	}
}

// Missions returns the registered missions in registration order.
func (l *Lurker) Missions() []mission.Mission { return l.table.List() }

// Registered reports whether identifier is in the registration table.
func (l *Lurker) Registered(identifier string) bool { return l.table.Contains(identifier) }

// Shutdown cancels every in-flight run and waits until each has reported its
// outcome, or ctx is done. Firings that arrive afterwards complete immediately
// with failure.
func (l *Lurker) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	already := l.closed
	l.closed = true
	n := len(l.active)
	l.mu.Unlock()
	if !already {
		l.log.Info("shutdown requested", logx.Int("running", n))
	}
	return l.sup.Stop(ctx)
}

func (l *Lurker) publish(typ string, ev Event) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
