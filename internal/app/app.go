// Package app is the daemon's startup routine. It owns the coordinator and
// every service around it; nothing else holds a reference to the coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lurker/internal/config"
	"lurker/internal/eventbus"
	"lurker/internal/journal"
	"lurker/internal/lurker"
	"lurker/internal/mission"
	"lurker/internal/missions"
	"lurker/internal/notify/telegram"
	"lurker/internal/platform/local"
	rtsup "lurker/internal/runtime/supervisor"
	"lurker/internal/status"
	"lurker/internal/storage"
	logx "lurker/pkg/logx"
	"lurker/pkg/speedtest"
)

const pruneInterval = time.Hour

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store     storage.Store
	retention time.Duration

	platform *local.Scheduler
	coord    *lurker.Lurker
	missions []mission.Mission
	journal  *journal.Journal
	alerts   *telegram.Alerter
	status   *status.Server

	notify    notifier
	startedAt time.Time
}

type Option func(*App)

// WithNotifier replaces the systemd readiness notifier.
func WithNotifier(n notifier) Option { return func(a *App) { a.notify = n } }

// New loads the config at cfgPath and builds every component without starting
// any of them.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfgm.SetValidator(Validate)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.Logging.Log())
	cfgm.SetLogger(log)
	a := &App{
		cfgm:   cfgm,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "app")),
		logs:   logs,
		bus:    eventbus.New(),
		notify: sdNotify,
	}
	for _, o := range opts {
		o(a)
	}
	if err := a.build(); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	var sender *telegram.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		s, err := telegram.NewSender(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
		})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		sender = s
		a.logs.SetSender(s)
	}

	sc, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, a.log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if st != nil {
		a.store = st
		a.retention = sc.Retention
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}
	a.journal = journal.New(a.store, a.log)

	var ts telegram.TextSender
	if sender != nil {
		ts = sender
	}
	a.alerts = telegram.NewAlerter(telegram.AlertConfig{
		Notify:     cfg.Telegram.Notify,
		RatePerSec: float64(cfg.Telegram.RatePerSec),
	}, ts, a.log)

	lc, err := cfg.Platform.Local()
	if err != nil {
		return err
	}
	lc.Conditions = newHostConditions()
	a.platform = local.New(lc, a.log)

	ms, err := missions.Build(cfg.Missions, missions.Deps{Log: a.log, Spawner: a.spawner()})
	if err != nil {
		return err
	}
	a.missions = ms

	if cfg.Status.Enabled {
		opts := []status.Option{
			status.WithBusStats(a.bus.Stats),
			status.WithSection("journal", func() any { return a.journal.Stats() }),
			status.WithSection("alerts", func() any { return a.alerts.Stats() }),
			status.WithSection("runtime", func() any { return readRuntimeInfo(a.startedAt) }),
			status.WithSection("supervisor", func() any {
				if a.sup == nil {
					return nil
				}
				return a.sup.Snapshot()
			}),
		}
		if a.store != nil {
			opts = append(opts, status.WithRuns(a.store))
		}
		if cfg.Status.Pprof {
			opts = append(opts, status.WithProfiler())
		}
		// The coordinator is created in Start; the server reads it through a.
		a.status = status.New(coordView{a}, a.platform, a.log, opts...)
	}
	return nil
}

// Missions returns the missions built from the config, in declaration order.
func (a *App) Missions() []mission.Mission { return a.missions }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start registers the missions, opens the platform and submits the first
// round of scheduling requests.
func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	// Observers start before any mission is registered.
	a.sup.Go("journal", func(c context.Context) error { return a.journal.Run(c, a.bus) })
	a.sup.Go("alerts", func(c context.Context) error { return a.alerts.Run(c, a.bus) })
	a.startEventLog()
	if a.store != nil && a.retention > 0 {
		a.sup.Go0("storage.prune", func(c context.Context) {
			storage.PruneLoop(c, a.store, a.retention, pruneInterval, a.log.With(logx.String("comp", "storage")))
		})
	}

	// Runs outlive the app context; Stop ends them through Shutdown.
	a.coord = lurker.New(a.platform,
		lurker.WithLogger(a.log),
		lurker.WithBus(a.bus),
		lurker.WithContext(context.WithoutCancel(ctx)),
	)
	if err := a.registerMissions(); err != nil {
		a.sup.Cancel()
		return err
	}
	if err := a.platform.Start(sctx); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("platform start: %w", err)
	}
	a.coord.ScheduleAllMissions()

	if a.status != nil {
		addr := strings.TrimSpace(a.cfg.Status.Addr)
		if addr == "" {
			addr = config.DefaultStatusAddr
		}
		a.sup.Go("status", func(c context.Context) error { return a.status.Serve(c, addr) })
	}

	a.startReload()
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.startWatchdog()

	if _, err := a.notify(stateReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	a.log.Info("lurker started",
		logx.Int("missions", len(a.missions)),
		logx.Bool("storage", a.store != nil),
		logx.Bool("status", a.status != nil))
	return nil
}

// registerMissions admits the configured missions. A quota violation aborts
// startup; refused individual registrations only cost those missions.
func (a *App) registerMissions() error {
	err := a.coord.RegisterMissions(a.missions)
	if errors.Is(err, lurker.ErrRegistrationFailed) {
		a.log.Warn("continuing with partial mission set", logx.Err(err), logx.Int("registered", len(a.coord.Missions())))
		return nil
	}
	return err
}

// startEventLog logs every bus event at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		log := a.log.With(logx.String("comp", "eventbus"))
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if ev, ok := e.Data.(lurker.Event); ok {
					fields = append(fields, logx.String("mission", ev.Mission), logx.String("task_id", ev.TaskID))
				}
				log.Debug("event", fields...)
			}
		}
	})
}

// Stop shuts down in dependency order: runs first so their outcomes are
// journaled, then the platform, then the observers.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notify(stateStopping); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	var errs []error
	step := stepRunner(ctx, a.log, &errs)
	step("lurker", 5*time.Second, func(c context.Context) error { return a.coord.Shutdown(c) })
	step("platform", 3*time.Second, func(c context.Context) error { return a.platform.Stop(c) })

	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// Validate checks cfg and builds its missions without running them.
func Validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	_, err := missions.Build(cfg.Missions, missions.Deps{})
	return err
}

func mapStorageConfig(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retention:   retention,
	}, nil
}

// coordView defers to the coordinator once Start has created it.
type coordView struct{ a *App }

func (v coordView) Snapshot() lurker.Snapshot {
	if v.a.coord == nil {
		return lurker.Snapshot{}
	}
	return v.a.coord.Snapshot()
}

// spawner hands speedtest probe goroutines to the app supervisor once it
// exists.
func (a *App) spawner() speedtest.Spawner {
	return speedtest.SpawnerFunc(func(name string, fn func()) {
		if a.sup == nil {
			go fn()
			return
		}
		a.sup.Go0("speedtest."+name, func(context.Context) { fn() })
	})
}
