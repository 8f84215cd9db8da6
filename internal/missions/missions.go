// Package missions builds concrete missions from configuration.
package missions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lurker/internal/config"
	"lurker/internal/mission"
	logx "lurker/pkg/logx"
	"lurker/pkg/speedtest"
	sm "lurker/pkg/systemdmanager"
)

// UnitChecker is the part of *systemdmanager.Manager unitcheck needs.
type UnitChecker interface {
	Check(ctx context.Context, units []string, restartFailed bool) (sm.Report, error)
	Close() error
}

// Measurer is the part of *speedtest.Runner the speedtest mission needs.
type Measurer interface {
	Run(ctx context.Context) (*speedtest.Result, error)
}

// Deps are the collaborators missions are built with. Zero fields get
// production defaults.
type Deps struct {
	Log logx.Logger
	// Spawner owns speedtest probe goroutines.
	Spawner speedtest.Spawner
	// DialUnits opens a systemd connection for one unitcheck run.
	DialUnits func(ctx context.Context, user bool) (UnitChecker, error)
	// NewMeasurer builds the speedtest runner for a declaration.
	NewMeasurer func(cfg speedtest.RunConfig, opts ...speedtest.Option) Measurer
}

func (d Deps) withDefaults() Deps {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.DialUnits == nil {
		d.DialUnits = dialUnits
	}
	if d.NewMeasurer == nil {
		d.NewMeasurer = func(cfg speedtest.RunConfig, opts ...speedtest.Option) Measurer {
			return speedtest.NewRunner(cfg, opts...)
		}
	}
	return d
}

func dialUnits(ctx context.Context, user bool) (UnitChecker, error) {
	dial := sm.Dial
	if user {
		dial = sm.DialUser
	}
	m, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Build turns validated declarations into missions, in declaration order.
func Build(decls []config.MissionConfig, deps Deps) ([]mission.Mission, error) {
	deps = deps.withDefaults()
	out := make([]mission.Mission, 0, len(decls))
	for _, d := range decls {
		m, err := build(d, deps)
		if err != nil {
			return nil, fmt.Errorf("mission %q: %w", d.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func build(d config.MissionConfig, deps Deps) (mission.Mission, error) {
	cat, err := mission.ParseCategory(d.Category)
	if err != nil {
		return nil, err
	}
	after, err := config.ParseDurationField("earliest_start", d.EarliestStart)
	if err != nil {
		return nil, err
	}
	b := base{
		id:           strings.TrimSpace(d.ID),
		cat:          cat,
		after:        after,
		needsNetwork: d.RequiresNetwork,
		needsPower:   d.RequiresExternalPower,
	}
	b.log = deps.Log.With(logx.String("comp", "mission"), logx.String("mission", b.id))

	switch strings.ToLower(strings.TrimSpace(d.Kind)) {
	case config.KindCommand:
		if d.Command == nil {
			return nil, fmt.Errorf("kind %s without a command block", d.Kind)
		}
		return newCommand(b, *d.Command), nil
	case config.KindSpeedtest:
		var sc config.SpeedtestMission
		if d.Speedtest != nil {
			sc = *d.Speedtest
		}
		// A speedtest without network is pointless.
		b.needsNetwork = true
		return newSpeedtest(b, sc, deps), nil
	case config.KindUnitcheck:
		if d.Unitcheck == nil {
			return nil, fmt.Errorf("kind %s without a unitcheck block", d.Kind)
		}
		return newUnitcheck(b, *d.Unitcheck, deps), nil
	default:
		return nil, fmt.Errorf("unknown mission kind %q", d.Kind)
	}
}

// base carries the declaration fields every kind shares.
type base struct {
	id           string
	cat          mission.Category
	after        time.Duration
	needsNetwork bool
	needsPower   bool
	log          logx.Logger
}

func (b *base) Identifier() string          { return b.id }
func (b *base) Category() mission.Category  { return b.cat }
func (b *base) RequiresNetwork() bool       { return b.needsNetwork }
func (b *base) RequiresExternalPower() bool { return b.needsPower }

func (b *base) EarliestStart() time.Time {
	if b.after <= 0 {
		return time.Time{}
	}
	return time.Now().Add(b.after)
}

func (b *base) runLog(inv mission.Invocation) logx.Logger {
	return b.log.With(logx.String("task", inv.TaskID))
}
