package missions

import (
	"context"
	"strings"
	"time"

	"lurker/internal/config"
	"lurker/internal/mission"
	logx "lurker/pkg/logx"
)

// Unitcheck verifies systemd units, optionally restarting failed ones;
// success is every unit active afterwards.
type Unitcheck struct {
	base
	units   []string
	restart bool
	user    bool
	dial    func(ctx context.Context, user bool) (UnitChecker, error)
}

func newUnitcheck(b base, c config.UnitcheckMission, deps Deps) *Unitcheck {
	return &Unitcheck{
		base:    b,
		units:   append([]string(nil), c.Units...),
		restart: c.RestartFailed,
		user:    c.User,
		dial:    deps.DialUnits,
	}
}

func (u *Unitcheck) Run(ctx context.Context, inv mission.Invocation) bool {
	log := u.runLog(inv)
	start := time.Now()
	mgr, err := u.dial(ctx, u.user)
	if err != nil {
		log.Warn("systemd unavailable", logx.Err(err))
		return false
	}
	defer mgr.Close()

	rep, err := mgr.Check(ctx, u.units, u.restart)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("unit check cancelled", logx.Err(ctx.Err()))
		} else {
			log.Warn("unit check failed", logx.Err(err))
		}
		return false
	}
	if len(rep.Restarted) > 0 {
		log.Info("units restarted", logx.String("units", strings.Join(rep.Restarted, ",")))
	}
	if !rep.Healthy() {
		log.Warn("units down", logx.String("units", strings.Join(rep.Down, ",")), logx.Int("checked", len(rep.Units)))
		return false
	}
	log.Debug("units healthy", logx.Int("checked", len(rep.Units)), logx.Duration("took", time.Since(start)))
	return true
}
