package lurker

import (
	"errors"
	"time"

	"lurker/internal/mission"
	"lurker/internal/platform"
	logx "lurker/pkg/logx"
)

const scheduleWarnThrottle = 30 * time.Second

// ScheduleMission submits a scheduling request for m.
//
// A pending request for the same mission is replaced by the platform.
// Submission is best-effort: failures are logged and published, never
// returned, because they are routine (for example the pending quota is full)
// and the mission is re-submitted on its next firing or the next
// ScheduleAllMissions call. Missions that were never registered are still
// forwarded; the platform may drop them silently.
func (l *Lurker) ScheduleMission(m mission.Mission) {
	if m == nil {
		return
	}
	req, err := requestFor(m)
	if err == nil {
		err = l.sched.Submit(req)
	}
	if err != nil {
		l.reportScheduleError(m, err)
		return
	}
	if l.log.Enabled(logx.LevelDebug) {
		fields := []logx.Field{logx.String("mission", m.Identifier()), logx.String("kind", req.RequestKind().String())}
		if at := req.EarliestBeginDate(); !at.IsZero() {
			fields = append(fields, logx.Time("earliest", at))
		}
		l.log.Debug("mission scheduled", fields...)
	}
}

// ScheduleAllMissions submits one scheduling request per registered mission.
func (l *Lurker) ScheduleAllMissions() {
	list := l.table.List()
	for _, m := range list {
		l.ScheduleMission(m)
	}
	l.log.Info("all missions scheduled", logx.Int("missions", len(list)))
}

func requestFor(m mission.Mission) (platform.Request, error) {
	switch m.Category() {
	case mission.Brief:
		return platform.RefreshRequest{
			Identifier:    m.Identifier(),
			EarliestBegin: m.EarliestStart(),
		}, nil
	case mission.Extended:
		req := platform.ProcessingRequest{
			Identifier:    m.Identifier(),
			EarliestBegin: m.EarliestStart(),
		}
		if r, ok := m.(Requirements); ok {
			req.RequiresNetwork = r.RequiresNetwork()
			req.RequiresExternalPower = r.RequiresExternalPower()
		}
		return req, nil
	default:
		return nil, mission.ErrUnknownCategory
	}
}

// Requirements is optionally implemented by extended missions that need
// network connectivity or external power to run.
type Requirements interface {
	RequiresNetwork() bool
	RequiresExternalPower() bool
}

func (l *Lurker) reportScheduleError(m mission.Mission, err error) {
	id := m.Identifier()
	l.scheduleFailures.Add(1)
	l.publish(EventScheduleFailed, Event{Mission: id, Category: m.Category().String(), Error: err.Error()})

	now := time.Now()
	l.warnMu.Lock()
	last := l.lastWarn[id]
	quiet := !last.IsZero() && now.Sub(last) < scheduleWarnThrottle
	if !quiet {
		l.lastWarn[id] = now
	}
	l.warnMu.Unlock()

	// Pending-quota and rate-limit refusals are part of normal operation.
	if quiet || errors.Is(err, platform.ErrTooManyPendingRequests) || errors.Is(err, platform.ErrRateLimited) {
		l.log.Debug("could not schedule mission", logx.String("mission", id), logx.Err(err))
		return
	}
	l.log.Warn("could not schedule mission", logx.String("mission", id), logx.Err(err))
}
