package lurker

import (
	"sort"
	"time"
)

type MissionInfo struct {
	Identifier string `json:"identifier"`
	Category   string `json:"category"`
}

type InvocationInfo struct {
	TaskID    string    `json:"task_id"`
	Mission   string    `json:"mission"`
	Category  string    `json:"category"`
	State     string    `json:"state"`
	FiredAt   time.Time `json:"fired_at"`
	ExpiredAt time.Time `json:"expired_at,omitzero"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Missions []MissionInfo    `json:"missions"`
	Active   []InvocationInfo `json:"active"`
	Counters SnapshotCounters `json:"counters"`
}

type SnapshotCounters struct {
	Fired            uint64 `json:"fired"`
	Completed        uint64 `json:"completed"`
	Succeeded        uint64 `json:"succeeded"`
	Expired          uint64 `json:"expired"`
	Panicked         uint64 `json:"panicked"`
	ScheduleFailures uint64 `json:"schedule_failures"`
}

func (l *Lurker) Snapshot() Snapshot {
	list := l.table.List()
	snap := Snapshot{Missions: make([]MissionInfo, 0, len(list))}
	for _, m := range list {
		snap.Missions = append(snap.Missions, MissionInfo{Identifier: m.Identifier(), Category: m.Category().String()})
	}

	l.mu.Lock()
	snap.Active = make([]InvocationInfo, 0, len(l.active))
	for _, iv := range l.active {
		info := InvocationInfo{
			TaskID:   iv.info.TaskID,
			Mission:  iv.info.Identifier,
			Category: iv.info.Category.String(),
			State:    iv.State().String(),
			FiredAt:  iv.info.FiredAt,
		}
		if ns := iv.expiredAt.Load(); ns != 0 {
			info.ExpiredAt = time.Unix(0, ns)
		}
		snap.Active = append(snap.Active, info)
	}
	l.mu.Unlock()
	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].FiredAt.Before(snap.Active[j].FiredAt) })

	snap.Counters = SnapshotCounters{
		Fired:            l.fired.Load(),
		Completed:        l.completed.Load(),
		Succeeded:        l.succeeded.Load(),
		Expired:          l.expired.Load(),
		Panicked:         l.panicked.Load(),
		ScheduleFailures: l.scheduleFailures.Load(),
	}
	return snap
}
