package local

import (
	"fmt"
	"sort"
	"time"

	"lurker/internal/platform"
	rtsup "lurker/internal/runtime/supervisor"
	logx "lurker/pkg/logx"
)

// Launch fires identifier immediately, ignoring windows, earliest begin dates
// and device conditions. A pending request is consumed; without one the task
// uses the identifier's last submitted kind (processing if it never
// submitted). It returns the new task id.
func (s *Scheduler) Launch(identifier string) (string, error) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return "", platform.ErrUnavailable
	}
	if _, ok := s.launchers[identifier]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", platform.ErrUnknownIdentifier, identifier)
	}
	if _, busy := s.running[identifier]; busy {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, identifier)
	}
	var req platform.Request
	if p, ok := s.pending[identifier]; ok {
		req = p.req
		delete(s.pending, identifier)
	} else if s.kinds[identifier] == platform.KindRefresh {
		req = platform.RefreshRequest{Identifier: identifier}
	} else {
		req = platform.ProcessingRequest{Identifier: identifier}
	}
	t := s.startLocked(req, s.now())
	s.mu.Unlock()

	s.log.Info("debug launch", logx.String("identifier", identifier), logx.String("task", t.id))
	s.dispatch(t)
	return t.id, nil
}

// Expire signals expiration to the running task of identifier now.
func (s *Scheduler) Expire(identifier string) error {
	s.mu.Lock()
	t := s.running[identifier]
	s.mu.Unlock()
	if t == nil || !t.expire() {
		return fmt.Errorf("%w: %s", ErrNotRunning, identifier)
	}
	return nil
}

type Counters struct {
	Submitted  uint64 `json:"submitted"`
	Replaced   uint64 `json:"replaced"`
	Rejected   uint64 `json:"rejected"`
	Launched   uint64 `json:"launched"`
	Completed  uint64 `json:"completed"`
	Succeeded  uint64 `json:"succeeded"`
	Expired    uint64 `json:"expired"`
	Terminated uint64 `json:"terminated"`
}

type PendingInfo struct {
	Identifier    string    `json:"identifier"`
	Kind          string    `json:"kind"`
	EarliestBegin time.Time `json:"earliest_begin,omitzero"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

type RunningInfo struct {
	TaskID     string    `json:"task_id"`
	Identifier string    `json:"identifier"`
	Kind       string    `json:"kind"`
	LaunchedAt time.Time `json:"launched_at"`
	Deadline   time.Time `json:"deadline"`
	Expired    bool      `json:"expired"`
}

type Snapshot struct {
	Started          bool           `json:"started"`
	Stopped          bool           `json:"stopped"`
	Timezone         string         `json:"timezone"`
	RefreshWindow    string         `json:"refresh_window"`
	NextRefresh      time.Time      `json:"next_refresh,omitzero"`
	ProcessingWindow string         `json:"processing_window"`
	NextProcessing   time.Time      `json:"next_processing,omitzero"`
	Registered       []string       `json:"registered"`
	Pending          []PendingInfo  `json:"pending"`
	Running          []RunningInfo  `json:"running"`
	Counters         Counters       `json:"counters"`
	Supervisor       rtsup.Snapshot `json:"supervisor"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Started:          s.started,
		Stopped:          s.stopped,
		Timezone:         s.cfg.location().String(),
		RefreshWindow:    s.cfg.RefreshWindow,
		ProcessingWindow: s.cfg.ProcessingWindow,
		Registered:       make([]string, 0, len(s.launchers)),
		Pending:          make([]PendingInfo, 0, len(s.pending)),
		Running:          make([]RunningInfo, 0, len(s.running)),
		Counters:         s.counters,
	}
	if s.c != nil {
		snap.NextRefresh = s.c.Entry(s.entries[platform.KindRefresh]).Next
		snap.NextProcessing = s.c.Entry(s.entries[platform.KindProcessing]).Next
	}
	for id := range s.launchers {
		snap.Registered = append(snap.Registered, id)
	}
	for id, p := range s.pending {
		snap.Pending = append(snap.Pending, PendingInfo{
			Identifier:    id,
			Kind:          p.req.RequestKind().String(),
			EarliestBegin: p.req.EarliestBeginDate(),
			SubmittedAt:   p.submittedAt,
		})
	}
	running := make([]*task, 0, len(s.running))
	for _, t := range s.running {
		running = append(running, t)
	}
	sup := s.sup
	s.mu.Unlock()

	for _, t := range running {
		snap.Running = append(snap.Running, RunningInfo{
			TaskID:     t.id,
			Identifier: t.identifier,
			Kind:       t.kind.String(),
			LaunchedAt: t.launchedAt,
			Deadline:   t.deadline,
			Expired:    t.isExpired(),
		})
	}
	if sup != nil {
		snap.Supervisor = sup.Snapshot()
	}
	sort.Strings(snap.Registered)
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i].Identifier < snap.Pending[j].Identifier })
	sort.Slice(snap.Running, func(i, j int) bool { return snap.Running[i].LaunchedAt.Before(snap.Running[j].LaunchedAt) })
	return snap
}
