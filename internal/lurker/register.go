package lurker

import (
	"fmt"
	"strings"

	"lurker/internal/mission"
	"lurker/internal/platform"
	"lurker/internal/quota"
	logx "lurker/pkg/logx"
)

// RegisterMissions registers a batch of missions with the platform.
//
// All missions must be registered during startup, before the platform closes
// registration. The quota check runs first over the already-registered missions
// plus the new ones (duplicates counted once); if it fails nothing is
// registered. Otherwise every mission is registered individually and
// ErrRegistrationFailed is returned if any of them was refused. Missions that
// were accepted stay registered. Concurrent calls are serialized.
func (l *Lurker) RegisterMissions(batch []mission.Mission) error {
	l.regMu.Lock()
	defer l.regMu.Unlock()

	union := l.Missions()
	seen := make(map[string]struct{}, len(union)+len(batch))
	for _, m := range union {
		seen[m.Identifier()] = struct{}{}
	}
	for _, m := range batch {
		if m == nil {
			continue
		}
		id := m.Identifier()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		union = append(union, m)
	}

	if err := quota.Check(union); err != nil {
		c := quota.Count(union)
		l.log.Error("mission batch rejected by quota",
			logx.Err(err),
			logx.Int("batch", len(batch)),
			logx.Int("brief", c.Brief),
			logx.Int("extended", c.Extended),
		)
		return err
	}

	var failed []string
	for _, m := range batch {
		if !l.RegisterMission(m) {
			id := "<nil>"
			if m != nil {
				id = m.Identifier()
			}
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		l.log.Error("failed to register at least one mission", logx.Any("missions", failed), logx.Int("registered", l.table.Len()))
		return fmt.Errorf("%w: %s", ErrRegistrationFailed, strings.Join(failed, ", "))
	}
	l.log.Info("missions registered", logx.Int("batch", len(batch)), logx.Int("registered", l.table.Len()))
	return nil
}

// RegisterMission registers a single mission with the platform.
//
// It returns false without side effects when a mission with the same
// identifier is already registered, and false when the platform refuses the
// registration. The mission is added to the table only after the platform
// accepted it. No quota is checked here; use RegisterMissions for that.
//
// Identifiers are used verbatim everywhere, so one that is empty or carries
// surrounding whitespace is refused.
func (l *Lurker) RegisterMission(m mission.Mission) bool {
	if m == nil {
		return false
	}
	id := m.Identifier()
	if id == "" {
		l.log.Warn("mission has empty identifier")
		return false
	}
	if strings.TrimSpace(id) != id {
		l.log.Warn("mission identifier has surrounding whitespace", logx.String("mission", id))
		return false
	}
	if !m.Category().Valid() {
		l.log.Warn("mission has unknown category", logx.String("mission", id), logx.String("category", m.Category().String()))
		return false
	}
	if l.table.Contains(id) {
		return false
	}

	ok := l.sched.Register(id, func(t platform.Task) {
		l.handle(t, m)
	})
	if !ok {
		l.log.Warn("platform refused registration", logx.String("mission", id), logx.String("category", m.Category().String()))
		return false
	}
	if !l.table.Insert(m) {
		// Lost a race with a concurrent registration of the same identifier;
		// the platform already rejected or accepted exactly one of them.
		return false
	}
	l.log.Debug("mission registered", logx.String("mission", id), logx.String("category", m.Category().String()))
	l.publish(EventRegistered, Event{Mission: id, Category: m.Category().String()})
	return true
}
