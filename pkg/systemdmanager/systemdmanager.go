// Package systemdmanager inspects and restarts systemd units over D-Bus.
package systemdmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

var (
	ErrClosed   = errors.New("systemd connection is closed")
	ErrNotFound = errors.New("unit not found")
)

// UnitStatus is the state of one unit.
type UnitStatus struct {
	Name          string    `json:"name"`
	Active        string    `json:"active"`     // active, inactive, failed, ...
	SubState      string    `json:"sub_state"`  // running, dead, ...
	LoadState     string    `json:"load_state"` // loaded, not-found, ...
	Description   string    `json:"description,omitempty"`
	InactiveSince time.Time `json:"inactive_since,omitzero"`
}

func (s UnitStatus) IsActive() bool { return s.Active == "active" }
func (s UnitStatus) IsFailed() bool { return s.Active == "failed" }
func (s UnitStatus) Missing() bool  { return s.LoadState == "not-found" }

// conn is the subset of *dbus.Conn the manager uses.
type conn interface {
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

// Manager talks to the system manager. It is safe for concurrent use.
type Manager struct {
	mu   sync.RWMutex
	conn conn
}

// Dial connects to the system bus.
func Dial(ctx context.Context) (*Manager, error) {
	c, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: c}, nil
}

// DialUser connects to the calling user's systemd instance.
func DialUser(ctx context.Context) (*Manager, error) {
	c, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to user systemd: %w", err)
	}
	return &Manager{conn: c}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	return m.conn, nil
}

// UnitName appends ".service" to names without a unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "mount", "path", "target", "slice", "scope", "device", "swap", "automount":
			return name
		}
	}
	return name + ".service"
}

// Status returns the state of unit. A unit unknown to systemd reports
// LoadState "not-found" rather than an error.
func (m *Manager) Status(ctx context.Context, unit string) (UnitStatus, error) {
	c, err := m.get()
	if err != nil {
		return UnitStatus{}, err
	}
	name := UnitName(unit)
	units, err := c.ListUnitsByNamesContext(ctx, []string{name})
	if err != nil {
		return UnitStatus{}, fmt.Errorf("status %s: %w", name, err)
	}
	st := UnitStatus{Name: name, Active: "unknown", LoadState: "not-found", SubState: "not-found"}
	for _, u := range units {
		if u.Name != name {
			continue
		}
		st.Active, st.SubState, st.LoadState, st.Description = u.ActiveState, u.SubState, u.LoadState, u.Description
	}
	if st.Missing() || st.IsActive() {
		return st, nil
	}
	// Down units also report since when.
	if props, err := c.GetUnitPropertiesContext(ctx, name); err == nil {
		st.InactiveSince = parseTimestamp(props, "InactiveEnterTimestamp")
	}
	return st, nil
}

// Restart restarts unit and waits for the job to finish.
func (m *Manager) Restart(ctx context.Context, unit string) error {
	c, err := m.get()
	if err != nil {
		return err
	}
	name := UnitName(unit)
	done := make(chan string, 1)
	if _, err := c.RestartUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("restart %s: job %s", name, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report is the outcome of Check.
type Report struct {
	Units     []UnitStatus `json:"units"`
	Restarted []string     `json:"restarted,omitempty"`
	Down      []string     `json:"down,omitempty"`
}

func (r Report) Healthy() bool { return len(r.Down) == 0 }

// Check inspects units. With restartFailed, failed or inactive units are
// restarted once and inspected again. Units still not active afterwards are
// listed in Down.
func (m *Manager) Check(ctx context.Context, units []string, restartFailed bool) (Report, error) {
	var rep Report
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		st, err := m.Status(ctx, u)
		if err != nil {
			return rep, err
		}
		if !st.IsActive() && !st.Missing() && restartFailed {
			if err := m.Restart(ctx, u); err != nil {
				if ctx.Err() != nil {
					return rep, ctx.Err()
				}
			} else {
				rep.Restarted = append(rep.Restarted, st.Name)
			}
			if again, err := m.Status(ctx, u); err == nil {
				st = again
			}
		}
		rep.Units = append(rep.Units, st)
		if !st.IsActive() {
			rep.Down = append(rep.Down, st.Name)
		}
	}
	return rep, nil
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are microseconds since the Unix epoch.
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}
