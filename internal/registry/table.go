// Package registry holds the authoritative set of missions known to the coordinator.
package registry

import (
	"strings"
	"sync"

	"lurker/internal/mission"
)

// Table maps identifiers to missions. Insertion is idempotent and entries are
// never removed. The zero value is ready to use.
type Table struct {
	mu    sync.RWMutex
	byID  map[string]mission.Mission
	order []string
}

func New() *Table {
	return &Table{byID: map[string]mission.Mission{}}
}

// Insert adds m. It returns false, leaving the table untouched, when the
// identifier is already present or empty.
func (t *Table) Insert(m mission.Mission) bool {
	if m == nil {
		return false
	}
	id := strings.TrimSpace(m.Identifier())
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byID == nil {
		t.byID = map[string]mission.Mission{}
	}
	if _, ok := t.byID[id]; ok {
		return false
	}
	t.byID[id] = m
	t.order = append(t.order, id)
	return true
}

func (t *Table) Contains(id string) bool {
	t.mu.RLock()
	_, ok := t.byID[strings.TrimSpace(id)]
	t.mu.RUnlock()
	return ok
}

func (t *Table) Get(id string) (mission.Mission, bool) {
	t.mu.RLock()
	m, ok := t.byID[strings.TrimSpace(id)]
	t.mu.RUnlock()
	return m, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	n := len(t.order)
	t.mu.RUnlock()
	return n
}

// List returns the missions in insertion order. The slice is a copy.
func (t *Table) List() []mission.Mission {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]mission.Mission, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}
