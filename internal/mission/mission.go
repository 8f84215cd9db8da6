// Package mission defines the unit of deferrable work handled by the coordinator.
//
// A Mission is supplied by the application and is treated as immutable by the
// coordinator. Run may be invoked many times over the process lifetime (once per
// scheduled firing) and must observe cancellation of the context it receives.
package mission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownCategory = errors.New("unknown mission category")

// Category selects the quota bucket and the platform submission primitive.
type Category int

const (
	// Brief is short, time-sensitive refresh work.
	Brief Category = iota + 1
	// Extended is longer-running processing work.
	Extended
)

func (c Category) String() string {
	switch c {
	case Brief:
		return "brief"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

func (c Category) Valid() bool { return c == Brief || c == Extended }

// ParseCategory accepts "brief"/"refresh" and "extended"/"processing".
func ParseCategory(raw string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "brief", "refresh":
		return Brief, nil
	case "extended", "processing":
		return Extended, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
	}
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCategory, int(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Invocation describes one scheduled firing of a mission.
// It is a read-only view; completion is reported by the coordinator.
type Invocation struct {
	TaskID     string
	Identifier string
	Category   Category
	FiredAt    time.Time
}

// Mission is a unit of deferrable work.
type Mission interface {
	// Identifier is globally unique and stable across restarts.
	Identifier() string
	Category() Category
	// EarliestStart is evaluated each time the mission is scheduled.
	// The zero time means the platform may start it whenever it sees fit.
	EarliestStart() time.Time
	// Run performs the work. It must return promptly once ctx is cancelled
	// and report whether the work succeeded.
	Run(ctx context.Context, inv Invocation) bool
}

// Func adapts plain values and a run function to the Mission interface.
type Func struct {
	ID    string
	Cat   Category
	After time.Duration // earliest start offset from scheduling time; 0 = none
	Fn    func(ctx context.Context, inv Invocation) bool
}

func (f *Func) Identifier() string { return f.ID }
func (f *Func) Category() Category { return f.Cat }

func (f *Func) EarliestStart() time.Time {
	if f.After <= 0 {
		return time.Time{}
	}
	return time.Now().Add(f.After)
}

func (f *Func) Run(ctx context.Context, inv Invocation) bool {
	if f.Fn == nil {
		return false
	}
	return f.Fn(ctx, inv)
}
