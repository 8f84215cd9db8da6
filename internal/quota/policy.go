// Package quota enforces the platform's fixed per-category admission limits.
//
// The limits are platform-imposed constants. They are not configurable.
package quota

import (
	"errors"

	"lurker/internal/mission"
)

const (
	MaxBrief    = 1
	MaxExtended = 10
)

var (
	ErrTooManyBrief    = errors.New("too many brief missions: at most 1 is allowed")
	ErrTooManyExtended = errors.New("too many extended missions: at most 10 are allowed")
)

// Counts is a per-category tally.
type Counts struct {
	Brief    int
	Extended int
	Other    int
}

func (c Counts) Add(o Counts) Counts {
	return Counts{
		Brief:    c.Brief + o.Brief,
		Extended: c.Extended + o.Extended,
		Other:    c.Other + o.Other,
	}
}

// Count tallies a batch by category. Nil missions are ignored.
func Count(batch []mission.Mission) Counts {
	var c Counts
	for _, m := range batch {
		if m == nil {
			continue
		}
		switch m.Category() {
		case mission.Brief:
			c.Brief++
		case mission.Extended:
			c.Extended++
		default:
			c.Other++
		}
	}
	return c
}

// CheckCounts validates a tally. Brief is checked before extended.
func CheckCounts(c Counts) error {
	if c.Brief > MaxBrief {
		return ErrTooManyBrief
	}
	if c.Extended > MaxExtended {
		return ErrTooManyExtended
	}
	return nil
}

// Check validates a whole batch. It has no side effects.
func Check(batch []mission.Mission) error {
	return CheckCounts(Count(batch))
}
