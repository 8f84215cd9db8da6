package local

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Window specs accept:
//   - cron: "*/5 * * * *", "0 30 * * * *" (seconds optional), "@hourly", "@every 15m"
//   - a Go duration: "15m", "2h30m"
//   - HH:MM as an interval: "00:15" (15 minutes), "02:30"
//
// The "cron:" and "every:" prefixes force one interpretation.

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// window is a parsed opportunity window.
type window struct {
	spec  string
	cron  string        // set for cron windows
	every time.Duration // set for interval windows
}

// ParseWindow validates raw and reports whether it is usable as a window.
func ParseWindow(raw string) error {
	_, err := parseWindow(raw)
	return err
}

func parseWindow(raw string) (window, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return window{}, fmt.Errorf("window required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronWindow(s, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(strings.TrimSpace(s[len("every:"):]))
		if err != nil {
			return window{}, err
		}
		return window{spec: s, every: d}, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return cronWindow(s, s)
	}
	d, err := parseInterval(s)
	if err != nil {
		return window{}, fmt.Errorf("invalid window %q (use cron like '*/5 * * * *', HH:MM like '00:15', or duration like '15m')", raw)
	}
	return window{spec: s, every: d}, nil
}

func cronWindow(spec, expr string) (window, error) {
	if expr == "" {
		return window{}, fmt.Errorf("cron window required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return window{}, fmt.Errorf("invalid cron window %q: %w", expr, err)
	}
	return window{spec: spec, cron: expr}, nil
}

func parseInterval(v string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// schedule builds the cron.Schedule for w. Interval windows get a random
// first-tick offset so several daemons started together do not align.
func (w window) schedule(now time.Time) (cron.Schedule, error) {
	if w.cron != "" {
		return parser.Parse(w.cron)
	}
	return spreadInterval(w.every, now, w.spec), nil
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule overrides the first tick of base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

func spreadInterval(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	seed := now.UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spreadMax)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}
}

// nextTicks previews the next n ticks of sch for logs.
func nextTicks(sch cron.Schedule, now time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := now
	for range n {
		t = sch.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
