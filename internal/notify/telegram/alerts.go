package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"lurker/internal/eventbus"
	"lurker/internal/lurker"
	rtsup "lurker/internal/runtime/supervisor"
	logx "lurker/pkg/logx"
)

// Outcomes an alert can be raised for.
const (
	OutcomeSucceeded      = "succeeded"
	OutcomeFailed         = "failed"
	OutcomeExpired        = "expired"
	OutcomePanicked       = "panicked"
	OutcomeScheduleFailed = "schedule_failed"
)

// AlertConfig controls which outcomes are sent and how fast.
type AlertConfig struct {
	Notify     []string
	RatePerSec float64
	QueueSize  int
	RetryMax   int
	RetryBase  time.Duration
	// DedupWindow suppresses identical alert text; 0 disables.
	DedupWindow time.Duration
}

func (c AlertConfig) withDefaults() AlertConfig {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

type AlertStats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Deduped uint64 `json:"deduped"`
}

// TextSender is the delivery side; *Sender satisfies it.
type TextSender interface {
	SendText(ctx context.Context, text string) error
}

// Alerter turns mission events into chat messages.
type Alerter struct {
	cfg     AlertConfig
	want    map[string]bool
	sender  TextSender
	log     logx.Logger
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time

	queued, sent, failed, dropped, deduped atomic.Uint64
}

func NewAlerter(cfg AlertConfig, sender TextSender, log logx.Logger) *Alerter {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	want := map[string]bool{}
	for _, o := range cfg.Notify {
		want[strings.ToLower(strings.TrimSpace(o))] = true
	}
	burst := max(1, int(cfg.RatePerSec))
	return &Alerter{
		cfg:     cfg,
		want:    want,
		sender:  sender,
		log:     log.With(logx.String("comp", "alerts")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		dedup:   map[string]time.Time{},
	}
}

// Classify maps a bus event to its alert outcome.
func Classify(e eventbus.Event) (outcome string, ev lurker.Event, ok bool) {
	ev, ok = e.Data.(lurker.Event)
	if !ok {
		return "", ev, false
	}
	switch e.Type {
	case lurker.EventScheduleFailed:
		return OutcomeScheduleFailed, ev, true
	case lurker.EventCompleted:
		switch {
		case ev.Panicked:
			return OutcomePanicked, ev, true
		case ev.Expired:
			return OutcomeExpired, ev, true
		case ev.Success:
			return OutcomeSucceeded, ev, true
		default:
			return OutcomeFailed, ev, true
		}
	}
	return "", ev, false
}

// Format renders one alert.
func Format(outcome string, ev lurker.Event) string {
	var b strings.Builder
	switch outcome {
	case OutcomeSucceeded:
		b.WriteString("✅ ")
	case OutcomeScheduleFailed:
		b.WriteString("⚠️ ")
	default:
		b.WriteString("🚨 ")
	}
	fmt.Fprintf(&b, "%s: %s", ev.Mission, strings.ReplaceAll(outcome, "_", " "))
	if ev.Category != "" {
		fmt.Fprintf(&b, "\n- category=%s", ev.Category)
	}
	if ev.Duration > 0 {
		fmt.Fprintf(&b, "\n- duration=%s", ev.Duration.Round(time.Millisecond))
	}
	if ev.TaskID != "" {
		fmt.Fprintf(&b, "\n- task=%s", ev.TaskID)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, "\n- error=%s", ev.Error)
	}
	return b.String()
}

// Run subscribes to mission events and delivers alerts until ctx is done.
func (a *Alerter) Run(ctx context.Context, bus eventbus.Bus) error {
	if a.sender == nil || bus == nil || len(a.want) == 0 {
		<-ctx.Done()
		return nil
	}
	events, unsubscribe := bus.Subscribe(a.cfg.QueueSize, lurker.EventCompleted, lurker.EventScheduleFailed)
	defer unsubscribe()

	q := make(chan string, a.cfg.QueueSize)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup.GoRestart("alerts.worker", func(c context.Context) error {
		a.workerLoop(c, q)
		if c.Err() != nil {
			return nil
		}
		return errors.New("alert worker exited unexpectedly")
	})
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(stopCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.handle(e, q)
		}
	}
}

func (a *Alerter) handle(e eventbus.Event, q chan<- string) {
	outcome, ev, ok := Classify(e)
	if !ok || !a.want[outcome] {
		return
	}
	text := Format(outcome, ev)
	if !a.dedupAllow(text, time.Now()) {
		a.deduped.Add(1)
		return
	}
	select {
	case q <- text:
		a.queued.Add(1)
	default:
		a.dropped.Add(1)
		a.log.Warn("alert dropped (queue full)", logx.String("mission", ev.Mission), logx.String("outcome", outcome))
	}
}

func (a *Alerter) workerLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-q:
			a.sendWithRetry(ctx, text)
		}
	}
}

func (a *Alerter) sendWithRetry(ctx context.Context, text string) {
	attempts := 1 + a.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.sender.SendText(callCtx, text)
		cancel()
		if err == nil {
			a.sent.Add(1)
			return
		}
		lastErr = err
		a.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(a.cfg.RetryBase, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	a.failed.Add(1)
	a.log.Warn("alert not delivered", logx.Err(lastErr), logx.Int("attempts", attempts))
}

// dedupAllow reports whether text may be sent now and opens its window.
func (a *Alerter) dedupAllow(text string, now time.Time) bool {
	if a.cfg.DedupWindow <= 0 {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := fmt.Sprintf("%x", h.Sum64())

	a.dmu.Lock()
	defer a.dmu.Unlock()
	if until, ok := a.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range a.dedup {
		if !now.Before(until) {
			delete(a.dedup, k)
		}
	}
	a.dedup[key] = now.Add(a.cfg.DedupWindow)
	return true
}

func (a *Alerter) Stats() AlertStats {
	return AlertStats{
		Queued:  a.queued.Load(),
		Sent:    a.sent.Load(),
		Failed:  a.failed.Load(),
		Dropped: a.dropped.Load(),
		Deduped: a.deduped.Load(),
	}
}

// retryDelay is base*2^(attempt-1) with 0.7..1.3 jitter, capped at 10s.
func retryDelay(base time.Duration, attempt int) time.Duration {
	const maxDelay = 10 * time.Second
	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, maxDelay)
}
