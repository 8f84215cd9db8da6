// Package journal persists mission outcomes published on the event bus.
package journal

import (
	"context"
	"sync/atomic"
	"time"

	"lurker/internal/eventbus"
	"lurker/internal/lurker"
	"lurker/internal/storage"
	logx "lurker/pkg/logx"
)

const (
	queueSize    = 256
	writeTimeout = 5 * time.Second
)

type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Skipped uint64 `json:"skipped"`
}

// Journal writes one RunRecord per mission.completed event.
type Journal struct {
	store storage.Store
	log   logx.Logger

	written atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
}

func New(store storage.Store, log logx.Logger) *Journal {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Journal{store: store, log: log.With(logx.String("comp", "journal"))}
}

// Run consumes completion events until ctx is done. Events still queued at
// cancellation are drained so the final runs of a shutdown are recorded.
func (j *Journal) Run(ctx context.Context, bus eventbus.Bus) error {
	if j.store == nil || bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsubscribe := bus.Subscribe(queueSize, lurker.EventCompleted)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-ch:
					j.record(e)
				default:
					return nil
				}
			}
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			j.record(e)
		}
	}
}

func (j *Journal) record(e eventbus.Event) {
	ev, ok := e.Data.(lurker.Event)
	if !ok {
		j.skipped.Add(1)
		j.log.Debug("unexpected event payload", logx.String("type", e.Type))
		return
	}
	rec := storage.RunRecord{
		TaskID:     ev.TaskID,
		Mission:    ev.Mission,
		Category:   ev.Category,
		FiredAt:    ev.FiredAt,
		DurationMS: ev.Duration.Milliseconds(),
		Success:    ev.Success,
		Expired:    ev.Expired,
		Panicked:   ev.Panicked,
		Error:      ev.Error,
	}
	// Detached from the run loop's ctx so shutdown drains still land.
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.store.AppendRun(ctx, rec); err != nil {
		j.failed.Add(1)
		j.log.Warn("append run failed", logx.String("mission", ev.Mission), logx.String("task_id", ev.TaskID), logx.Err(err))
		return
	}
	j.written.Add(1)
}

func (j *Journal) Stats() Stats {
	return Stats{Written: j.written.Load(), Failed: j.failed.Load(), Skipped: j.skipped.Load()}
}
