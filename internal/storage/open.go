package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "lurker/pkg/logx"
)

// Store persists run records.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns matching records, newest first.
	RecentRuns(ctx context.Context, q Query) ([]RunRecord, error)
	// Prune deletes records fired before cutoff and reports how many went.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// PruneLoop applies cfg.Retention every interval until ctx is done.
func PruneLoop(ctx context.Context, st Store, retention, interval time.Duration, log logx.Logger) {
	if st == nil || retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		n, err := st.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("prune failed", logx.Err(err))
		case n > 0:
			log.Debug("pruned run records", logx.Int("n", n), logx.Duration("retention", retention))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
