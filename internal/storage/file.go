package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "lurker/pkg/logx"
)

// fileStore keeps records in <prefix>.runs.jsonl (append-only JSON Lines).
// Prune rewrites the file through a temp file and rename.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", runsPath))
	return &fileStore{log: log, path: runsPath, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.FiredAt.IsZero() {
		r.FiredAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("runs file closed")
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) RecentRuns(ctx context.Context, q Query) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, errors.New("runs file closed")
	}
	mission := strings.TrimSpace(q.Mission)
	var out []RunRecord
	err := s.scanLocked(ctx, func(r RunRecord) {
		if mission == "" || r.Mission == mission {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	// Reverse append order first so ties keep the latest write on top.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	if n := q.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("runs file closed")
	}

	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tf)
	dropped := 0
	var encErr error
	err = s.scanLocked(ctx, func(r RunRecord) {
		if r.FiredAt.Before(cutoff) {
			dropped++
			return
		}
		if encErr == nil {
			encErr = enc.Encode(r)
		}
	})
	if err == nil {
		err = encErr
	}
	if cerr := tf.Close(); err == nil {
		err = cerr
	}
	if err != nil || dropped == 0 {
		_ = os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	// The old descriptor points at the replaced inode.
	_ = s.f.Close()
	s.f, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return dropped, err
	}
	return dropped, nil
}

func (s *fileStore) scanLocked(ctx context.Context, fn func(RunRecord)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scanRuns(ctx, f, fn, s.log)
}

func scanRuns(ctx context.Context, r io.Reader, fn func(RunRecord), log logx.Logger) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		var rec RunRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			log.Debug("skipping bad run record", logx.Int("line", line), logx.Err(err))
			continue
		}
		fn(rec)
	}
	return sc.Err()
}
