package missions

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"lurker/internal/config"
	"lurker/internal/mission"
	logx "lurker/pkg/logx"
)

const (
	outputTail = 2048
	// killDelay bounds how long a cancelled process may keep its pipes open.
	killDelay = 5 * time.Second
)

// Command runs an executable; success is exit status 0.
type Command struct {
	base
	path string
	args []string
	dir  string
	env  []string
}

func newCommand(b base, c config.CommandMission) *Command {
	return &Command{
		base: b,
		path: strings.TrimSpace(c.Path),
		args: append([]string(nil), c.Args...),
		dir:  c.Dir,
		env:  append([]string(nil), c.Env...),
	}
}

func (c *Command) Run(ctx context.Context, inv mission.Invocation) bool {
	log := c.runLog(inv)
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Dir = c.dir
	cmd.Env = append(cmd.Environ(), c.env...)
	cmd.Env = append(cmd.Env,
		"LURKER_MISSION="+inv.Identifier,
		"LURKER_TASK_ID="+inv.TaskID,
		"LURKER_CATEGORY="+inv.Category.String(),
	)
	out := &tailBuffer{max: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = killDelay

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Debug("command finished", logx.String("path", c.path), logx.Duration("took", took))
		return true
	case ctx.Err() != nil:
		log.Info("command cancelled", logx.String("path", c.path), logx.Duration("took", took), logx.Err(ctx.Err()))
	case errors.As(err, &exitErr):
		log.Warn("command failed", logx.String("path", c.path), logx.Int("exit_code", exitErr.ExitCode()),
			logx.Duration("took", took), logx.String("output", out.String()))
	default:
		log.Warn("command did not start", logx.String("path", c.path), logx.Err(err))
	}
	return false
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
