package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
	chatMaxValueLen = 600
	chatMaxStackLen = 900
)

// Keys rendered first in a chat line, in this order.
var chatLeadKeys = []string{"mission", "task_id", "comp"}

// chatSink is a zerolog.LevelWriter that forwards rendered lines to a Sender
// from a single worker. Writes never block: lines over the rate or the queue
// are dropped.
type chatSink struct {
	mu       sync.Mutex
	sender   Sender
	limiter  *rate.Limiter
	minLevel Level
	cancel   context.CancelFunc

	queue chan string
	wg    sync.WaitGroup
}

func newChatSink() *chatSink {
	return &chatSink{queue: make(chan string, chatQueueSize), minLevel: zerolog.Disabled}
}

func (c *chatSink) setSender(s Sender) {
	c.mu.Lock()
	c.sender = s
	c.mu.Unlock()
}

// configure sets the filter and starts the worker on first use.
func (c *chatSink) configure(minLevel Level, perSec int) {
	perSec = max(1, perSec)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minLevel = minLevel
	c.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = sender.SendText(sctx, line)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level Level, p []byte) (int, error) {
	c.mu.Lock()
	pass := c.sender != nil && c.limiter != nil && level >= c.minLevel && c.limiter.Allow()
	c.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if line := renderChatLine(p); line != "" {
		select {
		case c.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// renderChatLine turns a JSON log line into "[LEVEL] message" followed by one
// "- key=value" line per field. Lead keys come first, the rest sorted.
func renderChatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(m, zerolog.TimestampFieldName)
	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.MessageFieldName)

	keys := make([]string, 0, len(m))
	for _, k := range chatLeadKeys {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !slices.Contains(chatLeadKeys, k) {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)

	for _, k := range append(keys, rest...) {
		v := fmt.Sprint(m[k])
		if k == stackField {
			fmt.Fprintf(&b, "\n- %s=\n%s", k, truncate(v, chatMaxStackLen))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(v, chatMaxValueLen))
	}
	return truncate(b.String(), chatMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
