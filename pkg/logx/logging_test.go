package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	if l.With(String("a", "b")).IsZero() {
		t.Fatal("logger with fields is not zero")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Warn("hello", Int("n", 3), Err(errors.New("bad")), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["level"] != "warn" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["n"].(float64) != 3 {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	if !strings.HasPrefix(m["caller"].(string), "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
	l.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestServiceChatSinkHonoursMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()
	rs := &recordingSender{}
	svc.SetSender(rs)

	log.Info("not forwarded")
	log.Error("forwarded", String("mission", "a"))

	deadline := time.Now().Add(2 * time.Second)
	for rs.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rs.count() != 1 {
		t.Fatalf("sent %d messages, want 1", rs.count())
	}
	rs.mu.Lock()
	msg := rs.msgs[0]
	rs.mu.Unlock()
	if !strings.HasPrefix(msg, "[ERROR] forwarded") || !strings.Contains(msg, "mission=a") {
		t.Fatalf("unexpected chat message: %q", msg)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if ParseLevel("warning") != LevelWarn || ParseLevel("nope") != LevelInfo {
		t.Fatal("ParseLevel mismatch")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate(strings.Repeat("x", 20), 12); got != "xxxxxxxxx..." {
		t.Fatalf("truncate = %q", got)
	}
}

func TestRenderChatLineOrdersFields(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"error","time":"t","message":"run failed","zeta":1,"comp":"lurker","alpha":"x","mission":"sync"}` + "\n")
	want := "[ERROR] run failed\n- mission=sync\n- comp=lurker\n- alpha=x\n- zeta=1"
	if got := renderChatLine(line); got != want {
		t.Fatalf("renderChatLine =\n%q\nwant\n%q", got, want)
	}
	if got := renderChatLine([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

func TestApplyKeepsUnchangedLogFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lurker.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg)
	defer svc.Close()

	log.Info("before")
	first := svc.file
	svc.Apply(Config{Level: "debug", File: cfg.File})
	if svc.file != first {
		t.Fatal("log file reopened although the path did not change")
	}
	log.Debug("after")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"before"`) || !strings.Contains(string(data), `"after"`) {
		t.Fatalf("log file = %s", data)
	}

	svc.Apply(Config{Level: "info", Console: true})
	if svc.file != nil {
		t.Fatal("disabled file sink left open")
	}
}
