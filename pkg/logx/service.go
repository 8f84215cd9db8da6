package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogFile = "./lurker.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig controls the chat sink. The chat target belongs to the Sender.
type TelegramConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks behind every Logger it hands out and swaps them on
// Apply without invalidating those loggers.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	chat     *chatSink

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{chat: newChatSink()}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender installs the chat transport. Lines reach it only while the
// Telegram sink is enabled.
func (s *Service) SetSender(sender Sender) { s.chat.setSender(sender) }

// Apply rebuilds the sink set from cfg. An unchanged log file stays open.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stderr))
	}
	if f := s.openFile(cfg.File); f != nil {
		writers = append(writers, zerolog.SyncWriter(f))
	}
	if cfg.Telegram.Enabled {
		s.chat.configure(parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel), cfg.Telegram.RatePerSec)
		writers = append(writers, s.chat)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stderr))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// openFile returns the file sink for fc, reusing the open file when the path
// did not change. Must hold s.mu.
func (s *Service) openFile(fc FileConfig) *os.File {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if !fc.Enabled {
		path = ""
	}
	if s.file != nil && s.filePath == path {
		return s.file
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.filePath = nil, ""
	}
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		return nil
	}
	s.file, s.filePath = f, path
	return f
}

// Close stops the chat worker and closes the log file.
func (s *Service) Close() error {
	s.chat.stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

// Sender delivers a rendered log line to a chat.
type Sender interface {
	SendText(ctx context.Context, text string) error
}
