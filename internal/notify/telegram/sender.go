// Package telegram delivers operator messages to a Telegram chat: mission
// alerts from the event bus and the logx chat sink.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

var ErrNoToken = errors.New("telegram token is empty")

// Config identifies the bot and the destination chat.
type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Timeout bounds one Bot API call; 0 means 10s.
	Timeout time.Duration
}

// Sender posts plain text to one chat. It never polls for updates.
type Sender struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewSender(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrNoToken
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

// SendText implements logx.Sender. telebot calls are not context-aware, so
// ctx is only checked before the request; the HTTP client timeout bounds it.
func (s *Sender) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		ThreadID:              s.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

func (s *Sender) ThreadID() int { return s.threadID }
