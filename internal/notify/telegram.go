package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"taskpulse/internal/domain"
)

type TelegramConfig struct {
	Token       string
	ChatID      int64
	MinPriority domain.Priority
	RatePerSec  int
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// TelegramSink forwards notifications to a single Telegram chat.
type TelegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
	min  domain.Priority

	mu      sync.Mutex
	limiter *rate.Limiter
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if cfg.MinPriority == "" {
		cfg.MinPriority = domain.PriorityHigh
	}
	s := &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, min: cfg.MinPriority}
	s.SetRate(cfg.RatePerSec)
	return s, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Accepts(n domain.Notification) bool {
	return n.Priority.Rank() >= s.min.Rank()
}

// SetRate changes the delivery rate limit; values below 1 mean one message per second.
func (s *TelegramSink) SetRate(rps int) {
	if rps <= 0 {
		rps = 1
	}
	s.mu.Lock()
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.mu.Unlock()
}

func (s *TelegramSink) Deliver(ctx context.Context, n domain.Notification) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, formatMessage(n))
	return err
}

func formatMessage(n domain.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s", n.Priority, n.Title, n.Message)
	if n.TaskName != nil {
		fmt.Fprintf(&b, "\ntask: %s", *n.TaskName)
	}
	return b.String()
}
