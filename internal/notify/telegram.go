package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig configures the Telegram bot sink.
type TelegramConfig struct {
	Token string
	// ChatID is a numeric chat id or an @channel username.
	ChatID  string
	BaseURL string
	// Tag prefixes every message so several harvesters can share a chat.
	Tag string
	// MinInterval spaces consecutive sends; the Bot API rejects bursts.
	MinInterval time.Duration
	HTTPClient  *http.Client
}

// TelegramSink posts messages through the Telegram Bot API. The bot client
// is created on the first send, so an unreachable API never blocks startup.
type TelegramSink struct {
	token    string
	endpoint string
	chatID   int64
	channel  string
	tag      string
	client   *http.Client
	limiter  *rate.Limiter

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramSink validates cfg.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil, errors.New("telegram token and chat id are required")
	}
	s := &TelegramSink{token: cfg.Token, tag: cfg.Tag}
	if id, err := strconv.ParseInt(cfg.ChatID, 10, 64); err == nil {
		s.chatID = id
	} else if strings.HasPrefix(cfg.ChatID, "@") {
		s.channel = cfg.ChatID
	} else {
		return nil, fmt.Errorf("telegram chat id %q is neither numeric nor an @channel", cfg.ChatID)
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultTelegramBaseURL
	}
	s.endpoint = base + "/bot%s/%s"

	s.client = cfg.HTTPClient
	if s.client == nil {
		s.client = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	s.limiter = rate.NewLimiter(limit, 1)
	return s, nil
}

// Name implements Sink.
func (*TelegramSink) Name() string { return "telegram" }

// Send implements Sink. The SDK takes no context, so the call runs on its own
// goroutine and Send returns as soon as ctx is done.
func (s *TelegramSink) Send(ctx context.Context, msg harvest.Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram throttle: %w", err)
	}
	bot, err := s.botAPI()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(s.message(msg))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram send: %w", ctx.Err())
	}
}

func (s *TelegramSink) botAPI() (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(s.token, s.endpoint, s.client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	s.bot = bot
	return bot, nil
}

func (s *TelegramSink) message(msg harvest.Message) tgbotapi.MessageConfig {
	text := s.format(msg)
	if s.channel != "" {
		return tgbotapi.NewMessageToChannel(s.channel, text)
	}
	return tgbotapi.NewMessage(s.chatID, text)
}

func (s *TelegramSink) format(msg harvest.Message) string {
	var b strings.Builder
	if s.tag != "" {
		b.WriteString("[" + s.tag + "] ")
	}
	b.WriteString(string(msg.Kind))
	b.WriteString(": ")
	b.WriteString(msg.Text)
	return b.String()
}

// Close implements Sink.
func (s *TelegramSink) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}
