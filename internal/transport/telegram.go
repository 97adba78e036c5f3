package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"outreach/internal/domain"
)

const telegramMaxMsgLen = 4096

// TelegramConfig configures the Telegram bot transport.
type TelegramConfig struct {
	Token string
	// Endpoint overrides tgbotapi.APIEndpoint (format "<base>/bot%s/%s").
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// Telegram sends outreach through a Telegram bot. Destinations are numeric
// chat ids. The Bot API has no delivery or read receipts, so a message the
// server accepted is reported as delivered.
type Telegram struct {
	cfg    TelegramConfig
	logger *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegram creates the transport. The bot connects on first use.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(cfg.Timeout)
	}
	return &Telegram{cfg: cfg, logger: cfg.Logger}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) connect() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, t.cfg.Endpoint, t.cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	t.bot = bot
	return bot, nil
}

// CheckConnection calls getMe.
func (t *Telegram) CheckConnection(ctx context.Context) (bool, error) {
	bot, err := t.connect()
	if err != nil {
		return false, err
	}
	if _, err := bot.GetMe(); err != nil {
		return false, fmt.Errorf("telegram getMe: %w", err)
	}
	return true, nil
}

// Send posts a text, photo, voice or document message.
func (t *Telegram) Send(ctx context.Context, msg domain.OutboundMessage) domain.SendResult {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Destination), 10, 64)
	if err != nil {
		return domain.SendResult{Err: &domain.TransportError{
			Kind: domain.ErrorInvalidAddress,
			Op:   "telegram send",
			Err:  fmt.Errorf("invalid chat id %q", msg.Destination),
		}}
	}
	if n := utf8.RuneCountInString(msg.Content); n > telegramMaxMsgLen {
		return domain.SendResult{Err: &domain.TransportError{
			Kind: domain.ErrorContentTooLong,
			Op:   "telegram send",
			Err:  fmt.Errorf("message too long: %d characters, limit %d", n, telegramMaxMsgLen),
		}}
	}

	var c tgbotapi.Chattable
	switch msg.Type {
	case domain.MessageText, "":
		c = tgbotapi.NewMessage(chatID, msg.Content)
	default:
		if msg.Media == nil {
			return domain.SendResult{Err: fmt.Errorf("telegram send: %s message without media", msg.Type)}
		}
		file := tgbotapi.FileBytes{Name: msg.Media.Filename, Bytes: msg.Media.Data}
		switch msg.Type {
		case domain.MessageImage:
			p := tgbotapi.NewPhoto(chatID, file)
			p.Caption = msg.Content
			c = p
		case domain.MessageVoice:
			v := tgbotapi.NewVoice(chatID, file)
			v.Caption = msg.Content
			c = v
		default:
			d := tgbotapi.NewDocument(chatID, file)
			d.Caption = msg.Content
			c = d
		}
	}

	bot, err := t.connect()
	if err != nil {
		return domain.SendResult{Err: fmt.Errorf("telegram not connected: %w", err)}
	}
	sent, err := bot.Send(c)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
			return domain.SendResult{Blocked: true, Err: fmt.Errorf("telegram: %s", apiErr.Message)}
		}
		return domain.SendResult{Err: fmt.Errorf("telegram send: %w", err)}
	}
	id := fmt.Sprintf("%d:%d", chatID, sent.MessageID)
	t.logger.Debug("telegram message sent", "chat_id", chatID, "message_id", id)
	return domain.SendResult{MessageID: id}
}

// GetStatus reports accepted messages as delivered.
func (t *Telegram) GetStatus(ctx context.Context, messageID string) domain.StatusReport {
	if !strings.Contains(messageID, ":") {
		return domain.StatusReport{Err: fmt.Errorf("telegram: unknown message id %q", messageID)}
	}
	return domain.StatusReport{Delivered: true}
}
