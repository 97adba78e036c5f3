// Package transport implements domain.Transport for the chat services
// outreach is delivered through.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"outreach/internal/domain"
)

// DefaultMaxMessageLength is the longest text body WhatsApp accepts.
const DefaultMaxMessageLength = 4096

// WhatsAppConfig configures the WhatsApp bridge client.
type WhatsAppConfig struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	MaxMessageLength int
	Client           *http.Client
	Logger           *slog.Logger
}

// WhatsApp talks to a WhatsApp Web bridge over its local HTTP API.
type WhatsApp struct {
	baseURL string
	apiKey  string
	maxLen  int
	client  *http.Client
	logger  *slog.Logger
}

// NewWhatsApp creates a bridge client.
func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(cfg.Timeout)
	}
	return &WhatsApp{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		maxLen:  cfg.MaxMessageLength,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

type bridgeStatus struct {
	Success bool `json:"success"`
	Status  struct {
		IsReady bool   `json:"isReady"`
		State   string `json:"state,omitempty"`
	} `json:"status"`
}

// CheckConnection asks the bridge whether its WhatsApp session is ready.
func (w *WhatsApp) CheckConnection(ctx context.Context) (bool, error) {
	var st bridgeStatus
	if err := w.do(ctx, http.MethodGet, "/get-status", nil, &st); err != nil {
		return false, err
	}
	return st.Success && st.Status.IsReady, nil
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Blocked   bool   `json:"blocked,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Send delivers a text or media message.
func (w *WhatsApp) Send(ctx context.Context, msg domain.OutboundMessage) domain.SendResult {
	chatID := FormatChatID(msg.Destination)
	if chatID == "" {
		return domain.SendResult{Err: &domain.TransportError{
			Kind: domain.ErrorInvalidAddress,
			Op:   "whatsapp send",
			Err:  fmt.Errorf("invalid phone number format: %q", msg.Destination),
		}}
	}
	if n := utf8.RuneCountInString(msg.Content); n > w.maxLen {
		return domain.SendResult{Err: &domain.TransportError{
			Kind: domain.ErrorContentTooLong,
			Op:   "whatsapp send",
			Err:  fmt.Errorf("message too long: %d characters, limit %d", n, w.maxLen),
		}}
	}

	var (
		path    string
		payload map[string]any
	)
	if msg.Type == domain.MessageText || msg.Type == "" {
		path = "/send-message"
		payload = map[string]any{"chatId": chatID, "message": msg.Content}
	} else {
		if msg.Media == nil {
			return domain.SendResult{Err: fmt.Errorf("whatsapp send: %s message without media", msg.Type)}
		}
		path = "/send-media"
		payload = map[string]any{
			"chatId": chatID,
			"media": map[string]string{
				"data":     base64.StdEncoding.EncodeToString(msg.Media.Data),
				"mimetype": msg.Media.MimeType,
				"filename": msg.Media.Filename,
			},
			"options": map[string]any{
				"caption":          msg.Content,
				"sendAudioAsVoice": msg.Type == domain.MessageVoice,
			},
		}
	}

	var resp sendResponse
	if err := w.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return domain.SendResult{Err: err}
	}
	if resp.Blocked {
		return domain.SendResult{Blocked: true, Err: fmt.Errorf("whatsapp: recipient blocked: %s", resp.Error)}
	}
	if !resp.Success || resp.MessageID == "" {
		reason := resp.Error
		if reason == "" {
			reason = "bridge reported failure without a message id"
		}
		return domain.SendResult{Err: errors.New("whatsapp send failed: " + reason)}
	}
	w.logger.Debug("whatsapp message sent", "chat_id", chatID, "message_id", resp.MessageID)
	return domain.SendResult{MessageID: resp.MessageID}
}

type messageStatus struct {
	Delivered bool   `json:"delivered"`
	Read      bool   `json:"read"`
	Replied   bool   `json:"replied"`
	Error     string `json:"error,omitempty"`
}

// GetStatus polls the receipt state of a sent message.
func (w *WhatsApp) GetStatus(ctx context.Context, messageID string) domain.StatusReport {
	var st messageStatus
	if err := w.do(ctx, http.MethodGet, "/message-status/"+url.PathEscape(messageID), nil, &st); err != nil {
		return domain.StatusReport{Err: err}
	}
	if st.Error != "" {
		return domain.StatusReport{Err: errors.New("whatsapp status: " + st.Error)}
	}
	return domain.StatusReport{Delivered: st.Delivered, Read: st.Read, Replied: st.Replied}
}

func (w *WhatsApp) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp bridge: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("whatsapp bridge: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("whatsapp bridge %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("whatsapp bridge: decode response: %w", err)
		}
	}
	return nil
}
