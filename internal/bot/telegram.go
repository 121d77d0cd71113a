package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/keepmind9/botfleet/pkg/constants"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// TelegramClient implements PlatformClient for the Telegram Bot API
type TelegramClient struct {
	mu       sync.Mutex
	token    string
	endpoint string
	client   *http.Client
	api      *tgbotapi.BotAPI
	limiter  *rate.Limiter
}

// TelegramOption configures a TelegramClient
type TelegramOption func(*TelegramClient)

// WithAPIEndpoint overrides the Bot API endpoint format ("https://host/bot%s/%s")
func WithAPIEndpoint(endpoint string) TelegramOption {
	return func(t *TelegramClient) { t.endpoint = endpoint }
}

// WithHTTPClient sets the HTTP client used for API calls
func WithHTTPClient(c *http.Client) TelegramOption {
	return func(t *TelegramClient) { t.client = c }
}

// WithSendRate limits outbound messages to perSecond with the given burst
func WithSendRate(perSecond float64, burst int) TelegramOption {
	return func(t *TelegramClient) {
		if perSecond <= 0 {
			t.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewTelegramClient creates a new Telegram client. The connection is
// established lazily on first use.
func NewTelegramClient(token string, opts ...TelegramOption) *TelegramClient {
	t := &TelegramClient{
		token:    token,
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(rate.Limit(constants.DefaultSendRate), constants.DefaultSendBurst),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TelegramFactory returns a Factory building Telegram clients for bot records
func TelegramFactory(opts ...TelegramOption) Factory {
	return func(b store.Bot) (PlatformClient, error) {
		if b.Token == "" {
			return nil, fmt.Errorf("bot %d has no token", b.ID)
		}
		return NewTelegramClient(b.Token, opts...), nil
	}
}

// connect initializes the API handle, verifying the token with getMe
func (t *TelegramClient) connect() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.api != nil {
		return t.api, nil
	}

	api, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"token": maskSecret(t.token),
			"error": err,
		}).Error("failed-to-initialize-telegram-bot")
		return nil, errs.Wrap(errs.KindConnection, "telegram.connect", err, "initialize bot %s", maskSecret(t.token))
	}

	logger.WithFields(logrus.Fields{
		"bot_username": api.Self.UserName,
		"bot_id":       api.Self.ID,
	}).Info("telegram-bot-initialized-successfully")

	t.api = api
	return api, nil
}

// Username returns the bot's username once connected
func (t *TelegramClient) Username() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api == nil {
		return ""
	}
	return t.api.Self.UserName
}

// SendMessage sends a message to a Telegram chat
func (t *TelegramClient) SendMessage(ctx context.Context, chatID, text string) error {
	if chatID == "" {
		return errs.New(errs.KindSend, "telegram.send", "chat ID is required for Telegram")
	}
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return errs.Wrap(errs.KindSend, "telegram.send", err, "invalid chat ID format %q", chatID)
	}

	api, err := t.connect()
	if err != nil {
		return errs.Wrap(errs.KindSend, "telegram.send", err, "telegram bot not initialized")
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return errs.Wrap(errs.KindSend, "telegram.send", err, "rate limit wait")
	}

	if n := len([]rune(text)); n > constants.MaxTelegramMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": n,
			"max_length":      constants.MaxTelegramMessageLength,
		}).Info("truncating-message-for-telegram-limit")
		text = truncate(text, constants.MaxTelegramMessageLength)
	}

	msg := tgbotapi.NewMessage(chatIDInt, text)
	if err := t.call(ctx, func() error {
		_, err := api.Send(msg)
		return err
	}); err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("failed-to-send-message-to-telegram")
		return errs.Wrap(errs.KindSend, "telegram.send", err, "send to chat %s", chatID)
	}

	logger.WithField("chat_id", chatID).Debug("message-sent-to-telegram")
	return nil
}

// PollUpdates calls getUpdates. The Bot API call cannot be cancelled, so it
// runs in the background and ctx cancellation abandons it.
func (t *TelegramClient) PollUpdates(ctx context.Context, offset int, timeout time.Duration, limit int) ([]Update, error) {
	api, err := t.connect()
	if err != nil {
		return nil, err
	}

	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = int(timeout.Seconds())
	cfg.Limit = limit

	var raw []tgbotapi.Update
	if err := t.call(ctx, func() error {
		var err error
		raw, err = api.GetUpdates(cfg)
		return err
	}); err != nil {
		return nil, errs.Wrap(errs.KindConnection, "telegram.poll", err, "get updates")
	}

	updates := make([]Update, 0, len(raw))
	for _, u := range raw {
		updates = append(updates, FromTelegram(u))
	}
	return updates, nil
}

// SetWebhook registers url as the bot's webhook
func (t *TelegramClient) SetWebhook(ctx context.Context, url string) error {
	api, err := t.connect()
	if err != nil {
		return err
	}

	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return errs.Wrap(errs.KindConnection, "telegram.set_webhook", err, "invalid webhook url")
	}
	if err := t.call(ctx, func() error {
		_, err := api.Request(wh)
		return err
	}); err != nil {
		return errs.Wrap(errs.KindConnection, "telegram.set_webhook", err, "register webhook")
	}

	logger.WithField("url", url).Info("telegram-webhook-registered")
	return nil
}

// DeleteWebhook removes the bot's webhook
func (t *TelegramClient) DeleteWebhook(ctx context.Context) error {
	api, err := t.connect()
	if err != nil {
		return err
	}

	if err := t.call(ctx, func() error {
		_, err := api.Request(tgbotapi.DeleteWebhookConfig{})
		return err
	}); err != nil {
		return errs.Wrap(errs.KindConnection, "telegram.delete_webhook", err, "delete webhook")
	}
	return nil
}

// call runs fn and returns early when ctx is done
func (t *TelegramClient) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("telegram api panic: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FromTelegram converts a Bot API update
func FromTelegram(u tgbotapi.Update) Update {
	out := Update{UpdateID: u.UpdateID}

	message := u.Message
	if message == nil {
		return out
	}

	out.MessageID = message.MessageID
	out.Text = message.Text
	out.Date = time.Unix(int64(message.Date), 0)
	if message.Chat != nil {
		out.ChatID = strconv.FormatInt(message.Chat.ID, 10)
		out.ChatType = message.Chat.Type
	}
	if message.From != nil {
		out.UserID = strconv.FormatInt(message.From.ID, 10)
		out.Username = message.From.UserName
	}
	return out
}

// DecodeUpdate parses a webhook request body
func DecodeUpdate(body []byte) (Update, error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return FromTelegram(u), nil
}
