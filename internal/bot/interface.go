// Package bot provides the messaging platform clients used by bot runtimes.
//
// A platform client is a thin, stateless-per-call wrapper around the
// platform's bot API. It can send messages and supports both ways of
// receiving updates:
//
//   - Webhook: SetWebhook registers a public URL; the platform then POSTs
//     updates to it and the webhook server decodes them with DecodeUpdate.
//   - Long polling: PollUpdates pulls updates after an offset. DeleteWebhook
//     must be called first because platforms refuse getUpdates while a
//     webhook is registered.
//
// Clients are safe for concurrent use.
package bot

import (
	"context"
	"time"

	"github.com/keepmind9/botfleet/internal/store"
)

// PlatformClient is the messaging platform contract consumed by runtimes
type PlatformClient interface {
	// SendMessage sends text to a chat. The client truncates to platform limits.
	SendMessage(ctx context.Context, chatID, text string) error

	// PollUpdates pulls up to limit updates with id >= offset, blocking up to timeout
	PollUpdates(ctx context.Context, offset int, timeout time.Duration, limit int) ([]Update, error)

	// SetWebhook registers url as the update endpoint
	SetWebhook(ctx context.Context, url string) error

	// DeleteWebhook removes any registered webhook
	DeleteWebhook(ctx context.Context) error
}

// Identity is implemented by clients that know their bot's username. It is
// used to recognize commands addressed as /cmd@username.
type Identity interface {
	Username() string
}

// Update is one inbound platform update, normalized. Non-text updates carry
// an empty Text but still advance the polling offset.
type Update struct {
	UpdateID  int
	MessageID int
	ChatID    string
	ChatType  string
	UserID    string
	Username  string
	Text      string
	Date      time.Time
}

// HasText reports whether the update carries a text message
func (u Update) HasText() bool {
	return u.Text != "" && u.ChatID != ""
}

// Factory creates a platform client for a bot record
type Factory func(b store.Bot) (PlatformClient, error)
