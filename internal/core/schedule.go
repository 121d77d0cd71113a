package core

import (
	"context"
	"strings"
	"time"

	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/sirupsen/logrus"
)

// ScheduleRequest describes a message to deliver later
type ScheduleRequest struct {
	ChatID    string
	Text      string
	At        time.Time // Zero means as soon as possible
	Recurring bool
	Interval  time.Duration // Required when Recurring, whole seconds
}

// ScheduleMessage records a pending message for the dispatcher
func (e *Engine) ScheduleMessage(ctx context.Context, botID int64, req ScheduleRequest) (*store.ScheduledMessage, error) {
	const op = "core.schedule_message"

	if _, err := e.repo.FindBot(ctx, botID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ChatID) == "" {
		return nil, errs.New(errs.KindInvalidState, op, "chat id is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, errs.New(errs.KindInvalidState, op, "message text is required")
	}
	if req.Recurring && req.Interval < time.Second {
		return nil, errs.New(errs.KindInvalidState, op, "recurring messages need an interval of at least 1s")
	}

	at := req.At
	if at.IsZero() {
		at = e.now()
	}
	msg := &store.ScheduledMessage{
		BotID:       botID,
		ChatID:      req.ChatID,
		Text:        req.Text,
		ScheduledAt: at,
		Recurring:   req.Recurring,
		Status:      store.MessagePending,
		CreatedBy:   ActorFrom(ctx),
	}
	if req.Recurring {
		msg.IntervalSeconds = int64(req.Interval / time.Second)
	}
	if err := e.repo.SaveScheduledMessage(ctx, msg); err != nil {
		return nil, err
	}

	logger.WithBot(botID).WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"scheduled_at": msg.ScheduledAt,
		"recurring":    msg.Recurring,
		"actor":        msg.CreatedBy,
	}).Info("message-scheduled")
	return msg, nil
}

// CancelScheduledMessage marks a pending message canceled. Canceling a
// message that was already sent, failed or canceled is a no-op.
func (e *Engine) CancelScheduledMessage(ctx context.Context, id int64) error {
	msg, err := e.repo.FindScheduledMessage(ctx, id)
	if err != nil {
		return err
	}
	if !msg.Actionable() {
		return nil
	}
	observed := msg.Status
	msg.Status = store.MessageCanceled
	msg.RetryAt = nil
	updated, err := e.repo.UpdateScheduledMessageIf(ctx, msg, observed)
	if err != nil {
		return err
	}
	if !updated {
		// The dispatcher finished it first
		return nil
	}

	logger.WithField("message_id", id).WithField("actor", ActorFrom(ctx)).Info("scheduled-message-canceled")
	return nil
}

// ListScheduledMessages returns the scheduled messages of a bot
func (e *Engine) ListScheduledMessages(ctx context.Context, botID int64) ([]store.ScheduledMessage, error) {
	if _, err := e.repo.FindBot(ctx, botID); err != nil {
		return nil, err
	}
	return e.repo.ListScheduledMessages(ctx, botID)
}
