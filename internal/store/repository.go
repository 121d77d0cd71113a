package store

import (
	"context"
	"time"

	"github.com/keepmind9/botfleet/internal/errs"
)

// Repository is the persistence contract consumed by the engine. Implementations
// guarantee per-record atomicity only.
type Repository interface {
	FindBot(ctx context.Context, id int64) (*Bot, error)
	SaveBot(ctx context.Context, bot *Bot) error
	ListBots(ctx context.Context) ([]Bot, error)

	FindCommands(ctx context.Context, botID int64) ([]Command, error)
	SaveCommand(ctx context.Context, cmd *Command) error

	FindPluginSource(ctx context.Context, name string) (*PluginSource, error)
	SavePluginSource(ctx context.Context, src *PluginSource) error
	ListPluginSources(ctx context.Context) ([]PluginSource, error)

	FindDueScheduledMessages(ctx context.Context, now time.Time) ([]ScheduledMessage, error)
	FindScheduledMessage(ctx context.Context, id int64) (*ScheduledMessage, error)
	SaveScheduledMessage(ctx context.Context, msg *ScheduledMessage) error
	// UpdateScheduledMessageIf writes msg only while the stored record still
	// has status expect. updated is false when the record changed or vanished.
	UpdateScheduledMessageIf(ctx context.Context, msg *ScheduledMessage, expect MessageStatus) (updated bool, err error)
	ListScheduledMessages(ctx context.Context, botID int64) ([]ScheduledMessage, error)
}

func botNotFound(id int64) error {
	return errs.NotFound("store.find_bot", "bot %d not found", id)
}

func pluginNotFound(name string) error {
	return errs.NotFound("store.find_plugin_source", "plugin %q not found", name)
}

func messageNotFound(id int64) error {
	return errs.NotFound("store.find_scheduled_message", "scheduled message %d not found", id)
}
