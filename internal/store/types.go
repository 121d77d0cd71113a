// Package store holds the persisted records of the bot fleet and the
// repository contract the engine consumes.
package store

import "time"

// ConnectionMode selects how a bot receives updates
type ConnectionMode string

const (
	ModeWebhook     ConnectionMode = "WEBHOOK"
	ModeLongPolling ConnectionMode = "LONG_POLLING"
)

// BotStatus is the lifecycle status of a bot
type BotStatus string

const (
	StatusCreated  BotStatus = "CREATED"
	StatusStarting BotStatus = "STARTING"
	StatusRunning  BotStatus = "RUNNING"
	StatusStopping BotStatus = "STOPPING"
	StatusStopped  BotStatus = "STOPPED"
	StatusErrored  BotStatus = "ERRORED"
)

// Bot is one managed messaging account
type Bot struct {
	ID                 int64          `gorm:"primaryKey" yaml:"id"`
	OwnerID            int64          `gorm:"index" yaml:"owner_id"`
	Name               string         `gorm:"size:255" yaml:"name"`
	Token              string         `gorm:"size:128;uniqueIndex" yaml:"token"`
	Mode               ConnectionMode `gorm:"size:20" yaml:"mode"`
	WebhookURL         string         `gorm:"size:512" yaml:"webhook_url"`
	PollTimeoutSeconds int            `yaml:"poll_timeout_seconds"`
	PollLimit          int            `yaml:"poll_limit"`
	Status             BotStatus      `gorm:"size:20;index" yaml:"-"`
	Active             bool           `yaml:"active"`
	LastError          string         `gorm:"type:text" yaml:"-"`
	CreatedAt          time.Time      `yaml:"-"`
	UpdatedAt          time.Time      `yaml:"-"`
}

// TriggerType selects how a command matches inbound text
type TriggerType string

const (
	TriggerExact   TriggerType = "exact"
	TriggerPrefix  TriggerType = "prefix"
	TriggerPattern TriggerType = "pattern"
	TriggerCommand TriggerType = "command"
)

// HandlerType selects the backing implementation of a command
type HandlerType string

const (
	HandlerTemplate HandlerType = "template"
	HandlerPlugin   HandlerType = "plugin"
	HandlerAI       HandlerType = "ai"
)

// Command is a trigger and response rule of one bot
type Command struct {
	ID          int64       `gorm:"primaryKey" yaml:"id"`
	BotID       int64       `gorm:"index" yaml:"-"`
	Name        string      `gorm:"size:100" yaml:"name"`
	TriggerType TriggerType `gorm:"size:20" yaml:"trigger_type"`
	Trigger     string      `gorm:"size:512" yaml:"trigger"`
	HandlerType HandlerType `gorm:"size:20" yaml:"handler"`
	Response    string      `gorm:"type:text" yaml:"response"`
	PluginName  string      `gorm:"size:255" yaml:"plugin"`
	Priority    int         `yaml:"priority"`
	Enabled     bool        `yaml:"enabled"`
	MaxRetries  int         `yaml:"max_retries"`
	TimeoutMs   int         `yaml:"timeout_ms"`
	Description string      `gorm:"size:512" yaml:"description"`
	CreatedAt   time.Time   `yaml:"-"`
	UpdatedAt   time.Time   `yaml:"-"`
}

// Timeout returns the per-execution timeout of the command, zero when unset
func (c Command) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// PluginStatus is the load status of a plugin
type PluginStatus string

const (
	PluginLoaded   PluginStatus = "loaded"
	PluginUnloaded PluginStatus = "unloaded"
	PluginError    PluginStatus = "error"
)

// PluginSource is the persisted source text of a plugin
type PluginSource struct {
	Name        string       `gorm:"primaryKey;size:255"`
	Source      string       `gorm:"type:text"`
	EntryClass  string       `gorm:"size:255"`
	EntryMethod string       `gorm:"size:255"`
	Author      string       `gorm:"size:255"`
	Description string       `gorm:"size:512"`
	Status      PluginStatus `gorm:"size:20"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MessageStatus is the dispatch status of a scheduled message
type MessageStatus string

const (
	MessagePending  MessageStatus = "pending"
	MessageSent     MessageStatus = "sent"
	MessageFailed   MessageStatus = "failed"
	MessageCanceled MessageStatus = "canceled"
)

// ScheduledMessage is an outbound message due at a point in time
type ScheduledMessage struct {
	ID              int64         `gorm:"primaryKey"`
	BotID           int64         `gorm:"index"`
	ChatID          string        `gorm:"size:64"`
	Text            string        `gorm:"type:text"`
	ScheduledAt     time.Time     `gorm:"index"`
	Recurring       bool
	IntervalSeconds int64
	Sent            bool          `gorm:"index"`
	Status          MessageStatus `gorm:"size:20;index"`
	FailureCount    int
	LastError       string `gorm:"type:text"`
	LastSentAt      *time.Time
	RetryAt         *time.Time
	CreatedBy       string `gorm:"size:255"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Interval returns the recurrence interval
func (m ScheduledMessage) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// Actionable reports whether the dispatcher may still act on the message
func (m ScheduledMessage) Actionable() bool {
	return !m.Sent && (m.Status == MessagePending || m.Status == "")
}
