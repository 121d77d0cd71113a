package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository. Records are copied on the way in
// and out so callers never share mutable state with the store.
type MemoryRepository struct {
	mu        sync.RWMutex
	bots      map[int64]Bot
	commands  map[int64]Command
	plugins   map[string]PluginSource
	messages  map[int64]ScheduledMessage
	nextCmdID int64
	nextMsgID int64
	nextBotID int64
	now       func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bots:     make(map[int64]Bot),
		commands: make(map[int64]Command),
		plugins:  make(map[string]PluginSource),
		messages: make(map[int64]ScheduledMessage),
		now:      time.Now,
	}
}

func (r *MemoryRepository) FindBot(ctx context.Context, id int64) (*Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[id]
	if !ok {
		return nil, botNotFound(id)
	}
	return &b, nil
}

func (r *MemoryRepository) SaveBot(ctx context.Context, bot *Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if bot.ID == 0 {
		r.nextBotID++
		for r.bots[r.nextBotID].ID != 0 {
			r.nextBotID++
		}
		bot.ID = r.nextBotID
	}
	if existing, ok := r.bots[bot.ID]; ok {
		bot.CreatedAt = existing.CreatedAt
	} else if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	bot.UpdatedAt = now
	r.bots[bot.ID] = *bot
	return nil
}

func (r *MemoryRepository) ListBots(ctx context.Context) ([]Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bot, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) FindCommands(ctx context.Context, botID int64) ([]Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Command
	for _, c := range r.commands {
		if c.BotID == botID {
			out = append(out, c)
		}
	}
	// Creation order stands in for declaration order
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) SaveCommand(ctx context.Context, cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if cmd.ID == 0 {
		r.nextCmdID++
		cmd.ID = r.nextCmdID
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	r.commands[cmd.ID] = *cmd
	return nil
}

func (r *MemoryRepository) FindPluginSource(ctx context.Context, name string) (*PluginSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, pluginNotFound(name)
	}
	return &p, nil
}

func (r *MemoryRepository) SavePluginSource(ctx context.Context, src *PluginSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if existing, ok := r.plugins[src.Name]; ok {
		src.CreatedAt = existing.CreatedAt
	} else {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	r.plugins[src.Name] = *src
	return nil
}

func (r *MemoryRepository) ListPluginSources(ctx context.Context) ([]PluginSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginSource, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepository) FindDueScheduledMessages(ctx context.Context, now time.Time) ([]ScheduledMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ScheduledMessage
	for _, m := range r.messages {
		if m.Actionable() && !m.ScheduledAt.After(now) {
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out, nil
}

func (r *MemoryRepository) FindScheduledMessage(ctx context.Context, id int64) (*ScheduledMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, messageNotFound(id)
	}
	return &m, nil
}

func (r *MemoryRepository) SaveScheduledMessage(ctx context.Context, msg *ScheduledMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if msg.ID == 0 {
		r.nextMsgID++
		msg.ID = r.nextMsgID
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	r.messages[msg.ID] = *msg
	return nil
}

func (r *MemoryRepository) UpdateScheduledMessageIf(ctx context.Context, msg *ScheduledMessage, expect MessageStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.messages[msg.ID]
	if !ok || existing.Status != expect {
		return false, nil
	}
	msg.CreatedAt = existing.CreatedAt
	msg.UpdatedAt = r.now()
	r.messages[msg.ID] = *msg
	return true, nil
}

func (r *MemoryRepository) ListScheduledMessages(ctx context.Context, botID int64) ([]ScheduledMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ScheduledMessage
	for _, m := range r.messages {
		if m.BotID == botID {
			out = append(out, m)
		}
	}
	sortMessages(out)
	return out, nil
}

// DeleteScheduledMessage removes a record outright
func (r *MemoryRepository) DeleteScheduledMessage(ctx context.Context, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, id)
}

func sortMessages(msgs []ScheduledMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].ScheduledAt.Equal(msgs[j].ScheduledAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].ScheduledAt.Before(msgs[j].ScheduledAt)
	})
}
