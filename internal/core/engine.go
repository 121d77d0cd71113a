package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keepmind9/botfleet/internal/ai"
	"github.com/keepmind9/botfleet/internal/bot"
	"github.com/keepmind9/botfleet/internal/command"
	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/plugin"
	"github.com/keepmind9/botfleet/internal/runtime"
	"github.com/keepmind9/botfleet/internal/scheduler"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/keepmind9/botfleet/pkg/constants"
	"github.com/sirupsen/logrus"
)

// shutdownTimeout bounds the Stop that ends Run
const shutdownTimeout = 6 * constants.DefaultStopGrace

// Options are the collaborators of an Engine. Zero values are replaced by
// defaults built from the configuration.
type Options struct {
	Repository store.Repository
	Binder     runtime.WebhookBinder
	Factory    bot.Factory
	AI         ai.Client
	Compiler   plugin.Compiler
	Locker     scheduler.TickLocker
	Clock      func() time.Time
}

// Engine is the root object of the bot fleet runtime
type Engine struct {
	config     *Config
	repo       store.Repository
	registry   *runtime.Registry
	plugins    *plugin.Manager
	dispatcher *scheduler.Dispatcher
	binder     runtime.WebhookBinder
	factory    bot.Factory
	ai         ai.Client
	locker     scheduler.TickLocker
	now        func() time.Time

	// botLocks serializes StartBot and StopBot per bot id
	botLocksMu sync.Mutex
	botLocks   map[int64]*sync.Mutex

	runMu          sync.Mutex
	cancel         context.CancelFunc
	dispatcherDone chan struct{}
}

// NewEngine creates a new engine instance
func NewEngine(config *Config, opts Options) *Engine {
	if config == nil {
		config = &Config{}
		_ = validateConfig(config)
	}
	if opts.Repository == nil {
		opts.Repository = store.NewMemoryRepository()
	}
	if opts.Factory == nil {
		tgOpts := []bot.TelegramOption{bot.WithSendRate(config.Runtime.SendRate, config.Runtime.SendBurst)}
		if config.Runtime.APIEndpoint != "" {
			tgOpts = append(tgOpts, bot.WithAPIEndpoint(config.Runtime.APIEndpoint))
		}
		opts.Factory = bot.TelegramFactory(tgOpts...)
	}
	if opts.AI == nil && config.AI.Enabled() {
		client, err := ai.New(config.AI)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"provider": config.AI.Provider,
				"error":    err,
			}).Error("failed-to-create-ai-client")
		} else {
			opts.AI = client
		}
	}
	if opts.Locker == nil {
		opts.Locker = scheduler.LocalLocker{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		config:   config,
		repo:     opts.Repository,
		registry: runtime.NewRegistry(),
		binder:   opts.Binder,
		factory:  opts.Factory,
		ai:       opts.AI,
		locker:   opts.Locker,
		now:      opts.Clock,
		botLocks: make(map[int64]*sync.Mutex),
	}
	e.plugins = plugin.NewManager(plugin.Options{
		ExecTimeout:    config.Plugins.ExecTimeout,
		CompileTimeout: config.Plugins.CompileTimeout,
		UnloadGrace:    config.Plugins.UnloadGrace,
		Loader:         e.repo,
		Compiler:       opts.Compiler,
	})
	e.dispatcher = scheduler.New(e.repo, e.resolveOutbound, scheduler.Config{
		Interval:    config.Scheduler.Interval,
		MaxFailures: config.Scheduler.MaxFailures,
		RetryBase:   config.Scheduler.RetryBase,
		RetryMax:    config.Scheduler.RetryMax,
		BatchSize:   config.Scheduler.BatchSize,
	}, scheduler.WithLocker(opts.Locker), scheduler.WithClock(opts.Clock))
	return e
}

// Plugins returns the plugin manager
func (e *Engine) Plugins() *plugin.Manager {
	return e.plugins
}

// Dispatcher returns the scheduled message dispatcher
func (e *Engine) Dispatcher() *scheduler.Dispatcher {
	return e.dispatcher
}

// Registry returns the runtime registry
func (e *Engine) Registry() *runtime.Registry {
	return e.registry
}

// Repository returns the repository
func (e *Engine) Repository() store.Repository {
	return e.repo
}

func (e *Engine) resolveOutbound(botID int64) (scheduler.Outbound, bool) {
	h, ok := e.registry.Get(botID)
	if !ok {
		return nil, false
	}
	return h, true
}

func (e *Engine) botLock(id int64) *sync.Mutex {
	e.botLocksMu.Lock()
	defer e.botLocksMu.Unlock()
	l, ok := e.botLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.botLocks[id] = l
	}
	return l
}

// CreateBot persists a new bot together with its commands
func (e *Engine) CreateBot(ctx context.Context, b store.Bot, commands []store.Command) (*store.Bot, error) {
	if strings.TrimSpace(b.Token) == "" {
		return nil, errs.New(errs.KindInvalidState, "core.create_bot", "bot token is required")
	}
	if b.Mode == "" {
		b.Mode = store.ModeLongPolling
	}
	if b.Mode != store.ModeLongPolling && b.Mode != store.ModeWebhook {
		return nil, errs.New(errs.KindInvalidState, "core.create_bot", "unsupported connection mode %q", b.Mode)
	}
	if b.ID != 0 {
		if _, err := e.repo.FindBot(ctx, b.ID); err == nil {
			return nil, errs.New(errs.KindInvalidState, "core.create_bot", "bot %d already exists", b.ID)
		}
	}
	b.Status = store.StatusCreated
	b.LastError = ""
	if err := e.repo.SaveBot(ctx, &b); err != nil {
		return nil, fmt.Errorf("failed to save bot: %w", err)
	}

	for i := range commands {
		cmd := commands[i]
		cmd.ID = 0
		cmd.BotID = b.ID
		if err := e.repo.SaveCommand(ctx, &cmd); err != nil {
			return nil, fmt.Errorf("failed to save command %s: %w", cmd.Name, err)
		}
	}

	logger.WithBot(b.ID).WithFields(logrus.Fields{
		"name":     b.Name,
		"mode":     b.Mode,
		"commands": len(commands),
		"actor":    ActorFrom(ctx),
	}).Info("bot-created")
	return &b, nil
}

// StartBot builds a runtime handle for the bot and connects it. A bot that
// is already STARTING or RUNNING yields InvalidState. A start failure leaves
// the handle registered in ERRORED so its status stays observable.
func (e *Engine) StartBot(ctx context.Context, id int64) (store.BotStatus, error) {
	l := e.botLock(id)
	l.Lock()
	defer l.Unlock()

	if existing, ok := e.registry.Get(id); ok {
		switch status := existing.Status(); status {
		case store.StatusRunning, store.StatusStarting, store.StatusStopping:
			return status, errs.InvalidState("core.start_bot", "bot %d is already %s", id, status)
		}
		// Release what an errored handle still holds before replacing it
		if _, err := existing.Stop(ctx); err != nil {
			return existing.Status(), err
		}
		e.registry.Unregister(id)
	}

	record, err := e.repo.FindBot(ctx, id)
	if err != nil {
		return "", err
	}
	if record.Mode == store.ModeWebhook {
		record.WebhookURL = e.config.WebhookURLFor(*record)
	}

	client, err := e.factory(*record)
	if err != nil {
		e.persistStatus(id, store.StatusErrored, err.Error())
		return store.StatusErrored, errs.Wrap(errs.KindConnection, "core.start_bot", err, "create client for bot %d", id)
	}

	chain, err := e.buildChain(ctx, id)
	if err != nil {
		return "", err
	}

	h := runtime.NewHandle(*record, client, runtime.Options{
		Config:   e.runtimeConfig(),
		Binder:   e.binder,
		Observer: e.persistStatus,
		Chain:    chain,
	})
	if err := e.registry.Register(id, h); err != nil {
		return "", err
	}

	logger.WithBot(id).WithFields(logrus.Fields{
		"mode":  record.Mode,
		"actor": ActorFrom(ctx),
	}).Info("starting-bot")

	if err := h.Start(ctx); err != nil {
		return h.Status(), err
	}
	return h.Status(), nil
}

// StopBot disconnects a bot and removes its handle. Stopping a bot that is
// not running is a no-op.
func (e *Engine) StopBot(ctx context.Context, id int64) (forced bool, err error) {
	l := e.botLock(id)
	l.Lock()
	defer l.Unlock()

	h, ok := e.registry.Get(id)
	if !ok {
		if _, err := e.repo.FindBot(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	forced, err = h.Stop(ctx)
	if err != nil {
		return forced, err
	}
	e.registry.Unregister(id)

	logger.WithBot(id).WithFields(logrus.Fields{
		"forced": forced,
		"actor":  ActorFrom(ctx),
	}).Info("bot-stopped")
	return forced, nil
}

// GetStatus reports the live status of a started bot, or the persisted
// status otherwise
func (e *Engine) GetStatus(ctx context.Context, id int64) (store.BotStatus, error) {
	if h, ok := e.registry.Get(id); ok {
		return h.Status(), nil
	}
	b, err := e.repo.FindBot(ctx, id)
	if err != nil {
		return "", err
	}
	switch b.Status {
	case "":
		return store.StatusCreated, nil
	case store.StatusRunning, store.StatusStarting, store.StatusStopping:
		// Persisted by a previous process that did not shut down cleanly
		return store.StatusStopped, nil
	}
	return b.Status, nil
}

// DispatchInbound queues an update for a running bot. Updates of one bot
// are processed in arrival order.
func (e *Engine) DispatchInbound(ctx context.Context, botID int64, update bot.Update) error {
	h, err := e.registry.Lookup(botID)
	if err != nil {
		if _, ferr := e.repo.FindBot(ctx, botID); ferr != nil {
			return ferr
		}
		return err
	}
	return h.Deliver(update)
}

// ReloadCommands rebuilds the handler chain of a bot from the repository and
// swaps it into the running handle, if any. It returns the number of handlers.
func (e *Engine) ReloadCommands(ctx context.Context, botID int64) (int, error) {
	if _, err := e.repo.FindBot(ctx, botID); err != nil {
		return 0, err
	}
	chain, err := e.buildChain(ctx, botID)
	if err != nil {
		return 0, err
	}
	if h, ok := e.registry.Get(botID); ok {
		h.SetChain(chain)
	}
	logger.WithBot(botID).WithField("handlers", chain.Len()).Info("commands-reloaded")
	return chain.Len(), nil
}

func (e *Engine) buildChain(ctx context.Context, botID int64) (*command.Chain, error) {
	records, err := e.repo.FindCommands(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to load commands of bot %d: %w", botID, err)
	}
	return command.Build(botID, records, command.Deps{
		Plugins:     e.plugins,
		AI:          e.ai,
		Fallback:    e.config.Runtime.FallbackText,
		FailureText: e.config.Runtime.FailureText,
	}), nil
}

func (e *Engine) runtimeConfig() runtime.Config {
	rc := e.config.Runtime
	return runtime.Config{
		PollTimeout:     rc.PollTimeout,
		PollLimit:       rc.PollLimit,
		IdleDelay:       rc.IdleDelay,
		RetryDelay:      rc.RetryDelay,
		MaxPollFailures: rc.MaxPollFailures,
		StartTimeout:    rc.StartTimeout,
		StopGrace:       rc.StopGrace,
		QueueSize:       rc.QueueSize,
	}
}

// persistStatus mirrors lifecycle transitions into the bot record
func (e *Engine) persistStatus(botID int64, status store.BotStatus, lastErr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := e.repo.FindBot(ctx, botID)
	if err != nil {
		logger.WithBot(botID).WithField("error", err).Warn("failed-to-load-bot-for-status")
		return
	}
	b.Status = status
	b.LastError = lastErr
	if err := e.repo.SaveBot(ctx, b); err != nil {
		logger.WithBot(botID).WithField("error", err).Warn("failed-to-persist-bot-status")
	}
}

// CompilePlugin compiles source under name, activates it and persists the
// source so Reload and later restarts can find it. An empty entry point is
// derived from the source.
func (e *Engine) CompilePlugin(ctx context.Context, src store.PluginSource) (plugin.Info, error) {
	if src.Name == "" {
		return plugin.Info{}, errs.New(errs.KindCompilation, "core.compile_plugin", "plugin name is required")
	}
	if src.EntryClass == "" || src.EntryMethod == "" {
		class, method, err := plugin.EntryFromSource(src.Source)
		if err != nil {
			return plugin.Info{}, err
		}
		if src.EntryClass == "" {
			src.EntryClass = class
		}
		if src.EntryMethod == "" {
			src.EntryMethod = method
		}
	}

	info, err := e.plugins.CompileAndLoad(ctx, src.Name, specOf(src))
	if err != nil {
		return info, err
	}

	if src.Author == "" {
		src.Author = ActorFrom(ctx)
	}
	src.Status = store.PluginLoaded
	if err := e.repo.SavePluginSource(ctx, &src); err != nil {
		return info, fmt.Errorf("failed to save plugin source: %w", err)
	}
	return info, nil
}

func specOf(src store.PluginSource) plugin.Spec {
	return plugin.Spec{
		Source:      src.Source,
		EntryClass:  src.EntryClass,
		EntryMethod: src.EntryMethod,
		Author:      src.Author,
		Description: src.Description,
	}
}

// Start boots the engine without blocking: persisted and directory plugins
// are compiled, seed bots are written, active bots are started and the
// dispatcher begins ticking. Failures of individual plugins or bots are
// logged and do not abort startup.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return errs.InvalidState("core.start", "engine already started")
	}

	e.loadPlugins(ctx)

	if err := e.Seed(ctx); err != nil {
		return err
	}

	bots, err := e.repo.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bots: %w", err)
	}
	for _, b := range bots {
		if !b.Active {
			continue
		}
		if _, err := e.StartBot(ctx, b.ID); err != nil {
			logger.WithBot(b.ID).WithField("error", err).Error("failed-to-start-bot")
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if !e.config.Scheduler.Disabled {
		done := make(chan struct{})
		e.dispatcherDone = done
		go func() {
			defer close(done)
			e.dispatcher.Run(runCtx)
		}()
	}

	logger.WithFields(logrus.Fields{
		"bots":    e.registry.Len(),
		"plugins": len(e.plugins.ListLoaded()),
	}).Info("engine-started")
	return nil
}

// Run starts the engine and blocks until ctx is cancelled, then stops it
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Stop(stopCtx)
}

// Stop halts the dispatcher and stops every started bot
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	cancel, done := e.cancel, e.dispatcherDone
	e.cancel, e.dispatcherDone = nil, nil
	e.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			logger.Warn("scheduler-stop-timed-out")
		}
	}

	for _, h := range e.registry.Snapshot() {
		if _, err := e.StopBot(ctx, h.BotID()); err != nil {
			logger.WithBot(h.BotID()).WithField("error", err).Warn("failed-to-stop-bot")
		}
	}

	if c, ok := e.locker.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.WithField("error", err).Warn("failed-to-close-tick-locker")
		}
	}
	if c, ok := e.ai.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.WithField("error", err).Warn("failed-to-close-ai-client")
		}
	}
	logger.Info("engine-stopped")
	return nil
}

// loadPlugins compiles persisted plugin sources, then plugin files from the
// configured directory. A file replaces a persisted source of the same name.
func (e *Engine) loadPlugins(ctx context.Context) {
	files := e.pluginFiles()

	sources, err := e.repo.ListPluginSources(ctx)
	if err != nil {
		logger.WithField("error", err).Warn("failed-to-list-plugin-sources")
	}
	for _, src := range sources {
		if _, ok := files[src.Name]; ok || src.Status == store.PluginUnloaded {
			continue
		}
		if _, err := e.plugins.CompileAndLoad(ctx, src.Name, specOf(src)); err != nil {
			logger.WithPlugin(src.Name).WithFields(logrus.Fields{
				"error":       err,
				"diagnostics": errs.DiagnosticsOf(err),
			}).Warn("failed-to-load-persisted-plugin")
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(files[name])
		if err != nil {
			logger.WithPlugin(name).WithField("error", err).Warn("failed-to-read-plugin-file")
			continue
		}
		if _, err := e.CompilePlugin(ctx, store.PluginSource{Name: name, Source: string(data)}); err != nil {
			logger.WithPlugin(name).WithFields(logrus.Fields{
				"file":        files[name],
				"error":       err,
				"diagnostics": errs.DiagnosticsOf(err),
			}).Warn("failed-to-load-plugin-file")
		}
	}
}

// pluginFiles maps plugin names to *.go files of the plugin directory
func (e *Engine) pluginFiles() map[string]string {
	files := make(map[string]string)
	dir := e.config.Plugins.Dir
	if dir == "" {
		return files
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		logger.WithField("error", err).Warn("failed-to-scan-plugin-dir")
		return files
	}
	for _, path := range matches {
		if strings.HasSuffix(path, "_test.go") {
			continue
		}
		files[strings.TrimSuffix(filepath.Base(path), ".go")] = path
	}
	return files
}

// Seed writes the configured bots that the repository does not know yet.
// Bots are matched by id, or by token when the seed has no id.
func (e *Engine) Seed(ctx context.Context) error {
	if len(e.config.Bots) == 0 {
		return nil
	}
	existing, err := e.repo.ListBots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bots: %w", err)
	}
	byToken := make(map[string]bool, len(existing))
	byID := make(map[int64]bool, len(existing))
	for _, b := range existing {
		byToken[b.Token] = true
		byID[b.ID] = true
	}

	for _, seed := range e.config.Bots {
		if byToken[seed.Token] || (seed.ID != 0 && byID[seed.ID]) {
			continue
		}
		commands := make([]store.Command, 0, len(seed.Commands))
		for _, c := range seed.Commands {
			commands = append(commands, c.Record(0))
		}
		b, err := e.CreateBot(ctx, seed.Record(), commands)
		if err != nil {
			return fmt.Errorf("failed to seed bot %s: %w", seed.Name, err)
		}
		byToken[b.Token] = true
		byID[b.ID] = true
	}
	return nil
}

// BotSummary is one row of the fleet overview
type BotSummary struct {
	ID        int64                `json:"id"`
	Name      string               `json:"name"`
	Mode      store.ConnectionMode `json:"mode"`
	Status    store.BotStatus      `json:"status"`
	Active    bool                 `json:"active"`
	LastError string               `json:"last_error,omitempty"`
}

// Summaries lists every known bot with its effective status
func (e *Engine) Summaries(ctx context.Context) ([]BotSummary, error) {
	bots, err := e.repo.ListBots(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BotSummary, 0, len(bots))
	for _, b := range bots {
		s := BotSummary{
			ID:        b.ID,
			Name:      b.Name,
			Mode:      b.Mode,
			Active:    b.Active,
			LastError: b.LastError,
		}
		s.Status, _ = e.GetStatus(ctx, b.ID)
		if h, ok := e.registry.Get(b.ID); ok {
			s.LastError = h.LastError()
		}
		out = append(out, s)
	}
	return out, nil
}
