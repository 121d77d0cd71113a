// Package runtime owns the live connection of each running bot: its
// lifecycle state machine, its inbound update pipeline and its outbound sends.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/keepmind9/botfleet/internal/bot"
	"github.com/keepmind9/botfleet/internal/command"
	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/metrics"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/keepmind9/botfleet/pkg/constants"
	"github.com/sirupsen/logrus"
)

// Config holds the runtime tunables shared by all handles
type Config struct {
	PollTimeout     time.Duration
	PollLimit       int
	IdleDelay       time.Duration
	RetryDelay      time.Duration
	MaxPollFailures int
	StartTimeout    time.Duration
	StopGrace       time.Duration
	QueueSize       int
}

// withDefaults fills zero values from constants
func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = constants.DefaultPollTimeout
	}
	if c.PollLimit <= 0 {
		c.PollLimit = constants.DefaultPollLimit
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = constants.DefaultPollIdleDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = constants.DefaultPollRetryDelay
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = constants.DefaultMaxPollFailures
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = constants.DefaultStartTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = constants.DefaultStopGrace
	}
	if c.QueueSize <= 0 {
		c.QueueSize = constants.InboundQueueSize
	}
	return c
}

// InboundTarget receives updates pushed by a webhook
type InboundTarget interface {
	Deliver(update bot.Update) error
}

// WebhookBinder routes webhook requests for a bot to its handle
type WebhookBinder interface {
	Bind(botID int64, target InboundTarget) error
	Unbind(botID int64)
}

// StatusObserver is told about every lifecycle transition, in order. It runs
// outside the handle's state lock, so it may block on I/O.
type StatusObserver func(botID int64, status store.BotStatus, lastErr string)

// Options are the collaborators of a Handle
type Options struct {
	Config   Config
	Binder   WebhookBinder
	Observer StatusObserver
	Chain    *command.Chain
}

// Handle is the live runtime of one bot
type Handle struct {
	bot      store.Bot
	client   bot.PlatformClient
	binder   WebhookBinder
	observer StatusObserver
	cfg      Config
	chain    atomic.Pointer[command.Chain]

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	// notifyMu serializes observer calls
	notifyMu sync.Mutex

	mu         sync.Mutex
	pending    []transitionEvent
	status     store.BotStatus
	lastErr    string
	cancel     context.CancelFunc
	queue      chan bot.Update
	loopDone   chan struct{}
	workerDone chan struct{}
}

type transitionEvent struct {
	status  store.BotStatus
	lastErr string
}

// NewHandle creates a handle in the CREATED state
func NewHandle(b store.Bot, client bot.PlatformClient, opts Options) *Handle {
	cfg := opts.Config
	if b.PollTimeoutSeconds > 0 {
		cfg.PollTimeout = time.Duration(b.PollTimeoutSeconds) * time.Second
	}
	if b.PollLimit > 0 {
		cfg.PollLimit = b.PollLimit
	}

	h := &Handle{
		bot:      b,
		client:   client,
		binder:   opts.Binder,
		observer: opts.Observer,
		cfg:      cfg.withDefaults(),
		status:   store.StatusCreated,
	}
	if opts.Chain != nil {
		h.chain.Store(opts.Chain)
	} else {
		h.chain.Store(command.NewChain())
	}
	return h
}

// BotID returns the bot id
func (h *Handle) BotID() int64 {
	return h.bot.ID
}

// Mode returns the connection mode
func (h *Handle) Mode() store.ConnectionMode {
	return h.bot.Mode
}

// Status returns the current lifecycle status
func (h *Handle) Status() store.BotStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// LastError returns the error recorded by the last failed transition
func (h *Handle) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// SetChain swaps the command chain used for new updates
func (h *Handle) SetChain(c *command.Chain) {
	if c != nil {
		h.chain.Store(c)
	}
}

// Chain returns the current command chain
func (h *Handle) Chain() *command.Chain {
	return h.chain.Load()
}

// setStatus records a transition. Caller holds h.mu.
func (h *Handle) setStatus(status store.BotStatus, lastErr string) {
	prev := h.status
	h.status = status
	if status == store.StatusErrored || lastErr != "" {
		h.lastErr = lastErr
	}

	metrics.BotTransitions.WithLabelValues(string(status)).Inc()
	entry := logger.WithBot(h.bot.ID).WithFields(logrus.Fields{
		"from": prev,
		"to":   status,
		"mode": h.bot.Mode,
	})
	if status == store.StatusErrored {
		entry.WithField("error", lastErr).Warn("bot-status-changed")
	} else {
		entry.Info("bot-status-changed")
	}

	if h.observer != nil {
		h.pending = append(h.pending, transitionEvent{status: status, lastErr: h.lastErr})
	}
}

// flush hands queued transitions to the observer. Call it after releasing h.mu.
func (h *Handle) flush() {
	if h.observer == nil {
		return
	}
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	events := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, ev := range events {
		h.observer(h.bot.ID, ev.status, ev.lastErr)
	}
}

func (h *Handle) transition(status store.BotStatus, lastErr string) {
	defer h.flush()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setStatus(status, lastErr)
}

// Start connects the bot. Valid from CREATED, STOPPED and ERRORED.
func (h *Handle) Start(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	switch h.status {
	case store.StatusCreated, store.StatusStopped, store.StatusErrored:
	default:
		status := h.status
		h.mu.Unlock()
		return errs.InvalidState("runtime.start", "bot %d is %s", h.bot.ID, status)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.queue = make(chan bot.Update, h.cfg.QueueSize)
	h.workerDone = make(chan struct{})
	h.loopDone = nil
	h.setStatus(store.StatusStarting, "")
	queue, workerDone := h.queue, h.workerDone
	h.mu.Unlock()
	h.flush()

	go h.work(runCtx, queue, workerDone)

	var err error
	switch h.bot.Mode {
	case store.ModeWebhook:
		err = h.startWebhook(ctx)
	case store.ModeLongPolling:
		err = h.startPolling(ctx, runCtx)
	default:
		err = fmt.Errorf("unknown connection mode %q", h.bot.Mode)
	}

	defer h.flush()
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		cancel()
		if h.bot.Mode == store.ModeWebhook && h.binder != nil {
			h.binder.Unbind(h.bot.ID)
		}
		h.setStatus(store.StatusErrored, err.Error())
		return errs.Wrap(errs.KindConnection, "runtime.start", err, "start bot %d", h.bot.ID)
	}
	// The polling loop may already have given up
	if h.status != store.StatusStarting {
		return errs.Wrap(errs.KindConnection, "runtime.start", fmt.Errorf("%s", h.lastErr), "start bot %d", h.bot.ID)
	}
	h.setStatus(store.StatusRunning, "")
	return nil
}

func (h *Handle) startWebhook(ctx context.Context) error {
	if h.binder == nil {
		return fmt.Errorf("no webhook server configured")
	}
	if h.bot.WebhookURL == "" {
		return fmt.Errorf("webhook url is empty")
	}
	if err := h.client.SetWebhook(ctx, h.bot.WebhookURL); err != nil {
		return err
	}
	return h.binder.Bind(h.bot.ID, h)
}

func (h *Handle) startPolling(ctx, runCtx context.Context) error {
	if err := h.client.DeleteWebhook(ctx); err != nil {
		return err
	}

	ready := make(chan struct{})
	done := make(chan struct{})
	h.mu.Lock()
	h.loopDone = done
	h.mu.Unlock()

	go h.poll(runCtx, ready, done)

	timer := time.NewTimer(h.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("polling loop did not start within %s", h.cfg.StartTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disconnects the bot. Stopping a stopped or never-started bot is a
// no-op. forced reports that the loop or worker did not exit within the grace.
func (h *Handle) Stop(ctx context.Context) (forced bool, err error) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	switch h.status {
	case store.StatusCreated, store.StatusStopped:
		h.mu.Unlock()
		return false, nil
	}
	h.setStatus(store.StatusStopping, "")
	cancel, loopDone, workerDone := h.cancel, h.loopDone, h.workerDone
	h.mu.Unlock()
	h.flush()

	if cancel != nil {
		cancel()
	}

	if h.bot.Mode == store.ModeWebhook {
		if h.binder != nil {
			h.binder.Unbind(h.bot.ID)
		}
		dctx, dcancel := context.WithTimeout(ctx, h.cfg.StopGrace)
		if err := h.client.DeleteWebhook(dctx); err != nil {
			logger.WithBot(h.bot.ID).WithField("error", err).Warn("failed-to-delete-webhook")
		}
		dcancel()
	}

	forced = !waitAll(h.cfg.StopGrace, loopDone, workerDone)
	if forced {
		logger.WithBot(h.bot.ID).WithField("grace", h.cfg.StopGrace).Warn("bot-stop-forced")
	}

	h.transition(store.StatusStopped, "")
	return forced, nil
}

// waitAll waits for every non-nil channel to close, reporting false on timeout
func waitAll(grace time.Duration, chans ...chan struct{}) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for _, ch := range chans {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
	return true
}

// fail moves a running or starting handle to ERRORED and stops its goroutines
func (h *Handle) fail(err error) {
	defer h.flush()
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.status {
	case store.StatusRunning, store.StatusStarting:
	default:
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.setStatus(store.StatusErrored, err.Error())
}

// Send delivers a message through the platform. Only RUNNING handles send;
// a platform failure does not change the handle's state.
func (h *Handle) Send(ctx context.Context, chatID, text string) error {
	if status := h.Status(); status != store.StatusRunning {
		return errs.InvalidState("runtime.send", "bot %d is %s", h.bot.ID, status)
	}
	if err := h.client.SendMessage(ctx, chatID, text); err != nil {
		return errs.Wrap(errs.KindSend, "runtime.send", err, "bot %d chat %s", h.bot.ID, chatID)
	}
	return nil
}

// Deliver enqueues an update for ordered processing. Webhook deliveries use it.
func (h *Handle) Deliver(update bot.Update) error {
	h.mu.Lock()
	status, queue := h.status, h.queue
	h.mu.Unlock()

	if status != store.StatusRunning {
		return fmt.Errorf("bot %d: %w", h.bot.ID, errs.ErrNotRunning)
	}
	select {
	case queue <- update:
		return nil
	default:
		metrics.InboundUpdates.WithLabelValues(string(h.bot.Mode), "dropped").Inc()
		return errs.New(errs.KindInvalidState, "runtime.deliver", "bot %d inbound queue is full", h.bot.ID)
	}
}

// enqueue blocks until the update is queued or ctx ends. The polling loop uses it.
func (h *Handle) enqueue(ctx context.Context, queue chan bot.Update, update bot.Update) bool {
	select {
	case queue <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

// work processes queued updates one at a time, preserving arrival order
func (h *Handle) work(ctx context.Context, queue chan bot.Update, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-queue:
			_ = h.OnInboundUpdate(ctx, u)
		}
	}
}

// OnInboundUpdate normalizes one update, resolves it through the command
// chain and sends the reply. Failures are logged and never escape as panics.
func (h *Handle) OnInboundUpdate(ctx context.Context, update bot.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling update %d: %v", update.UpdateID, r)
			logger.WithBot(h.bot.ID).WithField("error", err).Error("inbound-update-panicked")
			metrics.InboundUpdates.WithLabelValues(string(h.bot.Mode), "panic").Inc()
		}
	}()

	if !update.HasText() {
		metrics.InboundUpdates.WithLabelValues(string(h.bot.Mode), "ignored").Inc()
		return nil
	}

	var username string
	if id, ok := h.client.(bot.Identity); ok {
		username = id.Username()
	}
	req := command.NewRequest(h.bot.ID, username, update.ChatID, update.UserID, update.Username, update.Text)
	req.RequestID = uuid.NewString()

	resp := h.chain.Load().Resolve(ctx, req)
	metrics.InboundUpdates.WithLabelValues(string(h.bot.Mode), resp.Status.String()).Inc()

	logger.WithBot(h.bot.ID).WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"update_id":  update.UpdateID,
		"chat_id":    update.ChatID,
		"command":    req.Command,
		"handler":    resp.Handler,
		"status":     resp.Status.String(),
	}).Debug("inbound-update-handled")

	if resp.Text == "" {
		return nil
	}
	if err := h.Send(ctx, update.ChatID, resp.Text); err != nil {
		logger.WithBot(h.bot.ID).WithFields(logrus.Fields{
			"request_id": req.RequestID,
			"chat_id":    update.ChatID,
			"error":      err,
		}).Error("failed-to-send-reply")
		return err
	}
	return nil
}
