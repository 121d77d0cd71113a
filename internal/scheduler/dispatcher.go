// Package scheduler delivers scheduled messages through running bots.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/metrics"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/keepmind9/botfleet/pkg/constants"
	"github.com/sirupsen/logrus"
)

// LockKey is the tick lock key shared by replicas
const LockKey = "botfleet:scheduler:tick"

// Store is the persistence the dispatcher needs
type Store interface {
	FindDueScheduledMessages(ctx context.Context, now time.Time) ([]store.ScheduledMessage, error)
	FindScheduledMessage(ctx context.Context, id int64) (*store.ScheduledMessage, error)
	UpdateScheduledMessageIf(ctx context.Context, msg *store.ScheduledMessage, expect store.MessageStatus) (bool, error)
}

// Outbound is a bot that can send. *runtime.Handle satisfies it.
type Outbound interface {
	Status() store.BotStatus
	Send(ctx context.Context, chatID, text string) error
}

// Resolver finds the live runtime of a bot
type Resolver func(botID int64) (Outbound, bool)

// Config tunes the dispatcher
type Config struct {
	Interval    time.Duration
	MaxFailures int
	RetryBase   time.Duration // Zero disables backoff; failed messages retry next tick
	RetryMax    time.Duration
	BatchSize   int // Due messages handled per tick; the rest wait for the next tick
}

// TickReport summarizes one tick
type TickReport struct {
	Due      int  // Records returned by the due query
	Sent     int  // Delivered
	Skipped  int  // Vanished, no longer actionable, backing off or bot not running
	Failed   int  // Send attempts that failed
	Terminal int  // Records that reached the failed status this tick
	Deferred int  // Due records left for a later tick by the batch cap
	Locked   bool // Another replica holds the tick lock; nothing was done
}

// Dispatcher periodically sends due scheduled messages
type Dispatcher struct {
	store   Store
	resolve Resolver
	locker  TickLocker
	cfg     Config
	now     func() time.Time

	// tickMu keeps ticks sequential
	tickMu sync.Mutex
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLocker sets the cross-process tick lock
func WithLocker(l TickLocker) Option {
	return func(d *Dispatcher) { d.locker = l }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher
func New(st Store, resolve Resolver, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultDispatchInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = constants.DefaultMaxSendFailures
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = constants.DefaultMaxRetryBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.DefaultDispatchBatchSize
	}
	d := &Dispatcher{
		store:   st,
		resolve: resolve,
		locker:  LocalLocker{},
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run ticks every interval until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	logger.WithField("interval", d.cfg.Interval).Info("scheduler-started")
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler-stopped")
			return
		case <-ticker.C:
			d.safeTick(ctx)
		}
	}
}

func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("scheduler-tick-panicked")
		}
	}()

	report, err := d.Tick(ctx)
	if err != nil {
		logger.WithField("error", err).Error("scheduler-tick-failed")
		return
	}
	if report.Due > 0 {
		logger.WithFields(logrus.Fields{
			"due":      report.Due,
			"sent":     report.Sent,
			"skipped":  report.Skipped,
			"failed":   report.Failed,
			"terminal": report.Terminal,
		}).Info("scheduler-tick-completed")
	}
}

// Tick processes every message due now. Ticks never overlap.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	var report TickReport
	held, release, ok, err := d.locker.Acquire(ctx, LockKey, constants.DispatchLockTTL)
	if err != nil {
		return report, errs.Wrap(errs.KindConnection, "scheduler.tick", err, "acquire tick lock")
	}
	if !ok {
		report.Locked = true
		return report, nil
	}
	defer release()
	// held ends if the lock is lost mid-tick
	ctx = held

	now := d.now()
	due, err := d.store.FindDueScheduledMessages(ctx, now)
	if err != nil {
		return report, err
	}
	report.Due = len(due)
	if len(due) > d.cfg.BatchSize {
		report.Deferred = len(due) - d.cfg.BatchSize
		due = due[:d.cfg.BatchSize]
	}

	for _, m := range due {
		if ctx.Err() != nil {
			break
		}
		d.dispatch(ctx, m.ID, now, &report)
	}
	return report, nil
}

// dispatch handles one due record; failures are contained to the record
func (d *Dispatcher) dispatch(ctx context.Context, id int64, now time.Time, report *TickReport) {
	entry := logger.WithField("message_id", id)

	// Re-read so a cancel between query and send is honored
	msg, err := d.store.FindScheduledMessage(ctx, id)
	if err != nil {
		if !errs.IsKind(err, errs.KindNotFound) {
			entry.WithField("error", err).Warn("failed-to-read-scheduled-message")
		}
		d.skip(report)
		return
	}
	if !msg.Actionable() || msg.ScheduledAt.After(now) {
		d.skip(report)
		return
	}
	if msg.RetryAt != nil && msg.RetryAt.After(now) {
		d.skip(report)
		return
	}

	observed := msg.Status

	target, ok := d.resolve(msg.BotID)
	if !ok || target.Status() != store.StatusRunning {
		entry.WithField("bot_id", msg.BotID).Debug("scheduled-message-bot-not-running")
		d.skip(report)
		return
	}

	err = target.Send(ctx, msg.ChatID, msg.Text)
	switch {
	case err == nil:
		d.succeed(msg, now)
		report.Sent++
		metrics.ScheduledMessages.WithLabelValues("sent").Inc()
	case errs.IsKind(err, errs.KindInvalidState):
		// Bot stopped between the status check and the send
		d.skip(report)
		return
	default:
		report.Failed++
		if d.failed(msg, now, err) {
			report.Terminal++
			metrics.ScheduledMessages.WithLabelValues("terminal").Inc()
		} else {
			metrics.ScheduledMessages.WithLabelValues("failed").Inc()
		}
		entry.WithFields(logrus.Fields{
			"bot_id":   msg.BotID,
			"failures": msg.FailureCount,
			"status":   msg.Status,
			"error":    err,
		}).Warn("failed-to-send-scheduled-message")
	}

	// A cancel or delete that landed during the send wins
	updated, err := d.store.UpdateScheduledMessageIf(ctx, msg, observed)
	if err != nil {
		entry.WithField("error", err).Error("failed-to-save-scheduled-message")
		return
	}
	if !updated {
		entry.WithField("bot_id", msg.BotID).Info("scheduled-message-changed-during-send")
	}
}

func (d *Dispatcher) skip(report *TickReport) {
	report.Skipped++
	metrics.ScheduledMessages.WithLabelValues("skipped").Inc()
}

// succeed marks a delivery. Recurring messages move to the first occurrence
// after now on their original grid.
func (d *Dispatcher) succeed(msg *store.ScheduledMessage, now time.Time) {
	sentAt := now
	msg.LastSentAt = &sentAt
	msg.FailureCount = 0
	msg.LastError = ""
	msg.RetryAt = nil

	if msg.Recurring && msg.Interval() > 0 {
		msg.ScheduledAt = NextOccurrence(msg.ScheduledAt, msg.Interval(), now)
		msg.Status = store.MessagePending
		msg.Sent = false
		return
	}
	msg.Sent = true
	msg.Status = store.MessageSent
}

// failed records a failed attempt and reports whether the message is now terminal
func (d *Dispatcher) failed(msg *store.ScheduledMessage, now time.Time, err error) bool {
	msg.FailureCount++
	msg.LastError = err.Error()

	if msg.FailureCount >= d.cfg.MaxFailures {
		msg.Status = store.MessageFailed
		msg.RetryAt = nil
		return true
	}
	if d.cfg.RetryBase > 0 {
		retryAt := now.Add(Backoff(d.cfg.RetryBase, d.cfg.RetryMax, msg.FailureCount))
		msg.RetryAt = &retryAt
	}
	return false
}

// NextOccurrence returns the first time after now on the grid due + k*interval
func NextOccurrence(due time.Time, interval time.Duration, now time.Time) time.Time {
	if due.After(now) {
		return due
	}
	steps := now.Sub(due)/interval + 1
	return due.Add(steps * interval)
}

// Backoff returns base * 2^(attempt-1), capped at max
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
