package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/sirupsen/logrus"
)

// poll is the long polling loop. It signals ready once running, advances
// the offset past every received update and gives up after
// MaxPollFailures consecutive errors.
func (h *Handle) poll(ctx context.Context, ready, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			logger.WithBot(h.bot.ID).WithField("panic", r).Error("polling-loop-panicked")
			h.fail(fmt.Errorf("polling loop panic: %v", r))
		}
	}()

	h.mu.Lock()
	queue := h.queue
	h.mu.Unlock()

	close(ready)
	logger.WithBot(h.bot.ID).WithFields(logrus.Fields{
		"timeout": h.cfg.PollTimeout,
		"limit":   h.cfg.PollLimit,
	}).Info("long-polling-started")

	offset := 0
	failures := 0
	for {
		if ctx.Err() != nil {
			logger.WithBot(h.bot.ID).Info("long-polling-stopped")
			return
		}

		updates, err := h.client.PollUpdates(ctx, offset, h.cfg.PollTimeout, h.cfg.PollLimit)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			logger.WithBot(h.bot.ID).WithFields(logrus.Fields{
				"error":    err,
				"failures": failures,
			}).Warn("failed-to-poll-updates")

			if failures >= h.cfg.MaxPollFailures {
				h.fail(fmt.Errorf("polling failed %d times in a row: %w", failures, err))
				return
			}
			sleep(ctx, h.cfg.RetryDelay)
			continue
		}
		failures = 0

		if len(updates) == 0 {
			sleep(ctx, h.cfg.IdleDelay)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if !h.enqueue(ctx, queue, u) {
				break
			}
		}
	}
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
