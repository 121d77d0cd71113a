package command

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/sirupsen/logrus"
)

// Handler is one candidate responder in a chain
type Handler interface {
	// Name identifies the handler in logs and responses
	Name() string
	// CanHandle reports whether the handler accepts the request
	CanHandle(req *Request) bool
	// Execute produces the reply
	Execute(ctx context.Context, req *Request) (*Response, error)
	// Priority orders handlers; lower runs first
	Priority() int
	// Available reports whether the handler's backing resource is ready
	Available() bool
}

// DefaultFailureText is sent when the selected handler fails
const DefaultFailureText = "Sorry, something went wrong while handling your message."

// Chain evaluates handlers in priority order. Equal priorities keep
// registration order. Exactly one response is produced per request.
type Chain struct {
	mu       sync.RWMutex
	handlers []Handler
	fallback string
	failure  string
}

// ChainOption configures a Chain
type ChainOption func(*Chain)

// WithFallback sets the reply used when no handler matches. Empty means silent.
func WithFallback(text string) ChainOption {
	return func(c *Chain) { c.fallback = text }
}

// WithFailureText sets the reply used when the selected handler fails
func WithFailureText(text string) ChainOption {
	return func(c *Chain) { c.failure = text }
}

// NewChain creates an empty chain
func NewChain(opts ...ChainOption) *Chain {
	c := &Chain{failure: DefaultFailureText}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers handlers, keeping the chain sorted by priority
func (c *Chain) Add(handlers ...Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handlers...)
	sort.SliceStable(c.handlers, func(i, j int) bool {
		return c.handlers[i].Priority() < c.handlers[j].Priority()
	})
}

// Handlers returns the handlers in evaluation order
func (c *Chain) Handlers() []Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Handler, len(c.handlers))
	copy(out, c.handlers)
	return out
}

// Len returns the number of registered handlers
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Resolve runs the first available handler that accepts req
func (c *Chain) Resolve(ctx context.Context, req *Request) *Response {
	for _, h := range c.Handlers() {
		if !h.Available() || !c.accepts(h, req) {
			continue
		}
		return c.run(ctx, h, req)
	}
	return &Response{Status: StatusNoHandler, Text: c.fallback}
}

func (c *Chain) accepts(h Handler, req *Request) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"handler": h.Name(),
				"panic":   r,
			}).Error("handler-match-panicked")
			ok = false
		}
	}()
	return h.CanHandle(req)
}

func (c *Chain) run(ctx context.Context, h Handler, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = c.failed(h, req, fmt.Errorf("handler panic: %v", r))
		}
	}()

	out, err := h.Execute(ctx, req)
	if err != nil {
		return c.failed(h, req, err)
	}
	if out == nil {
		out = &Response{}
	}
	out.Status = StatusOK
	out.Handler = h.Name()
	return out
}

func (c *Chain) failed(h Handler, req *Request, err error) *Response {
	logger.WithBot(req.BotID).WithFields(logrus.Fields{
		"handler":    h.Name(),
		"request_id": req.RequestID,
		"error":      err,
	}).Error("handler-execution-failed")
	return &Response{Status: StatusFailed, Text: c.failure, Handler: h.Name(), Err: err}
}
