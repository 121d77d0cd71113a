package command

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/keepmind9/botfleet/internal/ai"
	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/plugin"
	"github.com/sirupsen/logrus"
)

// base carries the fields shared by all configured handlers
type base struct {
	name     string
	priority int
	match    Matcher
}

func (b *base) Name() string { return b.name }
func (b *base) Priority() int { return b.priority }
func (b *base) CanHandle(req *Request) bool { return b.match(req) }

// retryPolicy runs an attempt up to 1+retries times, each bounded by timeout
type retryPolicy struct {
	retries int
	timeout time.Duration
}

func (p retryPolicy) do(ctx context.Context, attempt func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error
	for i := 0; i <= p.retries; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		}
		out, err := attempt(callCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", lastErr
}

// retryable excludes failures a second attempt cannot fix
func retryable(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindNotFound, errs.KindInvalidState, errs.KindCompilation:
		return false
	}
	return true
}

// TemplateHandler replies with a rendered text/template. The template sees
// the Request fields plus .ArgsText.
type TemplateHandler struct {
	base
	tmpl *template.Template
}

// NewTemplateHandler parses the response template
func NewTemplateHandler(name string, priority int, match Matcher, text string) (*TemplateHandler, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template for %s: %w", name, err)
	}
	return &TemplateHandler{base: base{name: name, priority: priority, match: match}, tmpl: tmpl}, nil
}

// Available is always true for templates
func (h *TemplateHandler) Available() bool { return true }

// Execute renders the template
func (h *TemplateHandler) Execute(ctx context.Context, req *Request) (*Response, error) {
	data := struct {
		*Request
		ArgsText string
	}{Request: req, ArgsText: req.ArgsText()}

	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, data); err != nil {
		return nil, errs.Wrap(errs.KindExecution, "command.template", err, "render %s", h.name)
	}
	return &Response{Text: buf.String()}, nil
}

// PluginExecutor runs loaded plugins. *plugin.Manager satisfies it.
type PluginExecutor interface {
	Execute(ctx context.Context, name string, req plugin.Request) plugin.Result
	IsLoaded(name string) bool
}

// PluginHandler delegates to a hot-loaded plugin
type PluginHandler struct {
	base
	plugin   string
	executor PluginExecutor
	policy   retryPolicy
}

// NewPluginHandler creates a handler backed by the named plugin
func NewPluginHandler(name string, priority int, match Matcher, pluginName string, executor PluginExecutor, retries int, timeout time.Duration) *PluginHandler {
	return &PluginHandler{
		base:     base{name: name, priority: priority, match: match},
		plugin:   pluginName,
		executor: executor,
		policy:   retryPolicy{retries: retries, timeout: timeout},
	}
}

// Available reports whether the plugin is currently loaded
func (h *PluginHandler) Available() bool {
	return h.executor != nil && h.executor.IsLoaded(h.plugin)
}

// Execute runs the plugin with the command's timeout and retries
func (h *PluginHandler) Execute(ctx context.Context, req *Request) (*Response, error) {
	preq := plugin.Request{
		BotID:     req.BotID,
		ChatID:    req.ChatID,
		UserID:    req.UserID,
		Username:  req.Username,
		Text:      req.Text,
		Command:   req.Command,
		Args:      req.Args,
		RequestID: req.RequestID,
	}
	out, err := h.policy.do(ctx, func(ctx context.Context) (string, error) {
		res := h.executor.Execute(ctx, h.plugin, preq)
		return res.Output, res.Err
	})
	if err != nil {
		return nil, err
	}
	return &Response{Text: out}, nil
}

// AIHandler answers with a chat completion. The command's response text is the system prompt.
type AIHandler struct {
	base
	client ai.Client
	system string
	policy retryPolicy
}

// NewAIHandler creates a handler backed by client; a nil client makes it unavailable
func NewAIHandler(name string, priority int, match Matcher, client ai.Client, systemPrompt string, retries int, timeout time.Duration) *AIHandler {
	return &AIHandler{
		base:   base{name: name, priority: priority, match: match},
		client: client,
		system: systemPrompt,
		policy: retryPolicy{retries: retries, timeout: timeout},
	}
}

// Available reports whether an AI client is configured
func (h *AIHandler) Available() bool { return h.client != nil }

// Execute sends the message (arguments only, for commands) to the model
func (h *AIHandler) Execute(ctx context.Context, req *Request) (*Response, error) {
	prompt := req.Text
	if req.IsCommand() {
		prompt = req.ArgsText()
	}
	if strings.TrimSpace(prompt) == "" {
		return &Response{Text: "Please include a message after the command."}, nil
	}

	messages := make([]ai.Message, 0, 2)
	if h.system != "" {
		messages = append(messages, ai.Message{Role: "system", Content: h.system})
	}
	messages = append(messages, ai.Message{Role: "user", Content: prompt})

	out, err := h.policy.do(ctx, func(ctx context.Context) (string, error) {
		res, err := h.client.Chat(ctx, ai.Request{Messages: messages})
		if err != nil {
			logger.WithBot(req.BotID).WithFields(logrus.Fields{
				"handler":    h.name,
				"request_id": req.RequestID,
				"error":      err,
			}).Warn("ai-request-failed")
			return "", err
		}
		return res.Text, nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindExecution, "command.ai", err, "handler %s", h.name)
	}
	return &Response{Text: out}, nil
}

// HelpEntry describes one command in the /help listing
type HelpEntry struct {
	Trigger     string
	Description string
}

// HelpHandler lists the bot's commands. It sits at the lowest precedence so
// a user-defined help command wins.
type HelpHandler struct {
	entries []HelpEntry
}

// NewHelpHandler creates the built-in help handler
func NewHelpHandler(entries []HelpEntry) *HelpHandler {
	sorted := make([]HelpEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Trigger < sorted[j].Trigger })
	return &HelpHandler{entries: sorted}
}

func (h *HelpHandler) Name() string { return "help" }
func (h *HelpHandler) Priority() int { return math.MaxInt }
func (h *HelpHandler) Available() bool { return true }

// CanHandle accepts /help and /start
func (h *HelpHandler) CanHandle(req *Request) bool {
	return req.Command == "help" || req.Command == "start"
}

// Execute renders the command list
func (h *HelpHandler) Execute(ctx context.Context, req *Request) (*Response, error) {
	if len(h.entries) == 0 {
		return &Response{Text: "No commands available."}, nil
	}
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, e := range h.entries {
		b.WriteString(e.Trigger)
		if e.Description != "" {
			b.WriteString(" - ")
			b.WriteString(e.Description)
		}
		b.WriteString("\n")
	}
	return &Response{Text: strings.TrimRight(b.String(), "\n")}, nil
}
