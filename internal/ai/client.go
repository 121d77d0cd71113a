// Package ai provides the chat-completion client used by AI command handlers.
package ai

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Message is one chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting of one completion
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Request is a chat completion request
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Result is a chat completion result
type Result struct {
	Text     string
	Usage    Usage
	Duration time.Duration
}

// Client is a chat completion backend
type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
}

// Providers selectable in Config.Provider
const (
	ProviderOpenAI = "openai"
	ProviderACP    = "acp"
)

// Config configures the chat backend. Provider "acp" runs Command as a local
// agent speaking the Agent Client Protocol; anything else is OpenAI-compatible.
type Config struct {
	Provider    string        `yaml:"provider"`
	Command     []string      `yaml:"command"`
	Cwd         string        `yaml:"cwd"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Enabled reports whether enough is configured to build a client
func (c Config) Enabled() bool {
	if c.Provider == ProviderACP {
		return len(c.Command) > 0
	}
	return c.BaseURL != "" && c.Model != ""
}

// New builds the client for the configured provider
func New(cfg Config) (Client, error) {
	if cfg.Provider == ProviderACP {
		return NewACPClient(cfg)
	}
	return NewOpenAIClient(cfg), nil
}

// OpenAIClient talks to any server implementing POST /chat/completions
type OpenAIClient struct {
	client *resty.Client
	cfg    Config
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint
func NewOpenAIClient(cfg Config) *OpenAIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return resp != nil && resp.StatusCode() == 429
		})
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &OpenAIClient{client: client, cfg: cfg}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends one completion request
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (Result, error) {
	body := completionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.Model == "" {
		body.Model = c.cfg.Model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = c.cfg.MaxTokens
	}
	if body.Temperature == 0 {
		body.Temperature = c.cfg.Temperature
	}

	var out completionResponse
	var apiErr errorResponse
	start := time.Now()
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return Result{}, errors.Wrap(err, "chat completion request")
	}
	if !resp.IsSuccess() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body()))
		}
		return Result{}, errors.Errorf("chat completion: http %d: %s", resp.StatusCode(), msg)
	}
	if len(out.Choices) == 0 {
		return Result{}, errors.New("chat completion: empty choices")
	}

	return Result{
		Text: out.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
			TotalTokens:  out.Usage.TotalTokens,
		},
		Duration: time.Since(start),
	}, nil
}
