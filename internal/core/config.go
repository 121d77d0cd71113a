// Package core provides the engine that owns the bot fleet runtime and the
// configuration it is built from.
//
// The engine ties together:
//
//   - the runtime registry of started bots and their connection modes
//   - the plugin manager
//   - the per-bot command handler chains
//   - the scheduled message dispatcher
//
// # Configuration
//
// Configuration is loaded from a YAML file with the following main sections:
//
//   - database: memory or postgres repository
//   - webhook: HTTP listener receiving platform updates
//   - runtime: polling and lifecycle tunables
//   - plugins: plugin directory and execution limits
//   - scheduler: dispatch interval, retry policy and optional redis lock
//   - ai: OpenAI-compatible endpoint used by AI commands
//   - bots: bots and commands seeded at startup
//   - logging: log configuration
//
// # Example Configuration
//
//	webhook:
//	  listen: ":8080"
//	  public_url: "https://bots.example.com"
//	bots:
//	  - name: "echo"
//	    token: "${TELEGRAM_TOKEN}"
//	    mode: "LONG_POLLING"
//	    commands:
//	      - name: "ping"
//	        trigger: "/ping"
//	        handler: "template"
//	        response: "pong"
package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/keepmind9/botfleet/internal/ai"
	"github.com/keepmind9/botfleet/internal/store"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWebhookListen   = ":8080"
	DefaultWebhookPath     = "/webhook"
	DefaultLogLevel        = "info"
	DefaultLogMaxSize      = 100 // MB
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAge       = 30 // days
	DefaultLogCompress     = true
	DefaultLogEnableStdout = true

	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the root configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	AI        ai.Config       `yaml:"ai"`
	Bots      []BotConfig     `yaml:"bots"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig selects the repository
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory or postgres
	DSN    string `yaml:"dsn"`
	Debug  bool   `yaml:"debug"`
}

// WebhookConfig configures the webhook HTTP server
type WebhookConfig struct {
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	PublicURL string `yaml:"public_url"` // Base URL the platform can reach; bot id is appended
}

// RuntimeConfig tunes every bot runtime handle
type RuntimeConfig struct {
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	PollLimit       int           `yaml:"poll_limit"`
	IdleDelay       time.Duration `yaml:"idle_delay"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxPollFailures int           `yaml:"max_poll_failures"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	StopGrace       time.Duration `yaml:"stop_grace"`
	QueueSize       int           `yaml:"queue_size"`
	SendRate        float64       `yaml:"send_rate"` // Messages per second per bot, 0 = unlimited
	SendBurst       int           `yaml:"send_burst"`
	APIEndpoint     string        `yaml:"api_endpoint"` // Platform API endpoint override
	FallbackText    string        `yaml:"fallback_text"`
	FailureText     string        `yaml:"failure_text"`
}

// PluginsConfig configures the plugin manager
type PluginsConfig struct {
	Dir            string        `yaml:"dir"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	UnloadGrace    time.Duration `yaml:"unload_grace"`
}

// SchedulerConfig configures the scheduled message dispatcher
type SchedulerConfig struct {
	Disabled    bool          `yaml:"disabled"`
	Interval    time.Duration `yaml:"interval"`
	MaxFailures int           `yaml:"max_failures"`
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryMax    time.Duration `yaml:"retry_max"`
	BatchSize   int           `yaml:"batch_size"`
	RedisURL    string        `yaml:"redis_url"`
}

// BotConfig seeds one bot and its commands
type BotConfig struct {
	ID                 int64                `yaml:"id"`
	OwnerID            int64                `yaml:"owner_id"`
	Name               string               `yaml:"name"`
	Token              string               `yaml:"token"`
	Mode               store.ConnectionMode `yaml:"mode"`
	WebhookURL         string               `yaml:"webhook_url"`
	PollTimeoutSeconds int                  `yaml:"poll_timeout_seconds"`
	PollLimit          int                  `yaml:"poll_limit"`
	Active             *bool                `yaml:"active"`
	Commands           []CommandConfig      `yaml:"commands"`
}

// CommandConfig seeds one command
type CommandConfig struct {
	Name        string            `yaml:"name"`
	TriggerType store.TriggerType `yaml:"trigger_type"`
	Trigger     string            `yaml:"trigger"`
	Handler     store.HandlerType `yaml:"handler"`
	Response    string            `yaml:"response"`
	Plugin      string            `yaml:"plugin"`
	Priority    int               `yaml:"priority"`
	Enabled     *bool             `yaml:"enabled"`
	MaxRetries  int               `yaml:"max_retries"`
	Timeout     time.Duration     `yaml:"timeout"`
	Description string            `yaml:"description"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	File         string `yaml:"file"`
	MaxSize      int    `yaml:"max_size"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAge       int    `yaml:"max_age"`
	Compress     bool   `yaml:"compress"`
	EnableStdout bool   `yaml:"enable_stdout"`
}

// LoadConfig loads configuration from file and expands environment variables
func LoadConfig(configPath string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references
func ParseConfig(data []byte) (*Config, error) {
	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// validateConfig applies defaults and validates the configuration
func validateConfig(config *Config) error {
	if config.Database.Driver == "" {
		config.Database.Driver = DriverMemory
	}
	switch config.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if config.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", config.Database.Driver)
	}

	if config.Webhook.Listen == "" {
		config.Webhook.Listen = DefaultWebhookListen
	}
	if config.Webhook.Path == "" {
		config.Webhook.Path = DefaultWebhookPath
	}
	config.Webhook.PublicURL = strings.TrimRight(config.Webhook.PublicURL, "/")

	// Set default logging configuration
	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = DefaultLogMaxAge
	}
	if !config.Logging.Compress {
		config.Logging.Compress = DefaultLogCompress
	}
	if !config.Logging.EnableStdout {
		config.Logging.EnableStdout = DefaultLogEnableStdout
	}

	if config.Scheduler.RetryMax > 0 && config.Scheduler.RetryBase > config.Scheduler.RetryMax {
		return fmt.Errorf("scheduler.retry_base (%v) must not exceed scheduler.retry_max (%v)",
			config.Scheduler.RetryBase, config.Scheduler.RetryMax)
	}
	if config.Scheduler.MaxFailures < 0 {
		return fmt.Errorf("scheduler.max_failures must not be negative")
	}
	if config.Scheduler.BatchSize < 0 {
		return fmt.Errorf("scheduler.batch_size must not be negative")
	}

	switch config.AI.Provider {
	case "", ai.ProviderOpenAI, ai.ProviderACP:
	default:
		return fmt.Errorf("ai.provider must be %q or %q, got %q", ai.ProviderOpenAI, ai.ProviderACP, config.AI.Provider)
	}
	if config.AI.Provider == ai.ProviderACP && len(config.AI.Command) == 0 {
		return fmt.Errorf("ai.command is required when ai.provider is %q", ai.ProviderACP)
	}
	if config.AI.Provider != ai.ProviderACP && config.AI.BaseURL != "" && config.AI.Model == "" {
		return fmt.Errorf("ai.model is required when ai.base_url is set")
	}

	ids := make(map[int64]bool)
	for i := range config.Bots {
		b := &config.Bots[i]
		if b.Token == "" {
			return fmt.Errorf("bots[%d]: token is required", i)
		}
		if b.Name == "" {
			b.Name = fmt.Sprintf("bot-%d", i+1)
		}
		if b.Mode == "" {
			b.Mode = store.ModeLongPolling
		}
		switch b.Mode {
		case store.ModeLongPolling:
		case store.ModeWebhook:
			if b.WebhookURL == "" && config.Webhook.PublicURL == "" {
				return fmt.Errorf("bot %s: webhook mode needs webhook_url or webhook.public_url", b.Name)
			}
		default:
			return fmt.Errorf("bot %s: unsupported mode %q", b.Name, b.Mode)
		}
		if b.ID != 0 {
			if ids[b.ID] {
				return fmt.Errorf("bot %s: duplicate id %d", b.Name, b.ID)
			}
			ids[b.ID] = true
		}

		for j := range b.Commands {
			c := &b.Commands[j]
			if c.Trigger == "" {
				return fmt.Errorf("bot %s: commands[%d]: trigger is required", b.Name, j)
			}
			if c.Name == "" {
				c.Name = c.Trigger
			}
			if c.TriggerType == "" {
				c.TriggerType = store.TriggerCommand
			}
			if c.Handler == "" {
				c.Handler = store.HandlerTemplate
			}
			switch c.Handler {
			case store.HandlerTemplate:
			case store.HandlerPlugin:
				if c.Plugin == "" {
					return fmt.Errorf("bot %s: command %s: plugin handler needs a plugin name", b.Name, c.Name)
				}
			case store.HandlerAI:
			default:
				return fmt.Errorf("bot %s: command %s: unsupported handler %q", b.Name, c.Name, c.Handler)
			}
		}
	}

	return nil
}

// WebhookURLFor returns the URL the platform should push updates for b to
func (c *Config) WebhookURLFor(b store.Bot) string {
	if b.WebhookURL != "" {
		return b.WebhookURL
	}
	if c.Webhook.PublicURL == "" {
		return ""
	}
	return fmt.Sprintf("%s%s/%d", c.Webhook.PublicURL, c.Webhook.Path, b.ID)
}

// Record converts a seed entry into a bot record
func (b BotConfig) Record() store.Bot {
	active := true
	if b.Active != nil {
		active = *b.Active
	}
	return store.Bot{
		ID:                 b.ID,
		OwnerID:            b.OwnerID,
		Name:               b.Name,
		Token:              b.Token,
		Mode:               b.Mode,
		WebhookURL:         b.WebhookURL,
		PollTimeoutSeconds: b.PollTimeoutSeconds,
		PollLimit:          b.PollLimit,
		Status:             store.StatusCreated,
		Active:             active,
	}
}

// Record converts a seed entry into a command record of botID
func (c CommandConfig) Record(botID int64) store.Command {
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	return store.Command{
		BotID:       botID,
		Name:        c.Name,
		TriggerType: c.TriggerType,
		Trigger:     c.Trigger,
		HandlerType: c.Handler,
		Response:    c.Response,
		PluginName:  c.Plugin,
		Priority:    c.Priority,
		Enabled:     enabled,
		MaxRetries:  c.MaxRetries,
		TimeoutMs:   int(c.Timeout / time.Millisecond),
		Description: c.Description,
	}
}
