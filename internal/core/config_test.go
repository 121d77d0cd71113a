package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepmind9/botfleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_ValidConfig_ReturnsConfigStruct(t *testing.T) {
	configContent := `
webhook:
  listen: ":9090"
  public_url: "https://bots.example.com/"
runtime:
  poll_timeout: 20s
  max_poll_failures: 4
plugins:
  dir: "./plugins"
  exec_timeout: 2s
scheduler:
  interval: 30s
  max_failures: 3
  retry_base: 10s
  retry_max: 5m
ai:
  base_url: "https://api.example.com/v1"
  model: "gpt-test"
bots:
  - id: 7
    name: "echo"
    token: "${TEST_BOT_TOKEN}"
    mode: "WEBHOOK"
    commands:
      - trigger: "/ping"
        response: "pong"
      - name: "greet"
        trigger_type: "prefix"
        trigger: "hello"
        handler: "plugin"
        plugin: "greet"
        priority: 5
        enabled: false
        timeout: 1500ms
`
	t.Setenv("TEST_BOT_TOKEN", "123:abc")

	config, err := LoadConfig(writeConfig(t, configContent))
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.Webhook.Listen)
	assert.Equal(t, DefaultWebhookPath, config.Webhook.Path)
	assert.Equal(t, "https://bots.example.com", config.Webhook.PublicURL)
	assert.Equal(t, DriverMemory, config.Database.Driver)
	assert.Equal(t, 20*time.Second, config.Runtime.PollTimeout)
	assert.Equal(t, 4, config.Runtime.MaxPollFailures)
	assert.Equal(t, 2*time.Second, config.Plugins.ExecTimeout)
	assert.Equal(t, 30*time.Second, config.Scheduler.Interval)
	assert.Equal(t, 5*time.Minute, config.Scheduler.RetryMax)
	assert.True(t, config.AI.Enabled())

	require.Len(t, config.Bots, 1)
	b := config.Bots[0]
	assert.Equal(t, "123:abc", b.Token)
	assert.Equal(t, store.ModeWebhook, b.Mode)
	require.Len(t, b.Commands, 2)

	ping := b.Commands[0]
	assert.Equal(t, "/ping", ping.Name)
	assert.Equal(t, store.TriggerCommand, ping.TriggerType)
	assert.Equal(t, store.HandlerTemplate, ping.Handler)

	greet := b.Commands[1].Record(b.ID)
	assert.Equal(t, int64(7), greet.BotID)
	assert.False(t, greet.Enabled)
	assert.Equal(t, 1500, greet.TimeoutMs)
	assert.Equal(t, store.HandlerPlugin, greet.HandlerType)

	record := b.Record()
	assert.True(t, record.Active)
	assert.Equal(t, store.StatusCreated, record.Status)
	assert.Equal(t, "https://bots.example.com/webhook/7", config.WebhookURLFor(record))
}

func TestLoadConfig_MissingEnvVar(t *testing.T) {
	configContent := `
bots:
  - token: "${BOTFLEET_UNSET_TOKEN_FOR_TEST}"
`
	_, err := LoadConfig(writeConfig(t, configContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOTFLEET_UNSET_TOKEN_FOR_TEST")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParseConfig_Defaults(t *testing.T) {
	config, err := ParseConfig([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, DefaultWebhookListen, config.Webhook.Listen)
	assert.Equal(t, DefaultLogLevel, config.Logging.Level)
	assert.Equal(t, DefaultLogMaxSize, config.Logging.MaxSize)
	assert.Equal(t, DefaultLogMaxBackups, config.Logging.MaxBackups)
	assert.Equal(t, DefaultLogMaxAge, config.Logging.MaxAge)
	assert.True(t, config.Logging.Compress)
	assert.True(t, config.Logging.EnableStdout)
	assert.False(t, config.AI.Enabled())
	assert.Empty(t, config.Bots)
}

func TestParseConfig_SeedDefaults(t *testing.T) {
	config, err := ParseConfig([]byte(`
bots:
  - token: "t1"
    active: false
`))
	require.NoError(t, err)
	require.Len(t, config.Bots, 1)
	assert.Equal(t, "bot-1", config.Bots[0].Name)
	assert.Equal(t, store.ModeLongPolling, config.Bots[0].Mode)
	assert.False(t, config.Bots[0].Record().Active)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown driver",
			content: "database:\n  driver: mysql\n",
			wantErr: "unsupported database driver",
		},
		{
			name:    "postgres without dsn",
			content: "database:\n  driver: postgres\n",
			wantErr: "database.dsn is required",
		},
		{
			name:    "retry base above max",
			content: "scheduler:\n  retry_base: 10m\n  retry_max: 1m\n",
			wantErr: "retry_base",
		},
		{
			name:    "negative batch size",
			content: "scheduler:\n  batch_size: -1\n",
			wantErr: "batch_size",
		},
		{
			name:    "ai without model",
			content: "ai:\n  base_url: http://localhost\n",
			wantErr: "ai.model is required",
		},
		{
			name:    "unknown ai provider",
			content: "ai:\n  provider: bard\n",
			wantErr: "ai.provider must be",
		},
		{
			name:    "acp without command",
			content: "ai:\n  provider: acp\n",
			wantErr: "ai.command is required",
		},
		{
			name:    "bot without token",
			content: "bots:\n  - name: a\n",
			wantErr: "token is required",
		},
		{
			name:    "unknown mode",
			content: "bots:\n  - token: t\n    mode: PUSH\n",
			wantErr: "unsupported mode",
		},
		{
			name:    "webhook without url",
			content: "bots:\n  - token: t\n    mode: WEBHOOK\n",
			wantErr: "webhook mode needs",
		},
		{
			name:    "duplicate id",
			content: "bots:\n  - id: 1\n    token: a\n  - id: 1\n    token: b\n",
			wantErr: "duplicate id",
		},
		{
			name:    "command without trigger",
			content: "bots:\n  - token: t\n    commands:\n      - name: x\n",
			wantErr: "trigger is required",
		},
		{
			name:    "plugin command without plugin",
			content: "bots:\n  - token: t\n    commands:\n      - trigger: /x\n        handler: plugin\n",
			wantErr: "needs a plugin name",
		},
		{
			name:    "unknown handler",
			content: "bots:\n  - token: t\n    commands:\n      - trigger: /x\n        handler: shell\n",
			wantErr: "unsupported handler",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWebhookURLFor(t *testing.T) {
	config := &Config{Webhook: WebhookConfig{Path: "/hooks", PublicURL: "https://x.io"}}

	assert.Equal(t, "https://x.io/hooks/3", config.WebhookURLFor(store.Bot{ID: 3}))
	assert.Equal(t, "https://own/url", config.WebhookURLFor(store.Bot{ID: 3, WebhookURL: "https://own/url"}))
	assert.Empty(t, (&Config{}).WebhookURLFor(store.Bot{ID: 3}))
}
