package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		config Config
	}{
		{
			name: "file output",
			config: Config{
				Level:      "info",
				File:       filepath.Join(dir, "botfleet.log"),
				MaxSize:    1,
				MaxBackups: 1,
				MaxAge:     1,
			},
		},
		{
			name:   "stdout only",
			config: Config{Level: "debug", EnableStdout: true},
		},
		{
			name:   "invalid level defaults to info",
			config: Config{Level: "invalid"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, InitLogger(tt.config))
			assert.NotNil(t, GetLogger())
		})
	}
}

func TestInitLogger_CreatesLogDirectory(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "nested", "logs")

	require.NoError(t, InitLogger(Config{Level: "info", File: filepath.Join(logDir, "bot.log")}))

	info, err := os.Stat(logDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLogLevelSetting(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			require.NoError(t, InitLogger(Config{Level: tt.level}))
			assert.Equal(t, tt.expected, GetLogger().GetLevel())
		})
	}
}

func TestFormatterSetting(t *testing.T) {
	require.NoError(t, InitLogger(Config{Level: "debug"}))
	assert.IsType(t, &logrus.TextFormatter{}, GetLogger().Formatter)

	require.NoError(t, InitLogger(Config{Level: "info"}))
	assert.IsType(t, &logrus.JSONFormatter{}, GetLogger().Formatter)
}

func TestGetLogger_ReturnsSameInstance(t *testing.T) {
	assert.Same(t, GetLogger(), GetLogger())
}

func TestScopedEntries(t *testing.T) {
	require.NoError(t, InitLogger(Config{Level: "info"}))
	var buf bytes.Buffer
	SetOutput(&buf)

	WithBot(42).Info("bot-started")
	WithPlugin("echo").Warn("plugin-slow")
	WithFields(logrus.Fields{"chat_id": "100"}).Info("message-sent")
	Debug("hidden-at-info")

	out := buf.String()
	assert.Contains(t, out, `"bot_id":42`)
	assert.Contains(t, out, `"plugin":"echo"`)
	assert.Contains(t, out, `"chat_id":"100"`)
	assert.NotContains(t, out, "hidden-at-info")
}
