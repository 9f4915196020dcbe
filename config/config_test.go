// mediascribe/config/config_test.go
package config_test

import (
	"errors"
	"testing"
	"time"

	"mediascribe/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		t.Setenv("MEDIASCRIBE_PORT", "")
		t.Setenv("MEDIASCRIBE_MAX_CONCURRENCY", "")
		t.Setenv("MEDIASCRIBE_FF_TIMEOUT", "")
		t.Setenv("MEDIASCRIBE_MAX_INPUT_SIZE", "")
		t.Setenv("MEDIASCRIBE_WHISPER_FORMAT", "")

		cfg, err := config.Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "8000", cfg.Port)
		assert.Equal(t, 0, cfg.MaxConcurrency)
		assert.Equal(t, "ffmpeg", cfg.FFBin)
		assert.Equal(t, 12*time.Minute+3*time.Second, cfg.FFTimeout)
		assert.Equal(t, int64(2*1024*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, int64(1024*1024), cfg.DownloadChunkSize)
		assert.Equal(t, 3, cfg.DownloadAttempts)
		assert.Equal(t, 1500*time.Millisecond, cfg.DownloadBackoff)
		assert.Equal(t, 5*time.Second, cfg.TingwuPollInterval)
		assert.Equal(t, 3*time.Second, cfg.DoubaoPollInterval)
		assert.Equal(t, 2*time.Hour, cfg.PublicMediaTTL)
		assert.Equal(t, "json", cfg.WhisperFormat)
		assert.Equal(t, "local", cfg.DefaultEngine)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("MEDIASCRIBE_PORT", "9999")
		t.Setenv("MEDIASCRIBE_MAX_CONCURRENCY", "4")
		t.Setenv("MEDIASCRIBE_MAX_INPUT_SIZE", "50MB")
		t.Setenv("MEDIASCRIBE_DOUBAO_POLL_INTERVAL", "750ms")
		t.Setenv("MEDIASCRIBE_WHISPER_FORMAT", "TXT")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 4, cfg.MaxConcurrency)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, 750*time.Millisecond, cfg.DoubaoPollInterval)
		assert.Equal(t, "txt", cfg.WhisperFormat)
	})
}

func TestPublicBaseURL(t *testing.T) {
	cfg := &config.Config{Port: "8000"}
	assert.Equal(t, "http://127.0.0.1:8000", cfg.PublicBaseURL())

	cfg.BaseURL = "https://media.example.com/ "
	assert.Equal(t, "https://media.example.com", cfg.PublicBaseURL())
}

func TestRequired(t *testing.T) {
	v, err := config.Required("  key-123 ", "DOUBAO_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "key-123", v)

	_, err = config.Required("", "DOUBAO_API_KEY")
	var missing *config.MissingError
	require.True(t, errors.As(err, &missing))
	assert.False(t, missing.Placeholder)
	assert.Contains(t, err.Error(), "DOUBAO_API_KEY")

	_, err = config.Required("replace-me-with-your-key", "TINGWU_APP_KEY")
	require.True(t, errors.As(err, &missing))
	assert.True(t, missing.Placeholder)

	assert.Equal(t, "", config.Optional("change-me"))
	assert.Equal(t, "abc", config.Optional(" abc "))
}
