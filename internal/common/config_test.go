package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "crawler_tasks", cfg.Queue.QueueName)
	assert.Equal(t, 3, cfg.Queue.MaxDeliver)
	assert.Equal(t, 100000, cfg.Queue.MaxMessages)
	assert.Equal(t, "5m", cfg.Queue.DedupWindow)
	assert.Equal(t, 50, cfg.Crawler.MaxPages)
	assert.Equal(t, 14, cfg.Crawler.DedupTTLDays)
	assert.Equal(t, 3, cfg.Crawler.SimhashMaxHamming)
	assert.Equal(t, "strict", cfg.Crawler.VariableMode)
	assert.Equal(t, 5, cfg.Browser.PoolSize)
	assert.Equal(t, "0 0 1,15 * *", cfg.Scheduler.DefaultSchedule)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFiles_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "venari.toml")
	content := `
[queue]
queue_name = "custom_tasks"
max_deliver = 5

[crawler]
max_pages = 10
variable_mode = "lenient"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, "custom_tasks", cfg.Queue.QueueName)
	assert.Equal(t, 5, cfg.Queue.MaxDeliver)
	assert.Equal(t, 10, cfg.Crawler.MaxPages)
	assert.Equal(t, "lenient", cfg.Crawler.VariableMode)
	// Untouched values keep defaults
	assert.Equal(t, "5m", cfg.Queue.DedupWindow)
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "venari.toml")
	require.NoError(t, os.WriteFile(path, []byte("[queue]\nqueue_name = \"from_file\"\n"), 0644))

	t.Setenv("VENARI_QUEUE_NAME", "from_env")
	t.Setenv("VENARI_BROWSER_POOL_SIZE", "2")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, "from_env", cfg.Queue.QueueName)
	assert.Equal(t, 2, cfg.Browser.PoolSize)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles("/nonexistent/venari.toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestConfigValidate_BadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad poll interval", func(c *Config) { c.Queue.PollInterval = "soon" }},
		{"zero max deliver", func(c *Config) { c.Queue.MaxDeliver = 0 }},
		{"bad variable mode", func(c *Config) { c.Crawler.VariableMode = "loose" }},
		{"max pages above cap", func(c *Config) { c.Crawler.MaxPages = MaxPagesHardCap + 1 }},
		{"negative hamming", func(c *Config) { c.Crawler.SimhashMaxHamming = -1 }},
		{"zero pool size", func(c *Config) { c.Browser.PoolSize = 0 }},
		{"bad default schedule", func(c *Config) { c.Scheduler.DefaultSchedule = "every fortnight" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateCronSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		wantErr  bool
	}{
		{"five field standard", "0 0 1,15 * *", false},
		{"six field with seconds", "30 0 0 * * *", false},
		{"step form", "*/5 * * * *", false},
		{"range form", "0 9-17 * * *", false},
		{"named weekday", "0 0 * * MON", false},
		{"empty", "", true},
		{"garbage", "every tuesday", true},
		{"too many fields", "0 0 0 0 0 0 0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCronSchedule(tt.schedule)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWorkerConcurrency_DerivedFromBrowserPool(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Queue.Concurrency = 0
	cfg.Browser.PoolSize = 3
	cfg.Browser.ContextsPerBrowser = 4
	assert.Equal(t, 12, cfg.WorkerConcurrency())

	cfg.Queue.Concurrency = 7
	assert.Equal(t, 7, cfg.WorkerConcurrency())
}

func TestGetDurationAccessors(t *testing.T) {
	cfg := NewDefaultConfig()

	poll, err := cfg.Queue.GetPollInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Second, poll)

	ackWait, err := cfg.Queue.GetAckWait()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, ackWait)

	tick, err := cfg.Scheduler.GetTickInterval()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, tick)
}
