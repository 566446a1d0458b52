package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "watchbot/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  group_log: "-100200300"
logging:
  level: info
  console: true
watch:
  domain: price
  schedule: 5m
  fetch_timeout: 30s
price:
  selectors: ["#buybox .offer-price"]
notifier:
  enabled: true
  dedup_window: 0s
storage:
  driver: sqlite
  path: ./watchbot.db
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecode_YAMLAndJSON(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, DomainPrice, cfg.Domain())
	assert.Equal(t, []string{"#buybox .offer-price"}, cfg.Price.Selectors)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.NoError(t, cfg.Validate())

	cfg, err = Decode("config", []byte(`{"telegram":{"token":"t"},"watch":{"domain":"availability"}}`))
	require.NoError(t, err)
	assert.Equal(t, DomainAvailability, cfg.Domain())
}

func TestDecode_Strict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"telegram":{"token":"t"},"bogus":1}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{"telegram":{"token":"t"}}{}`))
	require.Error(t, err)

	_, err = Decode("c.yaml", []byte("watch:\n  domian: price\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token is required"},
		{"bad domain", func(c *Config) { c.Watch.Domain = "weather" }, "unknown domain"},
		{"bad group log", func(c *Config) { c.Telegram.GroupLog = "ops" }, "telegram.group_log"},
		{"webhook without url", func(c *Config) {
			c.Telegram.Mode = ModeWebhook
			c.Telegram.Webhook.Listen = ":8080"
		}, "telegram.webhook.public_url"},
		{"bad duration", func(c *Config) { c.Watch.FetchTimeout = "soon" }, "watch.fetch_timeout"},
		{"file store without path", func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, "storage.path is required"},
		{"unknown store", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "unknown driver"},
		{"negative dedup", func(c *Config) { c.Notifier = &NotifierConfig{DedupWindow: "-1s"} }, "notifier.dedup_window"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Telegram: TelegramConfig{Token: "t"}, Watch: WatchConfig{Domain: "availability"}}
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestManager_LoadRunsValidator(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewManager(p)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Watch.Schedule == "5m" {
			return assert.AnError
		}
		return nil
	})
	_, err := m.Load(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, m.Get())

	m.SetValidator(nil)
	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
}

func TestManager_WatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewManager(p)
	m.SetLogger(logx.Nop())
	m.debounce = 10 * time.Millisecond
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	writeFile(t, dir, "config.yaml", "telegram: {token: ''}\n")
	time.Sleep(150 * time.Millisecond)
	select {
	case cfg := <-updates:
		t.Fatalf("unexpected publish: %+v", cfg)
	default:
	}

	changedYAML := sampleYAML + "ops:\n  enabled: true\n"
	writeFile(t, dir, "config.yaml", changedYAML)
	select {
	case cfg := <-updates:
		assert.True(t, cfg.Ops.Enabled)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	<-done
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Watch: WatchConfig{Domain: "price", Schedule: "5m"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Watch: WatchConfig{Domain: "price", Schedule: "1m"},
		Storage: &StorageConfig{Driver: "sqlite", Path: "x.db"}}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"storage", "telegram", "watch"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage", "telegram"}, RestartRequired(oldCfg, newCfg, changed))

	newCfg = &Config{Telegram: oldCfg.Telegram, Watch: WatchConfig{Domain: "availability", Schedule: "5m"}}
	changed, _ = SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"watch"}, changed)
	assert.Equal(t, []string{"watch.domain"}, RestartRequired(oldCfg, newCfg, changed))

	changed, _ = SummarizeChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationOrDefault("x", "-1s", time.Minute)
	require.Error(t, err)
}
