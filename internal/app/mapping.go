package app

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"watchbot/internal/config"
	"watchbot/internal/notifier"
	"watchbot/internal/ops"
	"watchbot/internal/provider/availability"
	"watchbot/internal/provider/httpfetch"
	"watchbot/internal/provider/price"
	"watchbot/internal/storage"
	telegram "watchbot/internal/transport/telegram/adapter"
	"watchbot/internal/watch"
	logx "watchbot/pkg/logx"
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:              strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout:        pollTimeout,
		Mode:               strings.ToLower(strings.TrimSpace(cfg.Telegram.Mode)),
		WebhookListen:      cfg.Telegram.Webhook.Listen,
		WebhookPublicURL:   cfg.Telegram.Webhook.PublicURL,
		WebhookSecretToken: cfg.Telegram.Webhook.SecretToken,
	}, nil
}

// mapLogConfig keeps chat forwarding off when no target chat is configured,
// so Apply doesn't warn about a missing target.
func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if _, ok := logChatID(cfg); !ok {
		lc.Chat.Enabled = false
	}
	return lc
}

func logChatID(cfg *config.Config) (int64, bool) {
	g := strings.TrimSpace(cfg.Telegram.GroupLog)
	if g == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(g, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func mapWatchConfig(cfg *config.Config) (watch.Config, error) {
	fetchTimeout, err := config.ParseDurationOrDefault("watch.fetch_timeout", cfg.Watch.FetchTimeout, watch.DefaultFetchTimeout)
	if err != nil {
		return watch.Config{}, err
	}
	wc := watch.Config{Schedule: strings.TrimSpace(cfg.Watch.Schedule), FetchTimeout: fetchTimeout}
	raw := wc.Schedule
	if raw == "" {
		raw = watch.DefaultSchedule
	}
	if _, err := watch.ParseSchedule(raw); err != nil {
		return watch.Config{}, fmt.Errorf("watch.schedule: %w", err)
	}
	return wc, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	def := notifier.DefaultConfig()
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, def.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, def.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, def.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		SendTimeout:     def.SendTimeout,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: nc.DedupMaxEntries,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          strings.TrimSpace(cfg.Ops.Addr),
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
	}
}

// mapAvailabilityConfig decodes the urlencoded form body. Repeated keys keep
// the first value.
func mapAvailabilityConfig(cfg *config.Config) (availability.Config, error) {
	ac := availability.Config{
		URL:        strings.TrimSpace(cfg.Availability.URL),
		BookingURL: strings.TrimSpace(cfg.Availability.BookingURL),
	}
	if raw := strings.TrimSpace(cfg.Availability.Form); raw != "" {
		vals, err := url.ParseQuery(raw)
		if err != nil {
			return availability.Config{}, fmt.Errorf("availability.form: %w", err)
		}
		ac.Form = make(map[string]string, len(vals))
		for k, v := range vals {
			if len(v) > 0 {
				ac.Form[k] = v[0]
			}
		}
	}
	return ac, nil
}

func mapFetchConfig(cfg *config.Config) (httpfetch.Config, error) {
	hc := httpfetch.Config{}
	if cfg.Domain() != config.DomainPrice {
		return hc, nil
	}
	timeout, err := config.ParseDurationOrDefault("price.request_timeout", cfg.Price.RequestTimeout, httpfetch.DefaultTimeout)
	if err != nil {
		return httpfetch.Config{}, err
	}
	hc.Timeout = timeout
	hc.UserAgent = cfg.Price.UserAgent
	hc.Concurrency = cfg.Price.Concurrency
	return hc, nil
}

func mapPriceConfig(cfg *config.Config) price.Config {
	return price.Config{Selectors: cfg.Price.Selectors}
}

// Validate runs the checks Config.Validate can't do on its own, so a hot
// reload that would fail to apply is rejected before commit.
func Validate(cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if cfg.Domain() == config.DomainAvailability {
		if _, err := mapAvailabilityConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}
