package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Validate checks fields that can be verified without touching the network.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if g := strings.TrimSpace(c.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: chat id %q is not an integer", g))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Telegram.Mode)) {
	case "", ModePolling:
	case ModeWebhook:
		if strings.TrimSpace(c.Telegram.Webhook.Listen) == "" {
			errs = append(errs, errors.New("telegram.webhook.listen is required in webhook mode"))
		}
		if err := checkURL("telegram.webhook.public_url", c.Telegram.Webhook.PublicURL); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("telegram.mode: unknown mode %q", c.Telegram.Mode))
	}

	switch c.Domain() {
	case DomainAvailability:
		if u := strings.TrimSpace(c.Availability.URL); u != "" {
			if err := checkURL("availability.url", u); err != nil {
				errs = append(errs, err)
			}
		}
	case DomainPrice:
		if c.Price.Concurrency < 0 {
			errs = append(errs, errors.New("price.concurrency must be >= 0"))
		}
		if _, err := ParseDurationField("price.request_timeout", c.Price.RequestTimeout); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("watch.domain: unknown domain %q", c.Watch.Domain))
	}
	if _, err := ParseDurationField("watch.fetch_timeout", c.Watch.FetchTimeout); err != nil {
		errs = append(errs, err)
	}

	if n := c.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory":
		case "file", "sqlite", "badger":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Domain returns the normalized watch domain, defaulting to availability.
func (c *Config) Domain() string {
	d := strings.ToLower(strings.TrimSpace(c.Watch.Domain))
	if d == "" {
		return DomainAvailability
	}
	return d
}

func checkURL(path, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: %q is not an http(s) URL", path, raw)
	}
	return nil
}
