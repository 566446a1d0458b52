package config

import (
	"reflect"
	"sort"
	"strings"

	logx "watchbot/pkg/logx"
)

// Sections that apply without a restart.
var hotSections = map[string]bool{
	"logging":  true,
	"notifier": true,
	"watch":    true,
	"ops":      true,
}

// SummarizeChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.Mode != nt.Mode ||
		ot.Webhook != nt.Webhook {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.mode", nt.Mode),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.domain", newCfg.Domain()),
			logx.String("watch.schedule", newCfg.Watch.Schedule),
			logx.String("watch.fetch_timeout", newCfg.Watch.FetchTimeout),
		)
	}

	if oldCfg.Availability != newCfg.Availability {
		changed = append(changed, "availability")
		attrs = append(attrs, logx.String("availability.url", newCfg.Availability.URL))
	}
	if !reflect.DeepEqual(oldCfg.Price, newCfg.Price) {
		changed = append(changed, "price")
		attrs = append(attrs, logx.Int("price.selector_count", len(newCfg.Price.Selectors)))
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.String("notifier.dedup_window", nn.DedupWindow),
		)
	}

	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo != no {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", no.Token != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed sections down to those that only take
// effect after a restart. A domain switch inside watch counts too.
func RestartRequired(oldCfg, newCfg *Config, changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	if oldCfg != nil && newCfg != nil && oldCfg.Domain() != newCfg.Domain() {
		out = append(out, "watch.domain")
	}
	return out
}

// DefaultNotifier is what an omitted notifier section means.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{Enabled: true}
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{Driver: "memory"}
	}
	return *s
}
