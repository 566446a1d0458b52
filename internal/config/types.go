package config

// Config is the on-disk shape of watchbot's config file (JSON or YAML).
// Durations are Go duration strings ("500ms", "10s", "5m").
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Watch        WatchConfig        `json:"watch"`
	Availability AvailabilityConfig `json:"availability,omitempty"`
	Price        PriceConfig        `json:"price,omitempty"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Storage defaults to the in-memory driver when omitted.
	Storage *StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig      `json:"ops,omitempty"`
}

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"

	DomainAvailability = "availability"
	DomainPrice        = "price"
)

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog is the chat id that receives forwarded log lines.
	GroupLog    string        `json:"group_log,omitempty"`
	PollTimeout string        `json:"poll_timeout,omitempty"`
	Mode        string        `json:"mode,omitempty"` // polling (default) | webhook
	Webhook     WebhookConfig `json:"webhook,omitempty"`
}

type WebhookConfig struct {
	Listen      string `json:"listen,omitempty"`     // e.g. ":8080"
	PublicURL   string `json:"public_url,omitempty"` // URL registered with Telegram
	SecretToken string `json:"secret_token,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// WatchConfig selects the watched domain and the polling cadence.
//
// Schedule accepts an interval ("5m", "every:30s", "00:05") or a cron
// expression ("cron:*/5 * * * *", "@hourly").
type WatchConfig struct {
	Domain       string `json:"domain"`
	Schedule     string `json:"schedule,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

type AvailabilityConfig struct {
	URL        string `json:"url,omitempty"`
	Form       string `json:"form,omitempty"`
	BookingURL string `json:"booking_url,omitempty"`
}

type PriceConfig struct {
	Selectors      []string `json:"selectors,omitempty"`
	UserAgent      string   `json:"user_agent,omitempty"`
	Concurrency    int      `json:"concurrency,omitempty"`
	RequestTimeout string   `json:"request_timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// A zero dedup_window disables dedup.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// StorageConfig selects the item store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./watchbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the health/metrics/pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback address needs a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
