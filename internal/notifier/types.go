package notifier

import (
	"context"
	"time"
)

// Sender delivers one text message to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, chatID int64, text string) error

func (f SenderFunc) SendText(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// DefaultConfig returns an enabled pipeline with dedup off.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      20,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		SendTimeout:     10 * time.Second,
		DedupMaxEntries: 2000,
	}
}

// Event is the Data payload of notifier events on the bus.
type Event struct {
	ChatID  int64     `json:"chat_id"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
}
