package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrClosed    = errors.New("storage closed")
	ErrEmptyItem = errors.New("item key is empty")
)

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "badger".
// Path is a file for file/sqlite and a directory for badger.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the subscriber -> watched items mapping.
type Store interface {
	ItemsFor(ctx context.Context, subscriberID int64) ([]string, error)
	AllItemKeys(ctx context.Context) ([]string, error)
	Subscribers(ctx context.Context) ([]int64, error)
	Upsert(ctx context.Context, subscriberID int64, item string) error
	Remove(ctx context.Context, subscriberID int64, item string) error
	Clear(ctx context.Context, subscriberID int64) error
	Close() error
}

func checkItem(item string) error {
	if strings.TrimSpace(item) == "" {
		return ErrEmptyItem
	}
	return nil
}
