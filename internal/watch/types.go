package watch

import (
	"context"
	"errors"
	"sort"
)

// SubscriberID identifies a chat. Storage drivers use plain int64.
type SubscriberID = int64

var (
	// ErrInvalidItem marks command input that does not describe a watchable item.
	ErrInvalidItem = errors.New("invalid item")
	// ErrStopped is returned when adding items to an engine that was stopped.
	ErrStopped = errors.New("watch engine stopped")
)

// InvalidItemError carries the user-facing reason an item could not be parsed.
type InvalidItemError struct {
	Reason string
}

func (e *InvalidItemError) Error() string        { return e.Reason }
func (e *InvalidItemError) Is(target error) bool { return target == ErrInvalidItem }

// InvalidItem builds an *InvalidItemError.
func InvalidItem(reason string) error { return &InvalidItemError{Reason: reason} }

// ItemStore is the durable subscriber -> items mapping. It is the source of truth
// and is re-read on every tick.
type ItemStore interface {
	ItemsFor(ctx context.Context, id SubscriberID) ([]string, error)
	AllItemKeys(ctx context.Context) ([]string, error)
	Subscribers(ctx context.Context) ([]SubscriberID, error)
	Upsert(ctx context.Context, id SubscriberID, item string) error
	Remove(ctx context.Context, id SubscriberID, item string) error
	Clear(ctx context.Context, id SubscriberID) error
}

// DataSource returns the current value for each key it can resolve. Keys it
// cannot resolve are simply absent from the result.
type DataSource interface {
	Fetch(ctx context.Context, keys []string) (map[string]float64, error)
}

type Notifier interface {
	Notify(ctx context.Context, id SubscriberID, text string) error
}

// Strategy adapts the engine to one watch domain.
type Strategy interface {
	Name() string
	// FetchKey maps a watched item to the key it resolves against in a Snapshot.
	FetchKey(item string) string
	// Triggered reports whether value satisfies the condition encoded in item.
	Triggered(item string, value float64) bool
	InvalidMessage(items []string) string
	TriggeredMessage(items []string) string
	// ParseItem turns command arguments into a canonical item key. Failures
	// return an *InvalidItemError.
	ParseItem(args string) (string, error)
	ExampleItem() string
	StartMessage() string
	HelpMessage() string
}

// Snapshot is the immutable result of one fetch. It is shared read-only by all
// reactions of a tick.
type Snapshot struct {
	values map[string]float64
}

// NewSnapshot copies values so later writes by the caller are not observed.
func NewSnapshot(values map[string]float64) Snapshot {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Snapshot{values: cp}
}

func (s Snapshot) Lookup(key string) (float64, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s Snapshot) Len() int { return len(s.values) }

func (s Snapshot) Keys() []string {
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CommandName is a parsed chat command.
type CommandName string

const (
	CmdStart  CommandName = "start"
	CmdHelp   CommandName = "help"
	CmdStatus CommandName = "status"
	CmdClear  CommandName = "clear"
	CmdPoll   CommandName = "poll"
	CmdStop   CommandName = "stop"
)

type Command struct {
	Name CommandName
	Args string
}

// TickEvent is published on the event bus after every tick that reached the
// data source.
type TickEvent struct {
	TickID      string
	Keys        int
	Subscribers int
	Err         string
}

// ItemsEvent is published when a subscriber's items are reported invalid or triggered.
type ItemsEvent struct {
	TickID     string
	Subscriber SubscriberID
	Items      []string
}
