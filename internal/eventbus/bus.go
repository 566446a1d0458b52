package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the watch engine and the notifier.
const (
	TypeTickCompleted = "watch.tick.completed"
	TypeFetchFailed   = "watch.fetch.failed"
	TypeItemInvalid   = "watch.item.invalid"
	TypeItemTriggered = "watch.item.triggered"
	TypeSubscribed    = "watch.subscribed"
	TypeUnsubscribed  = "watch.unsubscribed"

	TypeNotifySent    = "notifier.sent"
	TypeNotifyFailed  = "notifier.failed"
	TypeNotifyDropped = "notifier.dropped"
	TypeNotifyDeduped = "notifier.deduped"
)

// Event is a small in-memory signal. Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Send under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
