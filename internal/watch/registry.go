package watch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	logx "watchbot/pkg/logx"
)

// Reaction is a subscriber's response to a tick's snapshot.
type Reaction interface {
	React(ctx context.Context, snap Snapshot) error
}

type ReactionFunc func(ctx context.Context, snap Snapshot) error

func (f ReactionFunc) React(ctx context.Context, snap Snapshot) error { return f(ctx, snap) }

// Registry maps subscribers to their reaction. An entry exists iff the
// subscriber owns at least one watched item; the Engine keeps that in sync.
type Registry struct {
	log logx.Logger

	mu      sync.RWMutex
	entries map[SubscriberID]Reaction
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, entries: map[SubscriberID]Reaction{}}
}

// Subscribe registers r for id. It is a no-op returning false if id is already subscribed.
func (r *Registry) Subscribe(id SubscriberID, reaction Reaction) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	r.entries[id] = reaction
	return true
}

// Unsubscribe removes id. It is a no-op returning false if id is absent.
func (r *Registry) Unsubscribe(id SubscriberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) IsSubscribed(id SubscriberID) bool {
	r.mu.RLock()
	_, ok := r.entries[id]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the subscribed ids in ascending order.
func (r *Registry) IDs() []SubscriberID {
	r.mu.RLock()
	out := make([]SubscriberID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DispatchResult summarizes one Dispatch call.
type DispatchResult struct {
	Invoked int
	Failed  int
}

// Dispatch invokes every registered reaction with snap, each in its own
// goroutine, and waits for all of them. A failing or panicking reaction does
// not affect the others. Reactions may (un)subscribe while running.
func (r *Registry) Dispatch(ctx context.Context, snap Snapshot) DispatchResult {
	r.mu.RLock()
	targets := make(map[SubscriberID]Reaction, len(r.entries))
	for id, fn := range r.entries {
		targets[id] = fn
	}
	r.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	for id, fn := range targets {
		wg.Add(1)
		go func(id SubscriberID, fn Reaction) {
			defer wg.Done()
			if err := r.invoke(ctx, fn, snap); err != nil {
				failed.Add(1)
				r.log.Error("reaction failed", logx.Int64("subscriber", id), logx.Err(err))
			}
		}(id, fn)
	}
	wg.Wait()
	return DispatchResult{Invoked: len(targets), Failed: int(failed.Load())}
}

func (r *Registry) invoke(ctx context.Context, fn Reaction, snap Snapshot) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn.React(ctx, snap)
}
