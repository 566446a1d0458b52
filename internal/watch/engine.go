package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"watchbot/internal/eventbus"
	"watchbot/internal/metrics"
	logx "watchbot/pkg/logx"
)

const DefaultFetchTimeout = 60 * time.Second

type Config struct {
	// Schedule is parsed by ParseSchedule. Empty means DefaultSchedule.
	Schedule string
	// FetchTimeout bounds one Data Source call. Zero means DefaultFetchTimeout.
	FetchTimeout time.Duration
}

type Deps struct {
	Store    ItemStore
	Source   DataSource
	Strategy Strategy
	Notifier Notifier

	Clock   clockwork.Clock
	Log     logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// Engine ties the registry, the scheduler and a strategy together.
type Engine struct {
	store    ItemStore
	source   DataSource
	strategy Strategy
	notifier Notifier

	clock   clockwork.Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	fetchTimeout atomic.Int64
	stopped      atomic.Bool

	// subLocks serialize store and registry changes per subscriber.
	subMu    sync.Mutex
	subLocks map[SubscriberID]*sync.Mutex

	registry *Registry
	sched    *Scheduler
}

func New(cfg Config, d Deps) (*Engine, error) {
	if d.Store == nil || d.Source == nil || d.Strategy == nil || d.Notifier == nil {
		return nil, errors.New("watch: store, source, strategy and notifier are required")
	}
	raw := cfg.Schedule
	if raw == "" {
		raw = DefaultSchedule
	}
	schedule, err := ParseSchedule(raw)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	log := d.Log.With(logx.String("comp", "watch"), logx.String("domain", d.Strategy.Name()))

	e := &Engine{
		store:    d.Store,
		source:   d.Source,
		strategy: d.Strategy,
		notifier: d.Notifier,
		clock:    d.Clock,
		log:      log,
		bus:      d.Bus,
		metrics:  d.Metrics,
		subLocks: map[SubscriberID]*sync.Mutex{},
		registry: NewRegistry(log),
	}
	e.setFetchTimeout(cfg.FetchTimeout)
	e.sched = NewScheduler(d.Clock, schedule, e.Tick, log)
	return e, nil
}

func (e *Engine) Registry() *Registry   { return e.registry }
func (e *Engine) Scheduler() *Scheduler { return e.sched }
func (e *Engine) Strategy() Strategy    { return e.strategy }

// Start rebuilds the registry from the store and arms the scheduler if anyone
// is watching something.
func (e *Engine) Start(ctx context.Context) error {
	e.sched.Start(ctx)

	ids, err := e.store.Subscribers(ctx)
	if err != nil {
		return fmt.Errorf("restore subscribers: %w", err)
	}
	for _, id := range ids {
		e.registry.Subscribe(id, e.reactionFor(id))
	}
	e.metrics.SetSubscribers(e.registry.Len())
	if len(ids) > 0 {
		e.sched.Arm()
	}
	e.log.Info("watch engine started", logx.Int("subscribers", len(ids)))
	return nil
}

// Stop halts polling. AddItem fails with ErrStopped afterwards.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopped.Store(true)
	err := e.sched.Stop(ctx)
	e.log.Info("watch engine stopped")
	return err
}

// Reconfigure applies a new schedule and fetch timeout.
func (e *Engine) Reconfigure(cfg Config) error {
	raw := cfg.Schedule
	if raw == "" {
		raw = DefaultSchedule
	}
	schedule, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	e.sched.SetSchedule(schedule)
	e.setFetchTimeout(cfg.FetchTimeout)
	e.log.Info("watch schedule updated", logx.String("schedule", raw))
	return nil
}

func (e *Engine) lockSubscriber(id SubscriberID) func() {
	e.subMu.Lock()
	l, ok := e.subLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.subLocks[id] = l
	}
	e.subMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) setFetchTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultFetchTimeout
	}
	e.fetchTimeout.Store(int64(d))
}

// Tick is one fetch-and-dispatch cycle. It returns false when there are no
// subscribers, which leaves the scheduler idle.
func (e *Engine) Tick(ctx context.Context) bool {
	if e.registry.Len() == 0 {
		e.sched.Cancel()
		e.metrics.Tick(metrics.TickIdle)
		e.log.Info("no subscribers registered, halting polling")
		return false
	}
	e.sched.Cancel()

	tickID := uuid.NewString()
	log := e.log.With(logx.String("tick", tickID))

	keys, err := e.fetchKeys(ctx)
	if err == nil {
		log.Debug("requesting update", logx.Int("keys", len(keys)))
		fctx, cancel := context.WithTimeout(ctx, time.Duration(e.fetchTimeout.Load()))
		start := e.clock.Now()
		var values map[string]float64
		values, err = e.source.Fetch(fctx, keys)
		cancel()
		e.metrics.ObserveFetch(e.clock.Since(start), len(keys))
		if err == nil {
			snap := NewSnapshot(values)
			res := e.registry.Dispatch(ctx, snap)
			e.metrics.Tick(metrics.TickDispatched)
			e.publish(eventbus.TypeTickCompleted, TickEvent{TickID: tickID, Keys: len(keys), Subscribers: res.Invoked})
			log.Debug("update dispatched",
				logx.Int("values", snap.Len()),
				logx.Int("subscribers", res.Invoked),
				logx.Int("failed", res.Failed),
			)
			return true
		}
	}

	// A failed tick never stops polling; the scheduler re-arms after we return.
	e.metrics.Tick(metrics.TickFetchError)
	e.publish(eventbus.TypeFetchFailed, TickEvent{TickID: tickID, Keys: len(keys), Err: err.Error()})
	log.Error("fetch failed", logx.Err(err))
	return true
}

func (e *Engine) fetchKeys(ctx context.Context) ([]string, error) {
	items, err := e.store.AllItemKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("read watched items: %w", err)
	}
	seen := make(map[string]struct{}, len(items))
	keys := make([]string, 0, len(items))
	for _, item := range items {
		k := e.strategy.FetchKey(item)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (e *Engine) reactionFor(id SubscriberID) Reaction {
	return ReactionFunc(func(ctx context.Context, snap Snapshot) error {
		return e.react(ctx, id, snap)
	})
}

// react diffs the subscriber's current items against snap. Invalid items are
// removed and reported; triggered items are reported and kept.
func (e *Engine) react(ctx context.Context, id SubscriberID, snap Snapshot) error {
	items, err := e.store.ItemsFor(ctx, id)
	if err != nil {
		return fmt.Errorf("read items: %w", err)
	}

	var invalid, triggered []string
	for _, item := range items {
		v, ok := snap.Lookup(e.strategy.FetchKey(item))
		switch {
		case !ok:
			invalid = append(invalid, item)
		case e.strategy.Triggered(item, v):
			triggered = append(triggered, item)
		}
	}

	log := e.log.With(logx.Int64("subscriber", id))
	log.Debug("checked items", logx.Strings("items", items), logx.Int("invalid", len(invalid)), logx.Int("triggered", len(triggered)))

	var errs []error
	for _, item := range invalid {
		if err := e.RemoveItem(ctx, id, item); err != nil {
			errs = append(errs, fmt.Errorf("remove invalid item %q: %w", item, err))
		}
	}
	if len(invalid) > 0 {
		e.metrics.Notification("invalid")
		e.publish(eventbus.TypeItemInvalid, ItemsEvent{Subscriber: id, Items: invalid})
		e.notify(ctx, log, id, e.strategy.InvalidMessage(invalid))
	}
	if len(triggered) > 0 {
		e.metrics.Notification("triggered")
		e.publish(eventbus.TypeItemTriggered, ItemsEvent{Subscriber: id, Items: triggered})
		log.Info("items triggered", logx.Strings("items", triggered))
		e.notify(ctx, log, id, e.strategy.TriggeredMessage(triggered))
	}
	return errors.Join(errs...)
}

// notify is fire-and-forget: delivery errors are logged and never undo state changes.
func (e *Engine) notify(ctx context.Context, log logx.Logger, id SubscriberID, text string) {
	if err := e.notifier.Notify(ctx, id, text); err != nil {
		log.Warn("notify failed", logx.Err(err))
	}
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.clock.Now(), Data: data})
}
