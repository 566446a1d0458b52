// Package app wires config, transport, the watch engine and the supporting
// services into one runnable bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"watchbot/internal/config"
	"watchbot/internal/eventbus"
	"watchbot/internal/metrics"
	"watchbot/internal/notifier"
	"watchbot/internal/ops"
	"watchbot/internal/provider/availability"
	"watchbot/internal/provider/httpfetch"
	"watchbot/internal/provider/price"
	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/storage"
	kit "watchbot/internal/transport"
	telegram "watchbot/internal/transport/telegram/adapter"
	"watchbot/internal/transport/telegram/router"
	"watchbot/internal/watch"
	logx "watchbot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type Option func(*options)

type options struct {
	adapter kit.Adapter
	clock   clockwork.Clock
}

// WithAdapter replaces the Telegram adapter built from config.
func WithAdapter(a kit.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithClock drives the watch scheduler from c.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store

	adapter kit.Adapter
	engine  *watch.Engine
	notif   *notifier.Service
	router  *router.Router
	ops     *ops.Service

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		tg, err := telegram.New(tc, bootLog)
		if err != nil {
			return nil, err
		}
		ad = tg
	}
	sender := kit.Sender{Adapter: ad}

	// Start with chat forwarding off, set the target, then apply the real
	// config so Apply never sees an enabled chat without a target.
	lc := mapLogConfig(cfg)
	boot := lc
	boot.Chat.Enabled = false
	logSvc, log := logx.New(boot, sender)
	if id, ok := logChatID(cfg); ok {
		logSvc.SetChatTarget(id, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(lc)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	m := metrics.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	closeStore := func() { _ = store.Close() }

	source, strategy, err := buildDomain(cfg, log, m)
	if err != nil {
		closeStore()
		return nil, err
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	notif := notifier.New(nc, sender, log.With(logx.String("comp", "notifier")), bus, m)

	wc, err := mapWatchConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	clock := o.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	eng, err := watch.New(wc, watch.Deps{
		Store:    store,
		Source:   source,
		Strategy: strategy,
		Notifier: notif,
		Clock:    clock,
		Log:      log,
		Bus:      bus,
		Metrics:  m,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	rt := router.New(router.Config{
		Timeout:        2 * time.Minute,
		AllowedUserIDs: cfg.Telegram.OwnerUserIDs,
	}, ad, eng, log.With(logx.String("comp", "router")), m)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		store:   store,
		adapter: ad,
		engine:  eng,
		notif:   notif,
		router:  rt,
		updates: make(chan kit.Update, 256),
	}
	a.ops = ops.New(mapOpsConfig(cfg), ops.Deps{
		Metrics: m.Handler(),
		Health:  a.Health,
	}, log.With(logx.String("comp", "ops")))
	log.Info("app built",
		logx.String("domain", strategy.Name()),
		logx.String("storage", sc.Driver),
		logx.String("schedule", cfg.Watch.Schedule),
	)
	return a, nil
}

func buildDomain(cfg *config.Config, log logx.Logger, m *metrics.Metrics) (watch.DataSource, watch.Strategy, error) {
	hc, err := mapFetchConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	client := httpfetch.New(hc, log.With(logx.String("comp", "httpfetch")), m)

	switch cfg.Domain() {
	case config.DomainAvailability:
		ac, err := mapAvailabilityConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		return availability.NewSource(ac, client, log), availability.NewStrategy(ac), nil
	case config.DomainPrice:
		return price.NewSource(mapPriceConfig(cfg), client, log), price.NewStrategy(), nil
	default:
		return nil, nil, fmt.Errorf("unknown watch domain %q", cfg.Watch.Domain)
	}
}

func (a *App) Engine() *watch.Engine  { return a.engine }
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Health reports liveness for the ops server.
func (a *App) Health() ops.Health {
	h := ops.Health{
		Scheduler:   a.engine.Scheduler().State().String(),
		Subscribers: a.engine.Registry().Len(),
		Goroutines:  map[string]rtsup.Counters{},
	}
	if at, ok := a.engine.Scheduler().NextAt(); ok {
		h.NextTickAt = &at
	}
	if a.sup != nil {
		h.OK = a.sup.Context().Err() == nil && a.sup.Err() == nil
		h.Goroutines["app"] = a.sup.Counters()
	}
	if sup := a.notif.Supervisor(); sup != nil {
		h.Goroutines["notifier"] = sup.Counters()
	}
	if sup := a.router.Supervisor(); sup != nil {
		h.Goroutines["router"] = sup.Counters()
	}
	if sp, ok := a.adapter.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		if sup := sp.Supervisor(); sup != nil {
			h.Goroutines["telegram.adapter"] = sup.Counters()
		}
	}
	return h
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.ops.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Debug only; ticks are frequent.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = drainLatest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log, a.Health)
	})

	a.log.Info("app started")
	return nil
}

// drainLatest coalesces a burst of reloads into the newest one.
func drainLatest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes the hot-reloadable sections of next into running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(prev, next, sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	if id, ok := logChatID(next); ok {
		a.logs.SetChatTarget(id, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetChatTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(next))

	if wc, err := mapWatchConfig(next); err != nil {
		a.log.Warn("invalid watch config; keeping previous", logx.Err(err))
	} else if err := a.engine.Reconfigure(wc); err != nil {
		a.log.Warn("watch reconfigure failed", logx.Err(err))
	}

	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasEnabled && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component can't stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("watch", 2*time.Second, a.engine.Stop)
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
