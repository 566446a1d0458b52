package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"watchbot/internal/eventbus"
	"watchbot/internal/metrics"
	rtsup "watchbot/internal/runtime/supervisor"
	logx "watchbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	chatID int64
	text   string
	key    string
}

// Service implements the async pipeline: queue + worker pool + rate limit +
// retry + dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  Sender
	bus     eventbus.Bus
	metrics *metrics.Metrics

	cfg     Config
	limiter *rate.Limiter
	dedup   *lru.Cache // key -> suppress until (time.Time)

	accepting bool
	enqueueWG sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:  sender,
		log:     log,
		bus:     bus,
		metrics: m,
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor, nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps limits and dedup settings. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = def.RatePerSec
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = def.DedupMaxEntries
	}

	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	if s.dedup == nil {
		// lru.New only fails for non-positive sizes.
		s.dedup, _ = lru.New(cfg.DedupMaxEntries)
	} else {
		s.dedup.Resize(cfg.DedupMaxEntries)
	}
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A failing worker must not take the bot down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			if s.stopping() {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes so workers can drain.
		s.enqueueWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues text for chatID. It returns ErrQueueFull instead of blocking.
func (s *Service) Notify(ctx context.Context, chatID int64, text string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	key := dedupKey(chatID, text)
	if window > 0 && !s.dedupAllow(key, window) {
		s.metrics.NotifierSend("deduped")
		s.publish(eventbus.TypeNotifyDeduped, Event{ChatID: chatID, Key: key})
		return nil
	}

	select {
	case q <- job{chatID: chatID, text: text, key: key}:
		return nil
	default:
		s.metrics.NotifierSend("dropped")
		s.publish(eventbus.TypeNotifyDropped, Event{ChatID: chatID, Key: key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return
	}
	log := s.log.With(logx.Int64("chat_id", j.chatID))

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sender.SendText(callCtx, j.chatID, j.text)
		cancel()
		if err == nil {
			s.metrics.NotifierSend("sent")
			s.publish(eventbus.TypeNotifySent, Event{ChatID: j.chatID, Key: j.key, Attempt: attempt})
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	log.Warn("notify failed", logx.Err(lastErr), logx.Int("attempts", maxAttempts))
	s.metrics.NotifierSend("failed")
	s.publish(eventbus.TypeNotifyFailed, Event{ChatID: j.chatID, Key: j.key, Attempt: maxAttempts, Error: lastErr.Error()})
}

func (s *Service) publish(typ string, e Event) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	e.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: e})
}

func dedupKey(chatID int64, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(chatID, 10)))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}

// dedupAllow reports whether key is outside its suppression window and, if so,
// opens a new one. The LRU bounds memory; evicted keys are simply allowed again.
func (s *Service) dedupAllow(key string, window time.Duration) bool {
	s.mu.Lock()
	cache := s.dedup
	s.mu.Unlock()

	now := time.Now()
	if v, ok := cache.Get(key); ok {
		if until, _ := v.(time.Time); now.Before(until) {
			return false
		}
	}
	cache.Add(key, now.Add(window))
	return true
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	maxD := cfg.RetryMaxDelay
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
