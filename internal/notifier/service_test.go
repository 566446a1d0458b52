package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/eventbus"
	logx "watchbot/pkg/logx"
)

type delivery struct {
	chatID int64
	text   string
}

type recordingSender struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	got       []delivery
}

func (r *recordingSender) SendText(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failFirst {
		return errors.New("telegram unavailable")
	}
	r.got = append(r.got, delivery{chatID: chatID, text: text})
	return nil
}

func (r *recordingSender) delivered() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func (r *recordingSender) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSec = 1000
	cfg.RetryBase = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	return cfg
}

func startService(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), bus, nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotify_Delivers(t *testing.T) {
	sender := &recordingSender{}
	s := startService(t, fastConfig(), sender, nil)

	require.NoError(t, s.Notify(context.Background(), 42, "Places found for date 2018-07-10."))
	require.Eventually(t, func() bool { return len(sender.delivered()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, delivery{chatID: 42, text: "Places found for date 2018-07-10."}, sender.delivered()[0])
}

func TestNotify_RetriesThenSucceeds(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	sender := &recordingSender{failFirst: 2}
	s := startService(t, fastConfig(), sender, bus)

	require.NoError(t, s.Notify(context.Background(), 7, "hello"))
	select {
	case e := <-events:
		assert.Equal(t, eventbus.TypeNotifySent, e.Type)
		ev, ok := e.Data.(Event)
		require.True(t, ok)
		assert.Equal(t, 3, ev.Attempt)
	case <-time.After(time.Second):
		t.Fatal("no sent event")
	}
	assert.Equal(t, 3, sender.callCount())
}

func TestNotify_GivesUpAndPublishesFailure(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	cfg := fastConfig()
	cfg.RetryMax = 1
	sender := &recordingSender{failFirst: 100}
	s := startService(t, cfg, sender, bus)

	require.NoError(t, s.Notify(context.Background(), 7, "hello"))
	select {
	case e := <-events:
		assert.Equal(t, eventbus.TypeNotifyFailed, e.Type)
		ev, ok := e.Data.(Event)
		require.True(t, ok)
		assert.Equal(t, "telegram unavailable", ev.Error)
	case <-time.After(time.Second):
		t.Fatal("no failed event")
	}
	assert.Equal(t, 2, sender.callCount())
}

func TestNotify_DedupWindowOffDeliversRepeats(t *testing.T) {
	sender := &recordingSender{}
	s := startService(t, fastConfig(), sender, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Notify(context.Background(), 1, "same"))
	}
	require.Eventually(t, func() bool { return len(sender.delivered()) == 3 }, time.Second, time.Millisecond)
}

func TestNotify_DedupWindowSuppressesRepeats(t *testing.T) {
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	sender := &recordingSender{}
	s := startService(t, cfg, sender, nil)

	require.NoError(t, s.Notify(context.Background(), 1, "same"))
	require.NoError(t, s.Notify(context.Background(), 1, "same"))
	require.NoError(t, s.Notify(context.Background(), 2, "same"))
	require.Eventually(t, func() bool { return len(sender.delivered()) == 2 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sender.delivered(), 2)
}

func TestNotify_QueueFull(t *testing.T) {
	block := make(chan struct{})
	sender := SenderFunc(func(ctx context.Context, _ int64, _ string) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	s := New(cfg, sender, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer func() {
		close(block)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := s.Notify(context.Background(), 1, "x")
		full = errors.Is(err, ErrQueueFull)
	}
	assert.True(t, full)
}

func TestNotify_DisabledAndStopped(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false
	s := New(cfg, &recordingSender{}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), 1, "x"), ErrDisabled)

	s = New(fastConfig(), &recordingSender{}, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Notify(context.Background(), 1, "x"), ErrStopped)

	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.ErrorIs(t, s.Notify(context.Background(), 1, "x"), ErrStopped)
}

func TestStop_DrainsQueue(t *testing.T) {
	sender := &recordingSender{}
	s := New(fastConfig(), sender, logx.Nop(), nil, nil)
	s.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Notify(context.Background(), int64(i), "drain"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Len(t, sender.delivered(), 5)
}

func TestRetryDelay_Bounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	d := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, d, 70*time.Millisecond)
	assert.LessOrEqual(t, d, 130*time.Millisecond)
}
