package watch

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/eventbus"
	logx "watchbot/pkg/logx"
)

type testEngine struct {
	*Engine
	store  *memStore
	source *fakeSource
	notif  *fakeNotifier
	clock  *clockwork.FakeClock
	logs   *syncBuffer
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	te := &testEngine{
		store:  newMemStore(),
		source: &fakeSource{},
		notif:  &fakeNotifier{},
		clock:  clockwork.NewFakeClock(),
		logs:   &syncBuffer{},
	}
	e, err := New(Config{Schedule: "5m"}, Deps{
		Store:    te.store,
		Source:   te.source,
		Strategy: thresholdStrategy{},
		Notifier: te.notif,
		Clock:    te.clock,
		Log:      logx.NewWriter(te.logs, "debug"),
		Bus:      eventbus.New(),
	})
	require.NoError(t, err)
	te.Engine = e
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return te
}

func (te *testEngine) assertRegistryMirrorsStore(t *testing.T, ids ...SubscriberID) {
	t.Helper()
	for _, id := range ids {
		items, err := te.store.ItemsFor(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, len(items) > 0, te.Registry().IsSubscribed(id), "subscriber %d", id)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{Store: newMemStore()})
	assert.Error(t, err)

	_, err = New(Config{Schedule: "whenever"}, Deps{
		Store: newMemStore(), Source: &fakeSource{}, Strategy: thresholdStrategy{}, Notifier: &fakeNotifier{},
	})
	assert.Error(t, err)
}

func TestEngine_RegistryMirrorsStore(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	steps := []func() error{
		func() error { return te.AddItem(ctx, 1, "A#10") },
		func() error { return te.AddItem(ctx, 1, "B#5") },
		func() error { return te.AddItem(ctx, 2, "A#3") },
		func() error { return te.RemoveItem(ctx, 1, "A#10") },
		func() error { return te.RemoveItem(ctx, 1, "missing#1") },
		func() error { return te.RemoveItem(ctx, 1, "B#5") },
		func() error { return te.RemoveItem(ctx, 3, "nothing#1") },
		func() error { return te.ClearAll(ctx, 2) },
		func() error { return te.AddItem(ctx, 2, "C#1") },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		te.assertRegistryMirrorsStore(t, 1, 2, 3)
	}
	assert.Equal(t, []SubscriberID{2}, te.Registry().IDs())
}

func TestEngine_AddItemIsIdempotent(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, te.AddItem(ctx, 5, "A#12"))
	require.NoError(t, te.AddItem(ctx, 5, "A#12"))

	assert.Equal(t, 1, te.store.count(5))
	assert.Equal(t, 1, te.Registry().Len())
	assert.Equal(t, StateArmed, te.Scheduler().State())
}

func TestEngine_TickWithoutSubscribersGoesIdle(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	assert.False(t, te.Tick(ctx))
	assert.Equal(t, 0, te.source.callCount())
	assert.Equal(t, StateIdle, te.Scheduler().State())

	// Armed by an add, then emptied before the timer fires.
	require.NoError(t, te.AddItem(ctx, 1, "A#1"))
	require.Equal(t, StateArmed, te.Scheduler().State())
	require.NoError(t, te.ClearAll(ctx, 1))

	te.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		return !te.Scheduler().InFlight() && te.Scheduler().State() == StateIdle
	}, waitFor, pollDur)
	assert.Equal(t, 0, te.source.callCount())
}

func TestEngine_TriggeredItemIsReportedAndKept(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.AddItem(ctx, 1, "A#12"))
	te.source.set(map[string]float64{"A": 10}, nil)

	require.True(t, te.Tick(ctx))

	assert.Equal(t, []sent{{ID: 1, Text: "price dropped: A#12"}}, te.notif.messages())
	assert.Equal(t, 1, te.store.count(1))
	assert.True(t, te.Registry().IsSubscribed(1))
}

func TestEngine_MissingItemIsReportedAndRemoved(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.AddItem(ctx, 1, "A#12"))
	te.source.set(map[string]float64{}, nil)

	require.True(t, te.Tick(ctx))

	assert.Equal(t, []sent{{ID: 1, Text: "invalid: A#12"}}, te.notif.messages())
	assert.Equal(t, 0, te.store.count(1))
	assert.False(t, te.Registry().IsSubscribed(1))
}

func TestEngine_UnmetConditionIsSilent(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.AddItem(ctx, 1, "A#12"))
	te.source.set(map[string]float64{"A": 15}, nil)

	require.True(t, te.Tick(ctx))

	assert.Empty(t, te.notif.messages())
	assert.Equal(t, 1, te.store.count(1))
}

func TestEngine_BatchesPerSubscriber(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	for _, it := range []string{"A#12", "B#5", "C#1", "D#1"} {
		require.NoError(t, te.AddItem(ctx, 1, it))
	}
	require.NoError(t, te.AddItem(ctx, 2, "A#9"))
	te.source.set(map[string]float64{"A": 10, "B": 1}, nil)

	require.True(t, te.Tick(ctx))

	msgs := te.notif.messages()
	assert.ElementsMatch(t, []sent{
		{ID: 1, Text: "invalid: C#1, D#1"},
		{ID: 1, Text: "price dropped: A#12, B#5"},
	}, msgs)
	assert.Equal(t, 2, te.store.count(1))
	assert.Equal(t, 1, te.store.count(2))
}

func TestEngine_FetchesUnionOfFetchKeysOnce(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.AddItem(ctx, 1, "B#12"))
	require.NoError(t, te.AddItem(ctx, 1, "A#12"))
	require.NoError(t, te.AddItem(ctx, 2, "A#30"))
	te.source.set(map[string]float64{"A": 20, "B": 20}, nil)

	require.True(t, te.Tick(ctx))

	require.Equal(t, 1, te.source.callCount())
	assert.Equal(t, []string{"A", "B"}, te.source.keys[0])
	assert.Equal(t, []sent{{ID: 2, Text: "price dropped: A#30"}}, te.notif.messages())
}

func TestEngine_FetchFailureReArms(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	events, unsub := te.Engine.bus.Subscribe(8)
	defer unsub()

	require.NoError(t, te.AddItem(ctx, 1, "A#12"))
	te.source.set(nil, errBoom)

	te.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		return te.source.callCount() == 1 && !te.Scheduler().InFlight() && te.Scheduler().State() == StateArmed
	}, waitFor, pollDur)

	assert.Empty(t, te.notif.messages(), "no dispatch on fetch failure")
	assert.Contains(t, te.logs.String(), "fetch failed")
	at, ok := te.Scheduler().NextAt()
	require.True(t, ok)
	assert.Equal(t, te.clock.Now().Add(5*time.Minute), at)

	var sawFailure bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.TypeFetchFailed {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)

	te.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return te.source.callCount() == 2 }, waitFor, pollDur)
}

func TestEngine_StoreFailureOnTickReArms(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.AddItem(ctx, 1, "A#12"))
	te.store.failAll = true

	assert.True(t, te.Tick(ctx))
	assert.Equal(t, 0, te.source.callCount())
	assert.Empty(t, te.notif.messages())
}

func TestEngine_StorageErrorsLeaveRegistryUnchanged(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.store.failUpsert = true
	assert.ErrorIs(t, te.AddItem(ctx, 1, "A#1"), errBoom)
	assert.False(t, te.Registry().IsSubscribed(1))
	assert.Equal(t, StateIdle, te.Scheduler().State())
	te.store.failUpsert = false

	require.NoError(t, te.AddItem(ctx, 1, "A#1"))
	te.store.failRemove = true
	assert.ErrorIs(t, te.RemoveItem(ctx, 1, "A#1"), errBoom)
	assert.True(t, te.Registry().IsSubscribed(1))

	te.store.failClear = true
	assert.ErrorIs(t, te.ClearAll(ctx, 1), errBoom)
	assert.True(t, te.Registry().IsSubscribed(1))
}

func TestEngine_NotifierErrorsDoNotRollBack(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.notif.err = errBoom
	require.NoError(t, te.AddItem(ctx, 1, "A#12"))
	te.source.set(map[string]float64{}, nil)

	require.True(t, te.Tick(ctx))

	assert.Len(t, te.notif.messages(), 1)
	assert.Equal(t, 0, te.store.count(1))
	assert.False(t, te.Registry().IsSubscribed(1))
	assert.Contains(t, te.logs.String(), "notify failed")
}

func TestEngine_OneFailingReactionDoesNotBlockOthers(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.AddItem(ctx, 1, "A#12"))
	require.NoError(t, te.AddItem(ctx, 2, "A#12"))
	te.Registry().Unsubscribe(1)
	te.Registry().Subscribe(1, ReactionFunc(func(context.Context, Snapshot) error { panic("bad reaction") }))
	te.source.set(map[string]float64{"A": 1}, nil)

	require.True(t, te.Tick(ctx))

	assert.Equal(t, []sent{{ID: 2, Text: "price dropped: A#12"}}, te.notif.messages())
	assert.True(t, te.Registry().IsSubscribed(1))
}

func TestEngine_StartRestoresSubscribers(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.store.Upsert(ctx, 3, "A#1"))
	require.NoError(t, te.store.Upsert(ctx, 4, "B#1"))

	require.NoError(t, te.Start(ctx))

	assert.Equal(t, []SubscriberID{3, 4}, te.Registry().IDs())
	assert.Equal(t, StateArmed, te.Scheduler().State())
}

func TestEngine_StartWithEmptyStoreStaysIdle(t *testing.T) {
	te := newTestEngine(t)
	require.NoError(t, te.Start(context.Background()))
	assert.Equal(t, StateIdle, te.Scheduler().State())
}

func TestEngine_ReconfigureChangesInterval(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.AddItem(ctx, 1, "A#12"))

	require.NoError(t, te.Reconfigure(Config{Schedule: "30s"}))
	at, ok := te.Scheduler().NextAt()
	require.True(t, ok)
	assert.Equal(t, te.clock.Now().Add(30*time.Second), at)

	assert.Error(t, te.Reconfigure(Config{Schedule: "bogus"}))
}

// Subscriber 42 watches X#100, gets notified when X drops to 80, keeps the
// item, and the scheduler goes idle after clearing.
func TestEngine_EndToEnd(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.Start(ctx))
	te.source.set(map[string]float64{"X": 80}, nil)

	require.NoError(t, te.AddItem(ctx, 42, "X#100"))
	require.Equal(t, StateArmed, te.Scheduler().State())

	te.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return len(te.notif.messages()) == 1 }, waitFor, pollDur)
	assert.Equal(t, sent{ID: 42, Text: "price dropped: X#100"}, te.notif.messages()[0])

	items, err := te.Items(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"X#100"}, items)
	require.Eventually(t, func() bool {
		return !te.Scheduler().InFlight() && te.Scheduler().State() == StateArmed
	}, waitFor, pollDur)

	require.NoError(t, te.ClearAll(ctx, 42))
	assert.Equal(t, 0, te.Registry().Len())

	te.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		return !te.Scheduler().InFlight() && te.Scheduler().State() == StateIdle
	}, waitFor, pollDur)
	assert.Equal(t, 1, te.source.callCount())
}
