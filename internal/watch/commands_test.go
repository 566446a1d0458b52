package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCommand_Replies(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.source.set(map[string]float64{"A": 50, "B": 50}, nil)

	run := func(name CommandName, args string) string {
		t.Helper()
		reply, err := te.HandleCommand(ctx, 7, Command{Name: name, Args: args})
		require.NoError(t, err)
		return reply
	}

	assert.Equal(t, "hello", run(CmdStart, ""))
	assert.Equal(t, "help text", run(CmdHelp, ""))
	assert.Equal(t, "help text", run("dance", ""))
	assert.Equal(t, "No processes running", run(CmdStatus, ""))
	assert.Equal(t, "No processes to stop", run(CmdClear, ""))

	assert.Equal(t, "Starting polling availability for item B#10", run(CmdPoll, "B#10"))
	require.Eventually(t, func() bool { return !te.Scheduler().InFlight() }, waitFor, pollDur)
	assert.Equal(t, "Starting polling availability for item A#10", run(CmdPoll, " A#10 "))
	require.Eventually(t, func() bool { return !te.Scheduler().InFlight() }, waitFor, pollDur)

	assert.Equal(t, "Polling processes are run for items A#10, B#10", run(CmdStatus, ""))
	assert.Equal(t, "There were no polling processes for item C#1", run(CmdStop, "C#1"))
	assert.Equal(t, "Polling cancelled for item A#10", run(CmdStop, "A#10"))
	assert.Equal(t, "Polling processes for items B#10 are stopped", run(CmdClear, ""))
	assert.Equal(t, "No processes running", run(CmdStatus, ""))
	assert.False(t, te.Registry().IsSubscribed(7))
}

func TestHandleCommand_ParseFailureRepliesWithUsage(t *testing.T) {
	te := newTestEngine(t)

	reply, err := te.HandleCommand(context.Background(), 7, Command{Name: CmdPoll, Args: "garbage"})
	require.NoError(t, err)
	assert.Equal(t, `Couldn't parse the item, e.g. "poll X#100".`, reply)

	reply, err = te.HandleCommand(context.Background(), 7, Command{Name: CmdStop, Args: "X#cheap"})
	require.NoError(t, err)
	assert.Equal(t, `Couldn't parse the threshold, e.g. "stop X#100".`, reply)
	assert.Equal(t, 0, te.store.count(7))
}

func TestHandleCommand_PollKicksImmediateTick(t *testing.T) {
	te := newTestEngine(t)
	te.source.set(map[string]float64{"X": 80}, nil)

	_, err := te.HandleCommand(context.Background(), 42, Command{Name: CmdPoll, Args: "X#100"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(te.notif.messages()) == 1 }, waitFor, pollDur)
	assert.Equal(t, 1, te.source.callCount())
	require.Eventually(t, func() bool {
		return !te.Scheduler().InFlight() && te.Scheduler().State() == StateArmed
	}, waitFor, pollDur)
}

func TestHandleCommand_StorageErrorsPropagate(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	te.store.failItems = true
	_, err := te.HandleCommand(ctx, 1, Command{Name: CmdStatus})
	assert.ErrorIs(t, err, errBoom)

	te.store.failItems = false
	te.store.failUpsert = true
	_, err = te.HandleCommand(ctx, 1, Command{Name: CmdPoll, Args: "A#1"})
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, te.Registry().IsSubscribed(1))
}

func TestEngine_AddDuringClearStaysSubscribed(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.AddItem(ctx, 42, "X#100"))

	added := make(chan error, 1)
	te.store.afterClear = func() {
		te.store.afterClear = nil
		go func() { added <- te.AddItem(ctx, 42, "Y#100") }()
		// Give the add a chance to land before ClearAll touches the registry.
		select {
		case err := <-added:
			added <- err
		case <-time.After(50 * time.Millisecond):
		}
	}

	require.NoError(t, te.ClearAll(ctx, 42))
	require.NoError(t, <-added)

	items, err := te.Items(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"Y#100"}, items)
	assert.True(t, te.Registry().IsSubscribed(42))
}

func TestEngine_RemoveRacingAddsKeepsRegistryInSync(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = te.RemoveItem(ctx, 5, "A#1")
		}
	}()
	for i := 0; i < 200; i++ {
		require.NoError(t, te.AddItem(ctx, 5, "A#1"))
		require.NoError(t, te.RemoveItem(ctx, 5, "A#1"))
	}
	<-done

	require.NoError(t, te.AddItem(ctx, 5, "A#1"))
	te.assertRegistryMirrorsStore(t, 5)
	require.NoError(t, te.ClearAll(ctx, 5))
	te.assertRegistryMirrorsStore(t, 5)
}

func TestEngine_AddItemAfterStop(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.Stop(ctx))

	reply, err := te.HandleCommand(ctx, 3, Command{Name: CmdPoll, Args: "A#1"})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, reply)
	assert.Equal(t, 0, te.store.count(3))
	assert.False(t, te.Registry().IsSubscribed(3))
}

func TestInvalidItemError_IsErrInvalidItem(t *testing.T) {
	err := InvalidItem("bad date")
	assert.ErrorIs(t, err, ErrInvalidItem)
	assert.Equal(t, "bad date", err.Error())
}
