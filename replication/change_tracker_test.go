package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTrackerTestReplicator wires the inbox batcher's processor to push
// flushed batches onto a channel, so tests can observe what the router
// would have received without depending on Batcher internals.
func newTrackerTestReplicator(store Store) (*Replicator, chan []*PulledRevision) {
	var flushed = make(chan []*PulledRevision, 16)
	var r = &Replicator{
		cfg:   Config{Remote: "test"},
		store: store,
		inbox: NewBatcher(batcherCapacity, 0, func(batch []*PulledRevision) { flushed <- batch }),
	}
	return r, flushed
}

func awaitFlush(t *testing.T, ch chan []*PulledRevision) []*PulledRevision {
	t.Helper()
	select {
	case batch := <-ch:
		return batch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbox flush")
		return nil
	}
}

func TestOnReceivedChangesExpandsConflictsAndFiltersInvalidIDs(t *testing.T) {
	var ctx = context.Background()
	var r, flushed = newTrackerTestReplicator(newFakeStore())

	var changes = []ChangeEntry{
		{Seq: "1", ID: "doc1", Changes: []struct{ Rev string `json:"rev"` }{{Rev: "1-aaa"}, {Rev: "1-bbb"}}},
		{Seq: "2", ID: "", Changes: []struct{ Rev string `json:"rev"` }{{Rev: "1-ccc"}}}, // invalid id
	}
	r.onReceivedChanges(ctx, changes, nil)

	require.EqualValues(t, 2, r.changesTotal)
	var batch = awaitFlush(t, flushed)
	require.Len(t, batch, 2)
	for _, rev := range batch {
		require.True(t, rev.Conflicted)
	}
}

func TestOnReceivedChangesSetsCaughtUpBelowLimit(t *testing.T) {
	var ctx = context.Background()
	var r, flushed = newTrackerTestReplicator(newFakeStore())
	r.tasks.Started() // the catch-up wait

	var changes = make([]ChangeEntry, kChangesFeedLimit-1)
	for i := range changes {
		changes[i] = ChangeEntry{Seq: "1", ID: "doc", Changes: []struct{ Rev string `json:"rev"` }{{Rev: "1-aaa"}}}
	}
	r.onReceivedChanges(ctx, changes, nil)

	require.True(t, r.caughtUp)
	require.Equal(t, 0, r.tasks.Count())
	require.Len(t, awaitFlush(t, flushed), len(changes))
}

func TestOnReceivedChangesNotCaughtUpAtFullLimit(t *testing.T) {
	var ctx = context.Background()
	var r, flushed = newTrackerTestReplicator(newFakeStore())
	r.tasks.Started()

	var changes = make([]ChangeEntry, kChangesFeedLimit)
	for i := range changes {
		changes[i] = ChangeEntry{Seq: "1", ID: "doc", Changes: []struct{ Rev string `json:"rev"` }{{Rev: "1-aaa"}}}
	}
	r.onReceivedChanges(ctx, changes, nil)

	require.False(t, r.caughtUp)
	require.Equal(t, 1, r.tasks.Count())
	require.Len(t, awaitFlush(t, flushed), len(changes))
}

func TestOnReceivedChangesMergesDriverCheckpoint(t *testing.T) {
	var ctx = context.Background()
	var checkpts = newFakeCheckpointStore()
	var r, _ = newTrackerTestReplicator(newFakeStore())
	r.checkpts = checkpts
	r.cfg.CheckpointKey = "key1"
	r.driverCheckpoint = []byte(`{"cursor":1,"keep":"me"}`)

	r.onReceivedChanges(ctx, nil, []byte(`{"cursor":2}`))

	require.JSONEq(t, `{"cursor":2,"keep":"me"}`, string(r.driverCheckpoint))
	var saved, _ = checkpts.Load("key1")
	require.JSONEq(t, `{"cursor":2,"keep":"me"}`, string(saved.DriverCheckpoint))
}
