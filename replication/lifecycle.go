package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
)

// persistCheckpoint saves the current (lastSequence, driverCheckpoint)
// pair. A failure is recorded as a replicator error rather than
// propagated, since the in-memory SequenceMap remains the source of
// truth for what has actually been safely inserted; a save failure only
// risks redoing work on the next run, not data loss.
func (r *Replicator) persistCheckpoint() {
	var err = r.checkpts.Save(r.cfg.CheckpointKey, Checkpoint{
		LastSequence:     r.lastSequence,
		DriverCheckpoint: r.driverCheckpoint,
	})
	if err != nil {
		r.recordError("checkpoint_save", err)
	}
}

// Start begins replicating: it spawns the single worker goroutine, loads
// the last persisted checkpoint, and kicks off the first ChangeTracker
// run. Start is idempotent while already running.
func (r *Replicator) Start(ctx context.Context) error {
	if r.done != nil {
		select {
		case <-r.done: // the previous worker has exited; start afresh.
		default:
			return nil // already running.
		}
	}
	var cp, err = r.checkpts.Load(r.cfg.CheckpointKey)
	if err != nil {
		return err
	}

	var workerCtx context.Context
	workerCtx, r.cancel = context.WithCancel(ctx)
	r.work = make(chan func(), 64)
	r.done = make(chan struct{})
	go r.runWorker(workerCtx)

	var started = make(chan struct{})
	r.enqueue(func() {
		r.lastSequence = cp.LastSequence
		r.driverCheckpoint = cp.DriverCheckpoint
		r.beginReplicating(workerCtx)
		close(started)
	})
	<-started
	return nil
}

// beginReplicating implements C8's beginReplicating: it allocates the
// download batcher if absent, allocates and primes a fresh SequenceMap,
// resets caughtUp, accounts the catch-up async task, and starts the
// ChangeTracker. Must run on the worker.
func (r *Replicator) beginReplicating(ctx context.Context) {
	r.running = true
	r.caughtUp = false

	if r.download == nil {
		r.download = NewBatcher(batcherCapacity, 0, func(batch []*PulledRevision) {
			r.enqueue(func() { r.insertDownloads(ctx, batch) })
		})
	}
	if r.inbox == nil {
		r.inbox = NewBatcher(batcherCapacity, 0, func(batch []*PulledRevision) {
			r.enqueue(func() { r.processInbox(ctx, batch) })
		})
	}

	r.seqMap = NewSequenceMap()
	r.seqMapGeneration++
	r.seqMap.Prime(r.lastSequence)

	r.tasks.Started() // "waiting to catch up"
	r.startChangeTracker(ctx)
}

// startChangeTracker implements C8's startChangeTracker: it picks the
// mode, configures the Tracker, and starts it. Every call accounts one
// async task for the run, balanced by onTrackerStopped whenever the
// tracker eventually reports back — whether that's after a single
// OneShot request or after a long-lived LongPoll session ends.
func (r *Replicator) startChangeTracker(ctx context.Context) {
	var mode = ModeOneShot
	if r.cfg.Continuous && r.caughtUp {
		mode = ModeLongPoll
	}

	r.tracker.Configure(TrackerConfig{
		Mode:             mode,
		Limit:            kChangesFeedLimit,
		Continuous:       r.cfg.Continuous,
		FilterName:       r.cfg.FilterName,
		FilterParameters: r.cfg.FilterParameters,
		DocIDs:           r.cfg.DocIDs,
		Heartbeat:        r.cfg.heartbeatOrZero(),
		RequestHeaders:   r.cfg.RequestHeaders,
		LastSequence:     r.lastSequence,
	})

	r.tasks.Started() // "tracker running"

	r.tracker.Start(ctx,
		func(changes []ChangeEntry, patch json.RawMessage) {
			r.enqueue(func() { r.onReceivedChanges(ctx, changes, patch) })
		},
		func(err error) { r.enqueue(func() { r.onTrackerStopped(ctx, err) }) },
	)
}

// Stop implements C8's stop: stops the tracker, clears the queues,
// flushes both batchers, then cancels outstanding requests and waits for
// the worker to exit. Stop itself balances no async tasks; only callbacks
// (such as the tracker's stop report) that reach the worker before it
// exits still balance theirs.
func (r *Replicator) Stop() {
	var stopped = make(chan struct{})
	r.enqueue(func() {
		if r.running {
			r.running = false
			r.tracker.Stop()
			r.bulkRevs = nil
			r.revs = nil
			r.deletedRevs = nil
			if r.inbox != nil {
				r.inbox.FlushAll()
			}
			if r.download != nil {
				r.download.FlushAll()
			}
		}
		close(stopped)
	})
	<-stopped
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

// Retry implements C8's retry: stop the tracker and begin replicating
// again from the current checkpoint. In-flight fetches issued before
// Retry complete against a stale seqMapGeneration; resolveSequence drops
// those completions instead of resolving them against the fresh
// SequenceMap beginReplicating installs.
func (r *Replicator) Retry(ctx context.Context) {
	var done = make(chan struct{})
	r.enqueue(func() {
		r.tracker.Stop()
		r.bulkRevs = nil
		r.revs = nil
		r.deletedRevs = nil
		r.beginReplicating(ctx)
		close(done)
	})
	<-done
}

// GoOnline transitions the replicator online. If it was already running
// and online, it asks the tracker to retry its connection (e.g. after an
// operator-observed network blip); returns whether a transition
// occurred.
func (r *Replicator) GoOnline(ctx context.Context) bool {
	var transitioned bool
	var done = make(chan struct{})
	r.enqueue(func() {
		if !r.online {
			r.online = true
			transitioned = true
			if !r.running {
				r.beginReplicating(ctx)
			}
		} else if r.running {
			r.tracker.Retry()
		}
		close(done)
	})
	<-done
	return transitioned
}

// GoOffline transitions the replicator offline, stopping the tracker if
// a transition occurred. Returns whether a transition occurred.
func (r *Replicator) GoOffline() bool {
	var transitioned bool
	var done = make(chan struct{})
	r.enqueue(func() {
		if r.online {
			r.online = false
			transitioned = true
			r.tracker.Stop()
		}
		close(done)
	})
	<-done
	return transitioned
}

// onTrackerStopped implements the tracker-stop half of C4: if the
// tracker reports an error, it is classified (offline vs. replicator
// error); either way the inbox is flushed and outstanding async-tasks
// are balanced.
func (r *Replicator) onTrackerStopped(ctx context.Context, err error) {
	if err != nil {
		if isOfflineClass(err) {
			r.online = false
		} else {
			r.recordError("tracker", err)
		}
	}
	if r.inbox != nil {
		r.inbox.FlushAll()
	}

	var finished = 1 // the tracker's own run
	if !r.caughtUp {
		finished++ // balance the catch-up wait started in beginReplicating
	}
	r.tasks.Finished(finished)

	if r.running && r.cfg.Continuous {
		// In continuous mode the tracker is restarted whenever it stops
		// while the replicator is running, whether or not err was set:
		// OneShot until caught up, LongPoll after.
		r.startChangeTracker(ctx)
	}
}

func isOfflineClass(err error) bool {
	return err != nil && errors.Is(err, ErrOffline)
}

// sortBySequence sorts a batch of PulledRevision in place by Sequence
// ascending, the ordering the Inserter requires before committing.
func sortBySequence(batch []*PulledRevision) {
	sort.Slice(batch, func(i, j int) bool { return batch[i].Sequence < batch[j].Sequence })
}
