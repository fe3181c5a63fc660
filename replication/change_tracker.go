package replication

import (
	"context"
	"encoding/json"
)

// onReceivedChanges implements C4's per-batch change handling: validate
// each document id, expand each change entry into one PulledRevision per
// listed leaf revision (marking conflicted when an entry lists more than
// one), push them into the inbox batcher, merge in any driver-checkpoint
// patch the remote attached to this batch, and detect the catch-up
// signal.
func (r *Replicator) onReceivedChanges(ctx context.Context, changes []ChangeEntry, driverCheckpointPatch json.RawMessage) {
	if len(driverCheckpointPatch) > 0 {
		var cp = Checkpoint{LastSequence: r.lastSequence, DriverCheckpoint: r.driverCheckpoint}
		if err := cp.MergeDriverCheckpoint(driverCheckpointPatch); err != nil {
			r.recordError("driver_checkpoint", err)
		} else {
			r.driverCheckpoint = cp.DriverCheckpoint
			r.persistCheckpoint()
		}
	}

	for _, change := range changes {
		if !r.store.IsValidDocumentID(change.ID) {
			continue
		}
		var conflicted = len(change.Changes) > 1
		for _, c := range change.Changes {
			if c.Rev == "" {
				continue
			}
			var gen, err = Generation(c.Rev)
			if err != nil {
				continue // malformed feed entry: silently skip.
			}
			var rev = &PulledRevision{
				Revision:         Revision{DocID: change.ID, RevID: c.Rev},
				Deleted:          change.Deleted,
				Generation:       gen,
				Conflicted:       conflicted,
				RemoteSequenceID: change.Seq,
			}
			r.changesTotal++
			changesTotalCounter.WithLabelValues(r.metricsLabel()).Inc()
			r.inbox.Push(rev)
		}
	}

	if !r.caughtUp && len(changes) < kChangesFeedLimit {
		r.caughtUp = true
		r.tasks.Finished(1) // releases the catch-up wait task, exactly once.
	}
}
