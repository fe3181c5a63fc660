package replication

import (
	"context"
	"fmt"
)

// insertDownloads implements C7, the Inserter: sort the batch into
// sequence order, write it inside a single store transaction, and then
// reconcile the SequenceMap and async-task accounting against whatever
// the store actually committed.
func (r *Replicator) insertDownloads(ctx context.Context, batch []*PulledRevision) {
	if len(batch) == 0 {
		return
	}
	sortBySequence(batch)

	type outcome struct {
		rev    *PulledRevision
		status StoreStatus
	}
	var outcomes []outcome

	var err = r.store.InTransaction(ctx, func(txCtx context.Context) StoreStatus {
		outcomes = outcomes[:0]
		for _, rev := range batch {
			var history = r.store.ParseRevisionHistory(rev.Properties)
			if (len(history) == 0 || len(rev.Properties) == 0) && rev.Generation > 1 {
				// A non-initial revision with no body or no parsed
				// history: the fetch never actually delivered an ancestor
				// chain to insert against. Leave its sequence in the
				// SequenceMap so the checkpoint does not run past it.
				outcomes = append(outcomes, outcome{rev, StatusUpstreamError})
				continue
			}
			var status = r.store.ForceInsert(txCtx, rev, history, r.cfg.Remote)
			outcomes = append(outcomes, outcome{rev, status})
			if status == StatusDBBusy {
				return StatusDBBusy
			}
		}
		return StatusOK
	})

	if err != nil {
		// The store could not commit this batch even after its own
		// internal retries. Nothing was durably written, so sequences
		// stay in the SequenceMap (a restart will re-fetch); still
		// balance the async tasks the dispatcher started for these revs.
		r.recordError("insert", err)
		r.tasks.Finished(len(batch))
		return
	}

	var processed int
	for _, o := range outcomes {
		switch o.status {
		case StatusOK, StatusForbidden:
			r.resolveSequence(o.rev)
			processed++
		case StatusUpstreamError, StatusOtherError:
			r.recordError("insert", fmt.Errorf("store rejected %s rev %s (content %s): status %d",
				o.rev.DocID, o.rev.RevID, contentHash(o.rev.Properties), o.status))
			processed++
			// Sequence intentionally left in the SequenceMap: the
			// checkpoint will not advance past this revision, so a
			// restart replays it.
		case StatusDBBusy:
			// Unreachable: InTransaction only returns nil err once a full
			// pass completed without a busy status.
		}
		r.tasks.Finished(1)
	}

	r.markProcessed(processed)
	r.lastSequence = r.seqMap.CheckpointedValue()
	r.persistCheckpoint()
}
