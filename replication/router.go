package replication

import "context"

// processInbox implements C5, the Revision Router: it asks the store
// which revisions are missing locally, routes the survivors into the
// bulk/revs/deleted queues (assigning each a dense sequence as it's
// routed), and invokes the Fetch Dispatcher.
func (r *Replicator) processInbox(ctx context.Context, batch []*PulledRevision) {
	if len(batch) == 0 {
		return
	}

	var missing, err = r.store.FindMissingRevisions(ctx, batch)
	if err != nil {
		// The batch is discarded; sequences are not (yet) assigned for
		// any of it, so nothing blocks the checkpoint, and a later batch
		// that is routed and inserted can advance it past these revisions.
		r.recordError("find_missing", err)
		return
	}

	// changesTotal was incremented by one per revision as the change feed
	// delivered them; now subtract the ones the store already has, since
	// they will never reach insertDownloads to be counted as processed.
	r.changesTotal -= int64(len(batch) - len(missing))

	if len(missing) == 0 {
		// Nothing to fetch, but the batch still represents forward
		// progress in the remote feed: record its last entry's sequence
		// as seen-and-resolved so the checkpoint can advance past it.
		var last = batch[len(batch)-1]
		var seq = r.seqMap.AddValue(last.RemoteSequenceID)
		r.seqMap.RemoveSequence(seq)
		r.lastSequence = r.seqMap.CheckpointedValue()
		r.persistCheckpoint()
		return
	}

	for _, rev := range missing {
		switch {
		case rev.bulkEligible():
			r.bulkRevs = append(r.bulkRevs, rev)
		case rev.Deleted:
			r.deletedRevs = append(r.deletedRevs, rev)
		default:
			r.revs = append(r.revs, rev)
		}
		rev.Sequence = r.seqMap.AddValue(rev.RemoteSequenceID)
		rev.seqMapGeneration = r.seqMapGeneration
	}

	r.pullRemoteRevisions(ctx)
}
