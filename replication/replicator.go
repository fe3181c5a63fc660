package replication

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/estuary/pull-replicator/ops"
)

// Replicator is the pull replicator core. It owns the SequenceMap, the
// three fetch queues, both batchers, and the installed Tracker; all of
// that state is touched only from the single worker goroutine started by
// Start, matching this package's single-logical-worker concurrency
// model. Completions from the Tracker, the Executor, and the batchers'
// timers all re-enter by posting a closure to the worker's queue rather
// than mutating state directly.
type Replicator struct {
	cfg      Config
	store    Store
	tracker  Tracker
	executor Executor
	checkpts CheckpointStore
	log      ops.Logger

	work   chan func()
	cancel context.CancelFunc
	done   chan struct{}

	tasks asyncTasks

	// --- fields below are touched only on the worker goroutine ---

	running             bool
	online              bool
	caughtUp            bool
	httpConnectionCount int
	changesTotal        int64
	changesProcessed    int64
	lastSequence        RemoteSequenceID
	driverCheckpoint    json.RawMessage
	err                 error

	seqMap           *SequenceMap
	seqMapGeneration int
	bulkRevs         []*PulledRevision
	revs             []*PulledRevision
	deletedRevs      []*PulledRevision

	inbox    *Batcher[*PulledRevision]
	download *Batcher[*PulledRevision]

	// statsMu guards cached, the last snapshot published by the worker,
	// so Stats can still answer after the worker has exited.
	statsMu sync.Mutex
	cached  Stats
}

// New returns a Replicator wired to its external collaborators. Call
// Start to begin replicating.
func New(cfg Config, store Store, tracker Tracker, executor Executor, checkpts CheckpointStore, log ops.Logger) *Replicator {
	if log == nil {
		log = ops.StdLogger("replicator")
	}
	return &Replicator{
		cfg:      cfg,
		store:    store,
		tracker:  tracker,
		executor: executor,
		checkpts: checkpts,
		log:      log,
	}
}

// Stats is a point-in-time snapshot of the lifecycle state described in
// SPEC_FULL.md section 3.
type Stats struct {
	Running             bool
	Online              bool
	CaughtUp            bool
	HTTPConnectionCount int
	ChangesTotal        int64
	ChangesProcessed    int64
	LastSequence        RemoteSequenceID
	Error               error
}

// Stats returns a snapshot of the replicator's lifecycle state. Safe to
// call from any goroutine, including before Start and after the worker
// has exited.
func (r *Replicator) Stats() Stats {
	var result Stats
	if r.work == nil {
		return result // never started.
	}
	select {
	case <-r.done:
		// The worker has exited; r.work is buffered, so a send below
		// could succeed without ever being run.
		r.statsMu.Lock()
		result = r.cached
		r.statsMu.Unlock()
		return result
	default:
	}
	var done = make(chan struct{})
	select {
	case r.work <- func() {
		result = r.snapshotLocked()
		r.statsMu.Lock()
		r.cached = result
		r.statsMu.Unlock()
		close(done)
	}:
		<-done
	case <-r.done:
		r.statsMu.Lock()
		result = r.cached
		r.statsMu.Unlock()
	}
	return result
}

func (r *Replicator) snapshotLocked() Stats {
	return Stats{
		Running:             r.running,
		Online:              r.online,
		CaughtUp:            r.caughtUp,
		HTTPConnectionCount: r.httpConnectionCount,
		ChangesTotal:        r.changesTotal,
		ChangesProcessed:    r.changesProcessed,
		LastSequence:        r.lastSequence,
		Error:               r.err,
	}
}

// enqueue posts fn to the single worker goroutine. Must not be called
// before Start or after the worker has exited.
func (r *Replicator) enqueue(fn func()) {
	select {
	case r.work <- fn:
	case <-r.done:
	}
}

func (r *Replicator) runWorker(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case fn := <-r.work:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// recordError records err as the replicator's terminal error if none is
// already recorded; later errors are suppressed once one is set, per the
// "first non-offline error wins" propagation rule.
func (r *Replicator) recordError(class string, err error) {
	if err == nil {
		return
	}
	if r.err == nil {
		r.err = err
	}
	errorsCounter.WithLabelValues(r.cfg.Remote, class).Inc()
	r.log.WithError(err).WithField("class", class).Warn("replicator error")
}

// metricsLabel is the label value used for this replicator's remote on
// every metric.
func (r *Replicator) metricsLabel() string { return r.cfg.Remote }

// resolveSequence removes rev's sequence from the current SequenceMap,
// unless rev was routed against a prior generation (i.e. a Retry swapped
// in a fresh SequenceMap since rev was routed) — in which case rev's
// Sequence number has since been reassigned to unrelated work by the new
// map, and resolving it here would corrupt that unrelated sequence's
// bookkeeping. A stale rev is simply dropped.
func (r *Replicator) resolveSequence(rev *PulledRevision) {
	if rev.seqMapGeneration != r.seqMapGeneration {
		return
	}
	r.seqMap.RemoveSequence(rev.Sequence)
}
