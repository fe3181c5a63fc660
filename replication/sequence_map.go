package replication

import "container/heap"

// SequenceMap tracks remote sequences currently in flight between routing
// and insertion, and computes the highest checkpoint that is safe to
// persist: the remoteSequenceID of the greatest sequence S such that every
// sequence <= S has already been removed.
//
// Downloads complete out of order, but the checkpoint only ever advances
// over a contiguous, fully-removed prefix. A crash-restart from the
// checkpoint therefore never silently skips a revision; at worst it
// replays revisions already inserted, which the store tolerates.
//
// Not safe for concurrent use: callers serialize access on the
// replicator's single worker, matching the rest of this package.
type SequenceMap struct {
	next int
	// values holds the remoteID assigned to every sequence that has been
	// added but not yet popped off pending. A sequence's entry survives
	// RemoveSequence until the heap actually reaches it, since an
	// out-of-order removal must still contribute its remoteID to the
	// checkpoint once the contiguous prefix catches up to it.
	values map[int]RemoteSequenceID
	// removed marks sequences that RemoveSequence has resolved but which
	// are still sitting in the heap behind a smaller, still-present
	// sequence.
	removed map[int]bool
	pending pendingHeap

	present int // count of sequences added but not yet removed.

	// checkpoint is the remoteSequenceID of the greatest contiguously-
	// removed prefix. It only ever advances in RemoveSequence (and Prime,
	// which removes what it adds); AddValue must never touch it, or
	// CheckpointedValue would return a value whose predecessors are still
	// in flight.
	checkpoint RemoteSequenceID
}

// NewSequenceMap returns an empty SequenceMap.
func NewSequenceMap() *SequenceMap {
	return &SequenceMap{
		values:  make(map[int]RemoteSequenceID),
		removed: make(map[int]bool),
	}
}

// Prime seeds the map so that CheckpointedValue() immediately returns
// last, without leaving any sequence present. Call once at the start of a
// run with the durably-persisted checkpoint.
func (m *SequenceMap) Prime(last RemoteSequenceID) {
	if last == "" {
		return
	}
	var seq = m.AddValue(last)
	m.RemoveSequence(seq)
}

// AddValue assigns the next dense sequence number to remoteID and returns
// it.
func (m *SequenceMap) AddValue(remoteID RemoteSequenceID) int {
	m.next++
	var seq = m.next
	m.values[seq] = remoteID
	heap.Push(&m.pending, seq)
	m.present++
	return seq
}

// RemoveSequence marks seq as resolved (inserted, forbidden, or otherwise
// no longer blocking progress) and advances the checkpoint over any
// contiguous prefix this removal completes. Removing an unknown or
// already-removed sequence is a no-op.
func (m *SequenceMap) RemoveSequence(seq int) {
	if _, ok := m.values[seq]; !ok || m.removed[seq] {
		return
	}
	m.removed[seq] = true
	m.present--

	for m.pending.Len() > 0 && m.removed[m.pending[0]] {
		var front = heap.Pop(&m.pending).(int)
		m.checkpoint = m.values[front]
		delete(m.values, front)
		delete(m.removed, front)
	}
}

// CheckpointedValue returns the remoteSequenceID of the highest sequence
// such that every sequence <= it has been removed, or "" if nothing has
// been removed yet.
func (m *SequenceMap) CheckpointedValue() RemoteSequenceID {
	return m.checkpoint
}

// Len reports the number of sequences currently in flight (added but not
// yet removed).
func (m *SequenceMap) Len() int { return m.present }

// pendingHeap is a min-heap of in-flight sequence numbers, mirroring the
// priority-heap pattern used elsewhere in this codebase for out-of-order
// completions that must be drained in order.
type pendingHeap []int

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *pendingHeap) Pop() interface{} {
	var old = *h
	var n = len(old)
	var x = old[n-1]
	*h = old[:n-1]
	return x
}
