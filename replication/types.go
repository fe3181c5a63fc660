// Package replication implements the pull replicator core: a change-feed
// consumer, revision router, bounded-concurrency fetch dispatcher, and
// batched inserter that together pull document revisions from a remote
// CouchDB-style replica into a local store, in order, resumably, and with
// bounded concurrency.
package replication

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// kChangesFeedLimit bounds a single OneShot change-feed request.
	kChangesFeedLimit = 100
	// kMaxOpenHTTPConnections bounds outstanding dispatcher requests.
	kMaxOpenHTTPConnections = 12
	// kMaxRevsToGetInBulk bounds a single bulk POST.
	kMaxRevsToGetInBulk = 50
	// kMaxNumberOfAttsSince bounds the atts_since ancestor id list.
	kMaxNumberOfAttsSince = 50
	// batcherCapacity is the flush threshold shared by both batchers.
	batcherCapacity = 200
	// minHeartbeat is the smallest heartbeat the tracker will honor.
	minHeartbeat = 15 * 1000 // milliseconds
)

// RemoteSequenceID is an opaque ordering token supplied by the remote
// change feed. It is carried as a string throughout this package; numeric
// remote sequences are stringified by the caller before being handed to
// the replicator.
type RemoteSequenceID string

// Revision identifies one version of one document.
type Revision struct {
	DocID string
	RevID string
}

// Generation parses the integer prefix of a revision id, e.g. "3-abc" -> 3.
func Generation(revID string) (int, error) {
	var idx = strings.IndexByte(revID, '-')
	if idx <= 0 {
		return 0, fmt.Errorf("malformed revision id %q: no generation prefix", revID)
	}
	var gen, err = strconv.Atoi(revID[:idx])
	if err != nil {
		return 0, fmt.Errorf("malformed revision id %q: %w", revID, err)
	}
	if gen < 1 {
		return 0, fmt.Errorf("malformed revision id %q: generation must be >= 1", revID)
	}
	return gen, nil
}

// PulledRevision is one revision discovered via the change feed, en route
// to (or already at) the local store. It is immutable after its Sequence
// is assigned, except for Properties which is set once on fetch
// completion.
type PulledRevision struct {
	Revision

	Deleted    bool
	Generation int
	Conflicted bool

	// RemoteSequenceID is the opaque token identifying this revision's
	// position in the remote change feed.
	RemoteSequenceID RemoteSequenceID
	// Sequence is the dense local integer assigned by the SequenceMap
	// when this revision is routed. Zero until routed.
	Sequence int
	// seqMapGeneration identifies which SequenceMap instance Sequence was
	// assigned against. Retry swaps in a fresh SequenceMap that restarts
	// its own dense numbering from 1, so a completion callback for a
	// revision routed before a Retry must not resolve a same-numbered
	// sequence in the new generation; see (*Replicator).resolveSequence.
	seqMapGeneration int

	// Properties is the fetched document body, set once the download
	// completes. Nil until then.
	Properties json.RawMessage
	// History is not set by this package: the inserter parses the
	// `_revisions` ancestor chain from Properties via
	// Store.ParseRevisionHistory instead.
	History []string
}

// bulkEligible reports whether a revision may be requested via the bulk
// _all_docs path: it must be an initial, live, unconflicted revision.
func (r *PulledRevision) bulkEligible() bool {
	return r.Generation == 1 && !r.Deleted && !r.Conflicted
}

// ChangeEntry is one record from the remote change feed, as delivered by
// the ChangeTracker: a document id together with the leaf revisions the
// remote currently has for it, at a given remote sequence.
type ChangeEntry struct {
	Seq     RemoteSequenceID `json:"seq"`
	ID      string           `json:"id"`
	Deleted bool             `json:"deleted"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
}

// StoreStatus is the result of a store write, mirroring the status codes
// the pull core must distinguish behavior for.
type StoreStatus int

const (
	StatusOK StoreStatus = iota
	StatusForbidden
	StatusDBBusy
	StatusUpstreamError
	StatusOtherError
)
