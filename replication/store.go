package replication

import "context"

// Store is the external local-store collaborator. Only this interface is
// in scope for the pull replicator core; the storage engine behind it
// (durability, indexing, compaction) is out of scope.
type Store interface {
	// IsValidDocumentID reports whether id is acceptable as a document id
	// for this store. Malformed feed entries fail this check and are
	// silently skipped.
	IsValidDocumentID(id string) bool

	// FindMissingRevisions removes, in place, any revision in revs that
	// the store already has, returning the revisions still missing. The
	// relative order of the surviving revisions is preserved.
	FindMissingRevisions(ctx context.Context, revs []*PulledRevision) ([]*PulledRevision, error)

	// GetPossibleAncestorRevisionIDs returns up to limit ancestor
	// revision ids the store might already hold for rev's document, and
	// whether the local document (if any) has attachments.
	GetPossibleAncestorRevisionIDs(ctx context.Context, rev Revision, limit int) (ids []string, hasAttachments bool, err error)

	// InTransaction runs fn within a store transaction. If fn returns
	// StatusDBBusy, the store retries the entire transaction body.
	InTransaction(ctx context.Context, fn func(ctx context.Context) StoreStatus) error

	// ForceInsert inserts rev with the given revision history, recording
	// source as its provenance. history is ordered from rev's own
	// revision id back through its ancestors.
	ForceInsert(ctx context.Context, rev *PulledRevision, history []string, source string) StoreStatus

	// ParseRevisionHistory extracts the `_revisions` ancestor chain from
	// a fetched document body. Returns nil if the body carries none.
	ParseRevisionHistory(properties []byte) []string
}
