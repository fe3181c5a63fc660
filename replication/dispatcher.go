package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// pullRemoteRevisions implements C6, the Fetch Dispatcher: while under
// the connection cap, it prefers bulk fetches, then individual live
// revisions, then individual tombstones, issuing one request per pass
// and looping until no work remains or the cap is hit.
func (r *Replicator) pullRemoteRevisions(ctx context.Context) {
	for r.running && r.httpConnectionCount < kMaxOpenHTTPConnections {
		if len(r.bulkRevs) > 0 {
			var n = len(r.bulkRevs)
			if n > kMaxRevsToGetInBulk {
				n = kMaxRevsToGetInBulk
			}
			if n == 1 {
				// A bulk request of exactly one key is wasteful; demote
				// it to the individual path and re-evaluate.
				r.revs = append(r.revs, r.bulkRevs[0])
				r.bulkRevs = r.bulkRevs[1:]
				continue
			}
			var batch = append([]*PulledRevision(nil), r.bulkRevs[:n]...)
			r.bulkRevs = r.bulkRevs[n:]
			r.issueBulkGet(ctx, batch)
			continue
		}

		if len(r.revs) > 0 {
			var rev = r.revs[0]
			r.revs = r.revs[1:]
			r.issueIndividualGet(ctx, rev)
			continue
		}

		if len(r.deletedRevs) > 0 {
			var rev = r.deletedRevs[0]
			r.deletedRevs = r.deletedRevs[1:]
			r.issueIndividualGet(ctx, rev)
			continue
		}

		break
	}
}

func (r *Replicator) beginRequest() {
	r.httpConnectionCount++
	httpConnectionsGauge.WithLabelValues(r.metricsLabel()).Set(float64(r.httpConnectionCount))
}

// endRequest decrements the connection count and re-invokes the
// dispatcher, per the "always call the dispatcher again from the
// completion" rule. Must run on the worker.
func (r *Replicator) endRequest(ctx context.Context) {
	r.httpConnectionCount--
	httpConnectionsGauge.WithLabelValues(r.metricsLabel()).Set(float64(r.httpConnectionCount))
	r.pullRemoteRevisions(ctx)
}

func (r *Replicator) markProcessed(n int) {
	r.changesProcessed += int64(n)
	changesProcessedCounter.WithLabelValues(r.metricsLabel()).Add(float64(n))
	checkpointLag(r.metricsLabel(), r.changesTotal, r.changesProcessed)
}

// issueIndividualGet implements the individual-GET half of C6.
func (r *Replicator) issueIndividualGet(ctx context.Context, rev *PulledRevision) {
	var path = fmt.Sprintf("%s?rev=%s&revs=true&attachments=true",
		url.PathEscape(rev.DocID), url.QueryEscape(rev.RevID))

	var ids, hasAttachments, err = r.store.GetPossibleAncestorRevisionIDs(ctx, rev.Revision, kMaxNumberOfAttsSince)
	if err != nil {
		r.recordError("ancestor_lookup", err)
	} else if len(ids) > 0 && hasAttachments {
		path += "&atts_since=" + url.QueryEscape(attsSinceJSON(ids))
	}

	r.beginRequest()
	r.executor.GetDocument(ctx, path, r.cfg.RequestHeaders, func(result FetchResult) {
		r.enqueue(func() {
			r.completeIndividualGet(ctx, rev, result)
			r.endRequest(ctx)
		})
	})
}

func (r *Replicator) completeIndividualGet(_ context.Context, rev *PulledRevision, result FetchResult) {
	if result.Err != nil {
		if isOfflineClass(result.Err) {
			r.online = false
		} else {
			r.recordError("fetch", result.Err)
		}
		r.markProcessed(1)
		return
	}
	rev.Properties = result.Document
	r.tasks.Started() // the pending insert
	r.download.Push(rev)
}

// issueBulkGet implements the bulk-GET half of C6.
func (r *Replicator) issueBulkGet(ctx context.Context, batch []*PulledRevision) {
	var keys = make([]string, len(batch))
	for i, rev := range batch {
		keys[i] = rev.DocID
	}
	var body, _ = json.Marshal(struct {
		Keys []string `json:"keys"`
	}{Keys: keys})

	bulkFetchSizeHistogram.WithLabelValues(r.metricsLabel()).Observe(float64(len(batch)))

	r.beginRequest()
	r.executor.SendAsyncRequest(ctx, http.MethodPost, "_all_docs?include_docs=true", body, func(data []byte, err error) {
		r.enqueue(func() {
			r.completeBulkGet(ctx, batch, data, err)
			r.endRequest(ctx)
		})
	})
}

type bulkDocsResponse struct {
	Rows []struct {
		ID  string          `json:"id"`
		Doc json.RawMessage `json:"doc"`
	} `json:"rows"`
}

type docEnvelope struct {
	ID          string          `json:"_id"`
	Rev         string          `json:"_rev"`
	Attachments json.RawMessage `json:"_attachments,omitempty"`
}

func (r *Replicator) completeBulkGet(ctx context.Context, batch []*PulledRevision, data []byte, err error) {
	if err != nil {
		if isOfflineClass(err) {
			r.online = false
		} else {
			r.recordError("bulk_fetch", err)
		}
		r.markProcessed(len(batch))
		return
	}

	var resp bulkDocsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		r.recordError("bulk_fetch", fmt.Errorf("parsing _all_docs response: %w", err))
		r.markProcessed(len(batch))
		return
	}

	var remaining = batch
	for _, row := range resp.Rows {
		if len(row.Doc) == 0 || string(row.Doc) == "null" {
			continue
		}
		var env docEnvelope
		if err := json.Unmarshal(row.Doc, &env); err != nil {
			continue
		}
		if len(env.Attachments) > 0 {
			continue // let the individual path fetch attachments properly.
		}
		var idx = indexOfRev(remaining, env.ID, env.Rev)
		if idx < 0 {
			continue
		}
		var rev = remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)

		rev.Properties = row.Doc
		r.tasks.Started() // the pending insert
		r.download.Push(rev)
	}

	if len(remaining) > 0 {
		r.revs = append(r.revs, remaining...)
		r.pullRemoteRevisions(ctx)
	}
}

func indexOfRev(revs []*PulledRevision, docID, revID string) int {
	for i, rev := range revs {
		if rev.DocID == docID && rev.RevID == revID {
			return i
		}
	}
	return -1
}

// attsSinceJSON renders ids as a JSON array of quoted revision ids, the
// form the atts_since query parameter expects, capped at
// kMaxNumberOfAttsSince entries.
func attsSinceJSON(ids []string) string {
	if len(ids) > kMaxNumberOfAttsSince {
		ids = ids[:kMaxNumberOfAttsSince]
	}
	var quoted = make([]string, len(ids))
	for i, id := range ids {
		var encoded, _ = json.Marshal(id)
		quoted[i] = string(encoded)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
