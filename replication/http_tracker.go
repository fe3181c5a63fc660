package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/estuary/pull-replicator/ops"
)

// HTTPTracker is the concrete Tracker transport: it polls a CouchDB-style
// `_changes` endpoint, in OneShot or LongPoll mode, via an Executor.
type HTTPTracker struct {
	executor Executor
	log      ops.Logger

	mu      sync.Mutex
	cfg     TrackerConfig
	stopped bool
	retryCh chan struct{}
}

// NewHTTPTracker returns a Tracker that polls through executor.
func NewHTTPTracker(executor Executor, log ops.Logger) *HTTPTracker {
	if log == nil {
		log = ops.StdLogger("tracker")
	}
	return &HTTPTracker{executor: executor, log: log, retryCh: make(chan struct{}, 1)}
}

// Configure implements Tracker.
func (t *HTTPTracker) Configure(cfg TrackerConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

// Start implements Tracker. OneShot issues exactly one request and calls
// onStopped once it completes. LongPoll repeats requests, each one
// blocking until the remote reports at least one change or the heartbeat
// elapses, until Stop is called.
func (t *HTTPTracker) Start(ctx context.Context, onChanges func([]ChangeEntry, json.RawMessage), onStopped func(error)) {
	t.mu.Lock()
	var cfg = t.cfg
	t.stopped = false
	t.mu.Unlock()

	go func() {
		var err error
		if cfg.Mode == ModeLongPoll {
			err = t.runLongPoll(ctx, cfg, onChanges)
		} else {
			err = t.runOneShot(ctx, cfg, onChanges)
		}
		onStopped(err)
	}()
}

// Stop implements Tracker.
func (t *HTTPTracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Retry implements Tracker by posting a signal on retryCh without
// blocking. The long-poll loop only drains that signal between requests
// and never waits on it, so Retry does not interrupt a request in flight.
func (t *HTTPTracker) Retry() {
	select {
	case t.retryCh <- struct{}{}:
	default:
	}
}

func (t *HTTPTracker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *HTTPTracker) runOneShot(ctx context.Context, cfg TrackerConfig, onChanges func([]ChangeEntry, json.RawMessage)) error {
	var resp, err = t.fetchChanges(ctx, cfg, cfg.LastSequence)
	if err != nil {
		return err
	}
	onChanges(resp.Results, resp.DriverCheckpoint)
	return nil
}

func (t *HTTPTracker) runLongPoll(ctx context.Context, cfg TrackerConfig, onChanges func([]ChangeEntry, json.RawMessage)) error {
	var since = cfg.LastSequence
	for !t.isStopped() {
		var resp, err = t.fetchChanges(ctx, cfg, since)
		if err != nil {
			return err
		}
		if len(resp.Results) > 0 || len(resp.DriverCheckpoint) > 0 {
			if len(resp.Results) > 0 {
				since = resp.Results[len(resp.Results)-1].Seq
			}
			onChanges(resp.Results, resp.DriverCheckpoint)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.retryCh:
		default:
		}
	}
	return nil
}

func (t *HTTPTracker) fetchChanges(ctx context.Context, cfg TrackerConfig, since RemoteSequenceID) (changesFeedResponse, error) {
	var path = buildChangesPath(cfg, since)

	var resultCh = make(chan struct {
		data []byte
		err  error
	}, 1)
	t.executor.SendAsyncRequest(ctx, "GET", path, nil, func(data []byte, err error) {
		resultCh <- struct {
			data []byte
			err  error
		}{data, err}
	})

	select {
	case <-ctx.Done():
		return changesFeedResponse{}, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return changesFeedResponse{}, result.err
		}
		return parseChangesResponse(result.data)
	}
}

func buildChangesPath(cfg TrackerConfig, since RemoteSequenceID) string {
	var q = url.Values{}
	q.Set("feed", "normal")
	if cfg.Mode == ModeLongPoll {
		q.Set("feed", "longpoll")
	}
	q.Set("limit", strconv.Itoa(cfg.Limit))
	q.Set("since", string(since))
	if cfg.Heartbeat > 0 {
		q.Set("heartbeat", strconv.FormatInt(cfg.Heartbeat.Milliseconds(), 10))
	}
	if cfg.FilterName != "" {
		q.Set("filter", cfg.FilterName)
		for k, v := range cfg.FilterParameters {
			q.Set(k, v)
		}
	}
	if len(cfg.DocIDs) > 0 {
		q.Set("filter", "_doc_ids")
		var ids, _ = json.Marshal(cfg.DocIDs)
		q.Set("doc_ids", string(ids))
	}
	return "_changes?" + q.Encode()
}

// changesFeedResponse mirrors a CouchDB-style `_changes` response, plus
// the opaque driver-checkpoint extension a remote may attach to let a
// future version resume with extra metadata this core never interprets.
type changesFeedResponse struct {
	Results          []ChangeEntry   `json:"results"`
	LastSeq          string          `json:"last_seq"`
	DriverCheckpoint json.RawMessage `json:"driver_checkpoint,omitempty"`
}

func parseChangesResponse(data []byte) (changesFeedResponse, error) {
	var resp changesFeedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return changesFeedResponse{}, fmt.Errorf("%w: parsing _changes response: %v", ErrUpstreamProtocol, err)
	}
	return resp, nil
}
