package replication

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
)

var errFindMissingBoom = errors.New("fakeStore: find missing boom")
var errFetchBoom = errors.New("fakeExecutor: fetch boom")

// fakeStore is an in-memory Store double: docs present in `have` are
// never missing; forceInsertStatus overrides ForceInsert's return value
// per call, defaulting to StatusOK.
type fakeStore struct {
	mu   sync.Mutex
	have map[string]string // docID -> revID already present

	findMissingErr error
	forceInsertFn  func(rev *PulledRevision) StoreStatus
	inserted       []*PulledRevision

	ancestors map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{have: map[string]string{}, ancestors: map[string][]string{}}
}

func (s *fakeStore) IsValidDocumentID(id string) bool { return id != "" }

func (s *fakeStore) FindMissingRevisions(ctx context.Context, revs []*PulledRevision) ([]*PulledRevision, error) {
	if s.findMissingErr != nil {
		return nil, s.findMissingErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []*PulledRevision
	for _, rev := range revs {
		if s.have[rev.DocID] == rev.RevID {
			continue
		}
		missing = append(missing, rev)
	}
	return missing, nil
}

func (s *fakeStore) GetPossibleAncestorRevisionIDs(ctx context.Context, rev Revision, limit int) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids = s.ancestors[rev.DocID]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, len(ids) > 0, nil
}

func (s *fakeStore) InTransaction(ctx context.Context, fn func(ctx context.Context) StoreStatus) error {
	fn(ctx)
	return nil
}

func (s *fakeStore) ForceInsert(ctx context.Context, rev *PulledRevision, history []string, source string) StoreStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var status = StatusOK
	if s.forceInsertFn != nil {
		status = s.forceInsertFn(rev)
	}
	if status == StatusOK {
		s.have[rev.DocID] = rev.RevID
		s.inserted = append(s.inserted, rev)
	}
	return status
}

// ParseRevisionHistory returns the raw `_revisions.ids` of properties, or
// nil if it carries none.
func (s *fakeStore) ParseRevisionHistory(properties []byte) []string {
	var doc struct {
		Revisions struct {
			IDs []string `json:"ids"`
		} `json:"_revisions"`
	}
	if json.Unmarshal(properties, &doc) != nil {
		return nil
	}
	return doc.Revisions.IDs
}

// fakeExecutor is an Executor double whose responses are driven by test
// code via the channels/funcs below; by default it answers synchronously.
type fakeExecutor struct {
	mu sync.Mutex

	bulkResponse func(body []byte) ([]byte, error)
	getResponse  func(path string) FetchResult
}

func (e *fakeExecutor) SendAsyncRequest(ctx context.Context, method, path string, body []byte, onCompletion func([]byte, error)) {
	if e.bulkResponse != nil {
		var data, err = e.bulkResponse(body)
		onCompletion(data, err)
		return
	}
	onCompletion([]byte(`{"rows":[]}`), nil)
}

func (e *fakeExecutor) GetDocument(ctx context.Context, path string, headers http.Header, onCompletion func(FetchResult)) {
	if e.getResponse != nil {
		onCompletion(e.getResponse(path))
		return
	}
	onCompletion(FetchResult{Document: json.RawMessage(`{}`)})
}

// fakeTracker is a Tracker double driven entirely by direct method calls
// from test code (no real polling loop).
type fakeTracker struct {
	mu         sync.Mutex
	cfg        TrackerConfig
	onChanges  func([]ChangeEntry, json.RawMessage)
	onStopped  func(error)
	stopCalls  int
	retryCalls int
}

func (t *fakeTracker) Configure(cfg TrackerConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

func (t *fakeTracker) Start(ctx context.Context, onChanges func([]ChangeEntry, json.RawMessage), onStopped func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChanges = onChanges
	t.onStopped = onStopped
}

func (t *fakeTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCalls++
	if t.onStopped != nil {
		var cb = t.onStopped
		t.onStopped = nil
		go cb(nil)
	}
}

func (t *fakeTracker) Retry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCalls++
}

// fakeCheckpointStore is an in-memory CheckpointStore double.
type fakeCheckpointStore struct {
	mu    sync.Mutex
	saved map[string]Checkpoint
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{saved: map[string]Checkpoint{}}
}

func (s *fakeCheckpointStore) Load(key string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[key], nil
}

func (s *fakeCheckpointStore) Save(key string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[key] = cp
	return nil
}
