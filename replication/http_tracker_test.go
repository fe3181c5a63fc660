package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPTrackerOneShotParsesResultsAndCheckpoint(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "normal", req.URL.Query().Get("feed"))
		require.Equal(t, "5", req.URL.Query().Get("since"))
		w.Write([]byte(`{"results":[{"seq":"6","id":"doc1","changes":[{"rev":"1-aaa"}]}],"last_seq":"6","driver_checkpoint":{"cursor":6}}`))
	}))
	defer server.Close()

	var executor, err = NewHTTPExecutor(server.URL+"/", nil, "test-agent", 0)
	require.NoError(t, err)
	var tracker = NewHTTPTracker(executor, nil)
	tracker.Configure(TrackerConfig{Mode: ModeOneShot, Limit: 100, LastSequence: "5"})

	var gotChanges []ChangeEntry
	var gotPatch []byte
	var stoppedErr error
	var done = make(chan struct{})
	tracker.Start(context.Background(),
		func(changes []ChangeEntry, patch json.RawMessage) { gotChanges = changes; gotPatch = patch },
		func(err error) { stoppedErr = err; close(done) },
	)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OneShot run to finish")
	}
	require.NoError(t, stoppedErr)
	require.Len(t, gotChanges, 1)
	require.Equal(t, "doc1", gotChanges[0].ID)
	require.JSONEq(t, `{"cursor":6}`, string(gotPatch))
}

func TestHTTPTrackerLongPollStopsOnRequest(t *testing.T) {
	var requestCount int32
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "longpoll", req.URL.Query().Get("feed"))
		atomic.AddInt32(&requestCount, 1)
		w.Write([]byte(`{"results":[{"seq":"1","id":"doc1","changes":[{"rev":"1-aaa"}]}],"last_seq":"1"}`))
	}))
	defer server.Close()

	var executor, err = NewHTTPExecutor(server.URL+"/", nil, "test-agent", 0)
	require.NoError(t, err)
	var tracker = NewHTTPTracker(executor, nil)
	tracker.Configure(TrackerConfig{Mode: ModeLongPoll, Limit: 100})

	var done = make(chan struct{})
	tracker.Start(context.Background(),
		func(changes []ChangeEntry, patch json.RawMessage) { tracker.Stop() },
		func(err error) { close(done) },
	)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for long-poll run to stop")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&requestCount), int32(1))
}

func TestHTTPTrackerUpstreamErrorClassifiesOffline(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var executor, err = NewHTTPExecutor(server.URL+"/", nil, "test-agent", 0)
	require.NoError(t, err)
	var tracker = NewHTTPTracker(executor, nil)
	tracker.Configure(TrackerConfig{Mode: ModeOneShot, Limit: 100})

	var stoppedErr error
	var done = make(chan struct{})
	tracker.Start(context.Background(), func([]ChangeEntry, json.RawMessage) {}, func(err error) { stoppedErr = err; close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.True(t, isOfflineClass(stoppedErr))
}
