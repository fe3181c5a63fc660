package replication

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPExecutorSendAsyncRequestDecodesBody(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "test-agent", req.Header.Get("User-Agent"))
		require.NotEmpty(t, req.Header.Get("X-Request-ID"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	var executor, err = NewHTTPExecutor(server.URL+"/", nil, "test-agent", 0)
	require.NoError(t, err)

	var gotData []byte
	var gotErr error
	var done = make(chan struct{})
	executor.SendAsyncRequest(context.Background(), "GET", "_changes", nil, func(data []byte, err error) {
		gotData, gotErr = data, err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.NoError(t, gotErr)
	require.JSONEq(t, `{"ok":true}`, string(gotData))
}

func TestHTTPExecutorSendAsyncRequestClassifies5xxAsOffline(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	var executor, err = NewHTTPExecutor(server.URL+"/", nil, "test-agent", 0)
	require.NoError(t, err)

	var gotErr error
	var done = make(chan struct{})
	executor.SendAsyncRequest(context.Background(), "GET", "_changes", nil, func(data []byte, err error) {
		gotErr = err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.True(t, isOfflineClass(gotErr))
}

func TestHTTPExecutorSendAsyncRequestPropagates4xx(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("nope"))
	}))
	defer server.Close()

	var executor, err = NewHTTPExecutor(server.URL+"/", nil, "test-agent", 0)
	require.NoError(t, err)

	var gotErr error
	var done = make(chan struct{})
	executor.SendAsyncRequest(context.Background(), "GET", "_changes", nil, func(data []byte, err error) {
		gotErr = err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.Error(t, gotErr)
	require.False(t, isOfflineClass(gotErr))
}

func TestHTTPExecutorGetDocumentParsesPlainJSON(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"_id":"doc1","_rev":"1-aaa"}`))
	}))
	defer server.Close()

	var executor, err = NewHTTPExecutor(server.URL+"/", nil, "test-agent", 0)
	require.NoError(t, err)

	var result FetchResult
	var done = make(chan struct{})
	executor.GetDocument(context.Background(), "doc1", nil, func(r FetchResult) {
		result = r
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.NoError(t, result.Err)
	require.JSONEq(t, `{"_id":"doc1","_rev":"1-aaa"}`, string(result.Document))
}

func TestHTTPExecutorGetDocumentParsesMultipartRelated(t *testing.T) {
	var body = "--BOUNDARY\r\n" +
		"Content-Type: application/json\r\n\r\n" +
		`{"_id":"doc1","_rev":"1-aaa","_attachments":{"f":{"follows":true}}}` + "\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: application/octet-stream\r\n\r\n" +
		"binary-data-here\r\n" +
		"--BOUNDARY--\r\n"
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", `multipart/related; boundary="BOUNDARY"`)
		w.Write([]byte(body))
	}))
	defer server.Close()

	var executor, err = NewHTTPExecutor(server.URL+"/", nil, "test-agent", 0)
	require.NoError(t, err)

	var result FetchResult
	var done = make(chan struct{})
	executor.GetDocument(context.Background(), "doc1", nil, func(r FetchResult) {
		result = r
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.NoError(t, result.Err)
	require.JSONEq(t, `{"_id":"doc1","_rev":"1-aaa","_attachments":{"f":{"follows":true}}}`, string(result.Document))
}
