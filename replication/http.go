package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

// FetchResult is what a document fetch yields: either a document body (as
// raw JSON, already stripped of its multipart envelope) or an error.
type FetchResult struct {
	Document json.RawMessage
	Err      error
}

// Executor is the HTTP request/multipart-download collaborator consumed
// by the Fetch Dispatcher. Its concrete implementation (HTTPExecutor)
// talks to a real remote; tests substitute a fake.
type Executor interface {
	// SendAsyncRequest issues method against path (resolved against the
	// executor's base remote) with body, invoking onCompletion with the
	// raw response body or an error. Errors satisfying errors.Is(err,
	// ErrOffline) signal a transport/offline-class failure.
	SendAsyncRequest(ctx context.Context, method, path string, body []byte, onCompletion func([]byte, error))

	// GetDocument issues a multipart GET for path and parses the
	// envelope down to the `document` part's JSON body.
	GetDocument(ctx context.Context, path string, headers http.Header, onCompletion func(FetchResult))
}

// HTTPExecutor is the concrete Executor backing a real remote, built on
// an HTTP/2-capable net/http client.
type HTTPExecutor struct {
	BaseURL    string
	Authorizer Authorizer
	Client     *http.Client
	UserAgent  string

	// limiter bounds request rate independently of the dispatcher's
	// connection-count cap, so a remote with a generous connection limit
	// but a strict request-rate quota isn't hammered during a burst of
	// completions (e.g. many small bulk batches finishing at once).
	limiter *rate.Limiter
}

// NewHTTPExecutor returns an Executor against baseURL, configured with an
// HTTP/2-capable transport, gzip response negotiation, and a request-rate
// limiter of ratePerSecond requests (burst of kMaxOpenHTTPConnections).
// A ratePerSecond of zero disables limiting.
func NewHTTPExecutor(baseURL string, authorizer Authorizer, userAgent string, ratePerSecond float64) (*HTTPExecutor, error) {
	var transport = &http.Transport{}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configuring HTTP/2 transport: %w", err)
	}
	if authorizer == nil {
		authorizer = NoAuthorizer{}
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), kMaxOpenHTTPConnections)
	}
	return &HTTPExecutor{
		BaseURL:    baseURL,
		Authorizer: authorizer,
		Client:     &http.Client{Transport: transport},
		UserAgent:  userAgent,
		limiter:    limiter,
	}, nil
}

func (e *HTTPExecutor) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request rate limit: %w", err)
		}
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	var req, err = http.NewRequestWithContext(ctx, method, e.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// A per-request correlation id, sent only as a request header; this
	// package neither logs it nor echoes it back into application data.
	req.Header.Set("X-Request-ID", uuid.NewString())
	e.Authorizer.Authorize(req)
	return req, nil
}

// SendAsyncRequest implements Executor.
func (e *HTTPExecutor) SendAsyncRequest(ctx context.Context, method, path string, body []byte, onCompletion func([]byte, error)) {
	go func() {
		var reqCtx, cancel = context.WithTimeout(ctx, httpTimeout)
		defer cancel()
		var req, err = e.newRequest(reqCtx, method, path, body)
		if err != nil {
			onCompletion(nil, err)
			return
		}
		var resp *http.Response
		resp, err = e.Client.Do(req)
		if err != nil {
			onCompletion(nil, AsOffline(err))
			return
		}
		defer resp.Body.Close()

		var reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			var gz, gzErr = gzip.NewReader(resp.Body)
			if gzErr != nil {
				onCompletion(nil, fmt.Errorf("decompressing response: %w", gzErr))
				return
			}
			defer gz.Close()
			reader = gz
		}

		var data []byte
		data, err = io.ReadAll(reader)
		if err != nil {
			onCompletion(nil, err)
			return
		}
		if resp.StatusCode >= 500 {
			onCompletion(nil, AsOffline(fmt.Errorf("remote returned %s", resp.Status)))
			return
		}
		if resp.StatusCode >= 300 {
			onCompletion(nil, fmt.Errorf("remote returned %s: %s", resp.Status, data))
			return
		}
		onCompletion(data, nil)
	}()
}

// GetDocument implements Executor, issuing a multipart GET and extracting
// the `document` part.
func (e *HTTPExecutor) GetDocument(ctx context.Context, path string, headers http.Header, onCompletion func(FetchResult)) {
	go func() {
		var reqCtx, cancel = context.WithTimeout(ctx, httpTimeout)
		defer cancel()
		var req, err = e.newRequest(reqCtx, http.MethodGet, path, nil)
		if err != nil {
			onCompletion(FetchResult{Err: err})
			return
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		var resp *http.Response
		resp, err = e.Client.Do(req)
		if err != nil {
			onCompletion(FetchResult{Err: AsOffline(err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			onCompletion(FetchResult{Err: AsOffline(fmt.Errorf("remote returned %s", resp.Status))})
			return
		}
		if resp.StatusCode >= 300 {
			var data, _ = io.ReadAll(resp.Body)
			onCompletion(FetchResult{Err: fmt.Errorf("remote returned %s: %s", resp.Status, data)})
			return
		}

		var reader io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			var gz, gzErr = gzip.NewReader(resp.Body)
			if gzErr != nil {
				onCompletion(FetchResult{Err: fmt.Errorf("decompressing response: %w", gzErr)})
				return
			}
			defer gz.Close()
			reader = gz
		}

		var doc, parseErr = parseMultipartDocument(resp.Header.Get("Content-Type"), reader)
		onCompletion(FetchResult{Document: doc, Err: parseErr})
	}()
}

// parseMultipartDocument extracts the JSON `document` part from a
// multipart/related response body as produced by a revs=true&
// attachments=true fetch. A plain (non-multipart) JSON response is
// passed through unchanged, since attachment-free fetches are often
// returned that way.
func parseMultipartDocument(contentType string, body io.Reader) (json.RawMessage, error) {
	var mediaType, params, err = mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parsing Content-Type %q: %w", contentType, err)
	}
	if mediaType == "application/json" {
		var data, readErr = io.ReadAll(body)
		if readErr != nil {
			return nil, readErr
		}
		return data, nil
	}

	var boundary = params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart response %q missing boundary", contentType)
	}
	var reader = multipart.NewReader(body, boundary)
	for {
		var part *multipart.Part
		part, err = reader.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("multipart response contained no document part")
		} else if err != nil {
			return nil, err
		}
		var partType, _, _ = mime.ParseMediaType(part.Header.Get(textproto.CanonicalMIMEHeaderKey("Content-Type")))
		if partType == "application/json" || part.FormName() == "" {
			var data, readErr = io.ReadAll(part)
			if readErr != nil {
				return nil, readErr
			}
			return data, nil
		}
	}
}

// httpTimeout bounds a single dispatcher request end to end.
const httpTimeout = 60 * time.Second
