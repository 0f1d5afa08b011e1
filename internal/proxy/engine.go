package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/multiverselabs/inference-gateway/internal/registry"
)

// streamReadBuffer is the read granularity for streaming bodies. Chunk
// boundaries from the backend are preserved when they fit; larger reads are
// split on SSE event delimiters by the relay loop.
const streamReadBuffer = 32 * 1024

// PreResponseError marks an upstream failure that happened before any status
// line was received (DNS, connect, TLS, timeout before first byte). These are
// the only failures eligible for failover.
type PreResponseError struct {
	Reason string
	Err    error
}

func (e *PreResponseError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Reason, e.Err)
}

func (e *PreResponseError) Unwrap() error { return e.Err }

// BufferedResult is a fully collected backend response.
type BufferedResult struct {
	Status int
	Header http.Header
	Body   []byte
}

// StreamResult is a one-shot backend stream. Chunks closes when the stream
// ends; Err reports whether it ended cleanly. Cancel tears the upstream
// connection down and must always be called.
type StreamResult struct {
	Status int
	Header http.Header
	Chunks <-chan []byte
	Cancel context.CancelFunc

	err *error
}

// Err returns the terminal stream error. Only valid after Chunks is closed.
func (r *StreamResult) Err() error { return *r.err }

// Upstream forwards requests to registered backends over HTTP.
type Upstream struct {
	client            *http.Client
	requestTimeout    time.Duration
	streamIdleTimeout time.Duration
}

func NewUpstream(requestTimeout, streamIdleTimeout time.Duration) *Upstream {
	return &Upstream{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		requestTimeout:    requestTimeout,
		streamIdleTimeout: streamIdleTimeout,
	}
}

// StreamIdleTimeout is the maximum gap allowed between stream chunks.
func (u *Upstream) StreamIdleTimeout() time.Duration { return u.streamIdleTimeout }

func (u *Upstream) buildRequest(ctx context.Context, srv *registry.Server, path string, body []byte, requestID string) (*http.Request, error) {
	url := strings.TrimRight(srv.EndpointURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &PreResponseError{Reason: "build_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if srv.BackendAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+srv.BackendAPIKey)
	}
	return req, nil
}

// ForwardBuffered sends the request and collects the whole backend response.
// The total deadline covers connect through body read. All failures before
// a complete response are *PreResponseError since no client byte is written
// until the caller has the full result.
func (u *Upstream) ForwardBuffered(ctx context.Context, srv *registry.Server, path string, body []byte, requestID string) (*BufferedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, u.requestTimeout)
	defer cancel()

	req, err := u.buildRequest(ctx, srv, path, body, requestID)
	if err != nil {
		return nil, err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, &PreResponseError{Reason: "connect", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &PreResponseError{Reason: "read_body", Err: err}
	}

	return &BufferedResult{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   respBody,
	}, nil
}

// ForwardStream sends the request and returns the backend response as a lazy
// chunk sequence. There is no total deadline; the relay loop enforces the
// idle-chunk deadline by calling Cancel when Chunks stalls. A failure before
// the status line is *PreResponseError; a failure mid-body surfaces through
// StreamResult.Err after Chunks closes.
func (u *Upstream) ForwardStream(ctx context.Context, srv *registry.Server, path string, body []byte, requestID string) (*StreamResult, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := u.buildRequest(ctx, srv, path, body, requestID)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		cancel()
		return nil, &PreResponseError{Reason: "connect", Err: err}
	}

	chunks := make(chan []byte, 1)
	var streamErr error

	go func() {
		defer close(chunks)
		defer func() { _ = resp.Body.Close() }()

		buf := make([]byte, streamReadBuffer)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					streamErr = ctx.Err()
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					streamErr = err
				}
				return
			}
		}
	}()

	return &StreamResult{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Chunks: chunks,
		Cancel: cancel,
		err:    &streamErr,
	}, nil
}

// hopByHopHeaders are stripped when copying backend headers to the client.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}
