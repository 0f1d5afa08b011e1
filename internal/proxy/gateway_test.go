package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multiverselabs/inference-gateway/internal/registry"
	"github.com/valyala/fasthttp/fasthttputil"
)

const testAdminKey = "abcdefghijklmnop"

func newGateway(t *testing.T, opts GatewayOptions) (*registry.Store, *Gateway) {
	t.Helper()
	store := newTestStore(t)
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	gw := NewGateway(store, opts)
	gw.SetAdminKey(testAdminKey)
	return store, gw
}

// serveGateway runs the full routing table on an in-memory listener and
// returns an HTTP client wired to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := gw.NewServer(nil)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

// chatBackend is a minimal OpenAI-compatible backend.
func chatBackend(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
		case "/v1/chat/completions", "/v1/completions":
			w.Header().Set("Content-Type", "application/json")
			resp := map[string]any{
				"id":      "chatcmpl-test",
				"object":  "chat.completion",
				"created": time.Now().Unix(),
				"model":   "m1",
				"choices": []map[string]any{{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": reply},
					"finish_reason": "stop",
				}},
				"usage": map[string]int{"prompt_tokens": 1, "completion_tokens": 2, "total_tokens": 3},
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

// sseBackend streams a fixed SSE sequence ending in [DONE].
func sseBackend(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			fl.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	t.Cleanup(ts.Close)
	return ts
}

// deadBackend returns a URL with nothing listening on it.
func deadBackend(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()
	return url
}

func chatBody(model string, stream bool) *bytes.Reader {
	b, _ := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   stream,
	})
	return bytes.NewReader(b)
}

func TestDispatchBufferedHappyPath(t *testing.T) {
	store, gw := newGateway(t, GatewayOptions{})
	backend := chatBackend(t, "hello")
	srv := addHealthy(t, store, "m1", backend.URL, 0)
	client := serveGateway(t, gw)

	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("m1", false))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Gateway-Server-ID"); got != srv.RegistrationID {
		t.Errorf("X-Gateway-Server-ID = %q, want %q", got, srv.RegistrationID)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing on response")
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello" {
		t.Errorf("unexpected body: %+v", out)
	}

	// A served 2xx refreshes the backend's health bookkeeping.
	got, _ := store.Get(context.Background(), srv.RegistrationID)
	if got.LastCheckedAt == nil {
		t.Error("last_checked_at not refreshed after a successful forward")
	}
}

func TestDispatchForwardsAuthAndRequestID(t *testing.T) {
	var gotAuth, gotReqID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(ts.Close)

	store, gw := newGateway(t, GatewayOptions{})
	srv := addHealthy(t, store, "m1", ts.URL, 0)
	key := "sk-backend"
	if _, err := store.Patch(context.Background(), srv.RegistrationID, registry.Patch{BackendAPIKey: &key}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	client := serveGateway(t, gw)

	req, _ := http.NewRequest(http.MethodPost, "http://gw/v1/chat/completions", chatBody("m1", false))
	req.Header.Set("X-Request-ID", "req-789")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer sk-backend" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReqID != "req-789" {
		t.Errorf("X-Request-ID forwarded = %q", gotReqID)
	}
}

func TestDispatchModelNotFound(t *testing.T) {
	store, gw := newGateway(t, GatewayOptions{})
	backend := chatBackend(t, "x")
	addHealthy(t, store, "other-model", backend.URL, 0)
	client := serveGateway(t, gw)

	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("nope", false))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var e struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error.Type != "ModelNotFound" || e.Error.Code != 404 {
		t.Errorf("error = %+v", e.Error)
	}
	if !strings.Contains(e.Error.Message, "other-model") {
		t.Errorf("message does not list available models: %q", e.Error.Message)
	}
}

func TestDispatchNoHealthyServer(t *testing.T) {
	store, gw := newGateway(t, GatewayOptions{})
	srv := addHealthy(t, store, "m1", "http://unused.example.com:8000", 0)
	if _, err := store.RecordFailure(context.Background(), srv.RegistrationID); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	client := serveGateway(t, gw)

	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("m1", false))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestDispatchBadRequests(t *testing.T) {
	_, gw := newGateway(t, GatewayOptions{})
	client := serveGateway(t, gw)

	for name, body := range map[string]string{
		"invalid json":  "{not json",
		"missing model": `{"messages":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := client.Post("http://gw/v1/chat/completions", "application/json", strings.NewReader(body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestDispatchFailover(t *testing.T) {
	store, gw := newGateway(t, GatewayOptions{MaxRetryAttempts: 2})
	dead := addHealthy(t, store, "m1", deadBackend(t), 0)
	live := addHealthy(t, store, "m1", chatBackend(t, "survived").URL, time.Minute)
	client := serveGateway(t, gw)

	// Cursor starts at the dead backend; the request must still succeed.
	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("m1", false))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 via failover", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Gateway-Server-ID"); got != live.RegistrationID {
		t.Errorf("served by %q, want the live backend %q", got, live.RegistrationID)
	}

	// The dead backend was demoted on the way.
	d, _ := store.Get(context.Background(), dead.RegistrationID)
	if d.HealthStatus != "unhealthy" {
		t.Errorf("dead backend health = %q, want unhealthy", d.HealthStatus)
	}
	if d.ConsecutiveFailures != 1 {
		t.Errorf("dead backend failures = %d, want 1", d.ConsecutiveFailures)
	}
}

func TestDispatchAllAttemptsFailed(t *testing.T) {
	store, gw := newGateway(t, GatewayOptions{MaxRetryAttempts: 1})
	addHealthy(t, store, "m1", deadBackend(t), 0)
	addHealthy(t, store, "m1", deadBackend(t), time.Minute)
	addHealthy(t, store, "m1", deadBackend(t), 2*time.Minute)
	client := serveGateway(t, gw)

	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("m1", false))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
}

func TestDispatchBackendErrorPassesThrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit","code":429}}`))
	}))
	t.Cleanup(ts.Close)

	store, gw := newGateway(t, GatewayOptions{MaxRetryAttempts: 2})
	srv := addHealthy(t, store, "m1", ts.URL, 0)
	client := serveGateway(t, gw)

	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("m1", false))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	// A backend's own 4xx answer is not a transport failure.
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 passed through", resp.StatusCode)
	}
	got, _ := store.Get(context.Background(), srv.RegistrationID)
	if got.HealthStatus != "healthy" {
		t.Errorf("backend demoted for its own 4xx: health = %q", got.HealthStatus)
	}
}

func TestDispatchStreaming(t *testing.T) {
	events := []string{
		`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
	}
	store, gw := newGateway(t, GatewayOptions{})
	srv := addHealthy(t, store, "m1", sseBackend(t, events).URL, 0)
	client := serveGateway(t, gw)

	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("m1", true))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := resp.Header.Get("X-Gateway-Server-ID"); got != srv.RegistrationID {
		t.Errorf("X-Gateway-Server-ID = %q", got)
	}

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 3 {
		t.Fatalf("got %d SSE data lines, want 3: %v", len(lines), lines)
	}
	if lines[len(lines)-1] != "data: [DONE]" {
		t.Errorf("last line = %q, want the [DONE] sentinel", lines[len(lines)-1])
	}
	if !strings.Contains(lines[0], "Hel") {
		t.Errorf("first event = %q", lines[0])
	}
}

func TestDispatchStreamingFailover(t *testing.T) {
	store, gw := newGateway(t, GatewayOptions{MaxRetryAttempts: 2})
	addHealthy(t, store, "m1", deadBackend(t), 0)
	live := addHealthy(t, store, "m1", sseBackend(t, []string{`{"x":1}`}).URL, time.Minute)
	client := serveGateway(t, gw)

	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("m1", true))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 via pre-response failover", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Gateway-Server-ID"); got != live.RegistrationID {
		t.Errorf("served by %q, want %q", got, live.RegistrationID)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("data: [DONE]")) {
		t.Errorf("stream did not complete: %q", body)
	}
}

func TestDispatchStreamBrokenMidStream(t *testing.T) {
	// Backend dies after the first chunk. Relayed bytes are never replayed:
	// the client keeps what arrived, gets no [DONE], and the backend is
	// demoted without a retry.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}`+"\n\n")
		w.(http.Flusher).Flush()

		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))
	t.Cleanup(ts.Close)

	var spareHits int32
	spare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&spareHits, 1)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(spare.Close)

	store, gw := newGateway(t, GatewayOptions{MaxRetryAttempts: 2})
	srv := addHealthy(t, store, "m1", ts.URL, 0)
	addHealthy(t, store, "m1", spare.URL, time.Minute)
	client := serveGateway(t, gw)

	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("m1", true))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; headers were already committed before the break", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Gateway-Server-ID"); got != srv.RegistrationID {
		t.Fatalf("served by %q, want the backend that broke (%q)", got, srv.RegistrationID)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("Hel")) {
		t.Errorf("chunk sent before the break was not relayed: %q", body)
	}
	if bytes.Contains(body, []byte("[DONE]")) {
		t.Errorf("truncated stream must not carry the [DONE] sentinel: %q", body)
	}
	if n := atomic.LoadInt32(&spareHits); n != 0 {
		t.Errorf("post-response failure retried onto another backend (%d hits)", n)
	}

	got, err := store.Get(context.Background(), srv.RegistrationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.HealthStatus != "unhealthy" {
		t.Errorf("health = %q, want unhealthy after a broken stream", got.HealthStatus)
	}
	if got.ConsecutiveFailures < 1 {
		t.Errorf("consecutive_failures = %d, want >= 1", got.ConsecutiveFailures)
	}
}

func TestDispatchStreamIdleCut(t *testing.T) {
	// Backend sends one chunk and then stalls forever. The relay cuts the
	// stream once the idle-chunk deadline passes and demotes the backend.
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"Hel"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	store, gw := newGateway(t, GatewayOptions{StreamIdleTimeout: 200 * time.Millisecond})
	srv := addHealthy(t, store, "m1", ts.URL, 0)
	client := serveGateway(t, gw)

	start := time.Now()
	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", chatBody("m1", true))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	elapsed := time.Since(start)

	if !bytes.Contains(body, []byte("Hel")) {
		t.Errorf("chunk sent before the stall was not relayed: %q", body)
	}
	if bytes.Contains(body, []byte("[DONE]")) {
		t.Errorf("cut stream must not carry the [DONE] sentinel: %q", body)
	}
	if elapsed > 5*time.Second {
		t.Errorf("stream not cut by the idle deadline: took %s", elapsed)
	}

	got, err := store.Get(context.Background(), srv.RegistrationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.HealthStatus != "unhealthy" {
		t.Errorf("health = %q, want unhealthy after an idle cut", got.HealthStatus)
	}
	if got.ConsecutiveFailures < 1 {
		t.Errorf("consecutive_failures = %d, want >= 1", got.ConsecutiveFailures)
	}
}

func TestDispatchBodyTooLarge(t *testing.T) {
	_, gw := newGateway(t, GatewayOptions{})
	gw.SetMaxBodySize(256)
	client := serveGateway(t, gw)

	big := fmt.Sprintf(`{"model":"m1","messages":[{"role":"user","content":"%s"}]}`,
		strings.Repeat("a", 1024))
	resp, err := client.Post("http://gw/v1/chat/completions", "application/json", strings.NewReader(big))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	var e struct {
		Error struct {
			Type string `json:"type"`
			Code int    `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("413 body is not the JSON envelope: %v", err)
	}
	if e.Error.Type != "PayloadTooLarge" || e.Error.Code != 413 {
		t.Errorf("error = %+v", e.Error)
	}
}

func TestHandleModels(t *testing.T) {
	store, gw := newGateway(t, GatewayOptions{})
	backend := chatBackend(t, "x")
	addHealthy(t, store, "m1", backend.URL, 0)
	addHealthy(t, store, "m1", backend.URL+"/alt", time.Minute)
	sick := addHealthy(t, store, "m2", backend.URL+"/b", 0)
	if _, err := store.RecordFailure(context.Background(), sick.RegistrationID); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	client := serveGateway(t, gw)

	resp, err := client.Get("http://gw/v1/models")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID               string `json:"id"`
			Object           string `json:"object"`
			OwnedBy          string `json:"owned_by"`
			AvailableServers int    `json:"available_servers"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 2 {
		t.Fatalf("list = %+v", out)
	}
	if out.Data[0].ID != "m1" || out.Data[0].AvailableServers != 2 {
		t.Errorf("m1 entry = %+v", out.Data[0])
	}
	if out.Data[1].ID != "m2" || out.Data[1].AvailableServers != 0 {
		t.Errorf("m2 entry = %+v", out.Data[1])
	}
	if out.Data[0].OwnedBy != "multiverse" || out.Data[0].Object != "model" {
		t.Errorf("entry shape = %+v", out.Data[0])
	}
}

func TestHandleHealth(t *testing.T) {
	_, gw := newGateway(t, GatewayOptions{Version: "1.2.3"})
	client := serveGateway(t, gw)

	resp, err := client.Get("http://gw/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" || out["database"] != "ok" || out["version"] != "1.2.3" {
		t.Errorf("health = %v", out)
	}
}

func TestRootDescriptor(t *testing.T) {
	_, gw := newGateway(t, GatewayOptions{})
	client := serveGateway(t, gw)

	resp, err := client.Get("http://gw/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["service"] != "inference-gateway" {
		t.Errorf("service = %v", out["service"])
	}
}
