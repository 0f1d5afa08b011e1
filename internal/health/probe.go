// Package health probes registered backends and maintains their health
// status in the registry, deregistering backends that stay down.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// probeBodyLimit caps how much of a probe response we read. A well formed
// model list is tiny; anything larger is suspect but still accepted as long
// as the prefix decodes.
const probeBodyLimit = 1 << 20

// Result is the outcome of a single probe.
type Result struct {
	OK        bool
	LatencyMs int64
	Err       error
}

// Prober issues health probes against backend endpoints.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber returns a prober whose individual probes are bounded by timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		client: &http.Client{
			// No redirects: a healthy backend answers its own /v1/models.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

// Probe checks a backend by fetching its /v1/models listing. A backend is
// healthy when it answers 2xx with a JSON object body within the timeout.
// Latency covers the full request including body read.
func (p *Prober) Probe(ctx context.Context, endpointURL string) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := strings.TrimRight(endpointURL, "/") + "/v1/models"

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Err: fmt.Errorf("health: build probe request: %w", err)}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{
			LatencyMs: time.Since(start).Milliseconds(),
			Err:       fmt.Errorf("health: probe %s: %w", url, err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Result{
			LatencyMs: latency,
			Err:       fmt.Errorf("health: read probe body from %s: %w", url, err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			LatencyMs: latency,
			Err:       fmt.Errorf("health: probe %s: status %d", url, resp.StatusCode),
		}
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return Result{
			LatencyMs: latency,
			Err:       fmt.Errorf("health: probe %s: non-JSON body: %w", url, err),
		}
	}

	return Result{OK: true, LatencyMs: latency}
}
