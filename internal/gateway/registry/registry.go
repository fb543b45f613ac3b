// Package registry holds the in-memory set of ModelEndpoints per model and
// runs the background health-check scheduler that keeps their live state
// current. Single-writer/many-reader discipline: only the health scheduler
// and the proxy's real-request-outcome hook mutate an endpoint; the
// balancer only ever reads a snapshot. Grounded on original_source's
// services/health_check.py, generalized from periodic-DB-polling to an
// in-memory scheduler.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway-starter/internal/shared/models"
)

const latencyEWMAAlpha = 0.2

// Registry is a process-wide singleton built at startup and injected into
// the balancer and proxy.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string][]*models.ModelEndpoint // model_id -> endpoints

	roundRobin map[string]*uint64       // model_id -> next index
	semaphores map[string]chan struct{} // endpoint_id -> concurrency slots

	db         *database.DB
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Registry
}

func New(db *database.DB, logger *zap.Logger, metricsRegistry *metrics.Registry) *Registry {
	return &Registry{
		endpoints:  make(map[string][]*models.ModelEndpoint),
		roundRobin: make(map[string]*uint64),
		semaphores: make(map[string]chan struct{}),
		db:         db,
		httpClient: &http.Client{},
		logger:     logger,
		metrics:    metricsRegistry,
	}
}

// LoadModel fetches modelID's endpoints from Postgres into memory if they
// are not already loaded, returning the loaded set.
func (r *Registry) LoadModel(ctx context.Context, modelID string) ([]*models.ModelEndpoint, error) {
	r.mu.RLock()
	if existing, ok := r.endpoints[modelID]; ok {
		r.mu.RUnlock()
		return existing, nil
	}
	r.mu.RUnlock()

	fetched, err := r.db.GetModelEndpoints(ctx, modelID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.endpoints[modelID]; ok {
		return existing, nil
	}
	r.endpoints[modelID] = fetched
	var idx uint64
	r.roundRobin[modelID] = &idx
	for _, e := range fetched {
		r.semaphores[e.ID] = make(chan struct{}, max(1, e.MaxConcurrentRequests))
	}
	return fetched, nil
}

// Snapshot returns a read-only copy of modelID's current endpoint slice —
// the balancer dispatches against this, never against the live slice.
func (r *Registry) Snapshot(modelID string) []*models.ModelEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.endpoints[modelID]
	out := make([]*models.ModelEndpoint, len(src))
	copy(out, src)
	return out
}

// NextRoundRobinIndex atomically advances and returns the next round-robin
// counter for modelID.
func (r *Registry) NextRoundRobinIndex(modelID string) uint64 {
	r.mu.RLock()
	counter := r.roundRobin[modelID]
	r.mu.RUnlock()
	if counter == nil {
		return 0
	}
	return atomic.AddUint64(counter, 1)
}

// TryAcquire attempts to reserve one of endpoint's max_concurrent_requests
// slots, returning a release function on success.
func (r *Registry) TryAcquire(endpointID string) (release func(), ok bool) {
	r.mu.RLock()
	sem := r.semaphores[endpointID]
	r.mu.RUnlock()
	if sem == nil {
		return func() {}, true
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	default:
		return nil, false
	}
}

// InFlight reports the current occupancy of endpoint's concurrency slots.
func (r *Registry) InFlight(endpointID string) int {
	r.mu.RLock()
	sem := r.semaphores[endpointID]
	r.mu.RUnlock()
	if sem == nil {
		return 0
	}
	return len(sem)
}

// RecordRequestOutcome applies the real-request-outcome transitions. Every
// failure reported here counts toward ConsecutiveFailures, whatever its
// cause; retriable and non-retriable failures are not told apart. A
// failure moves a healthy endpoint to degraded, three consecutive
// failures mark it down without waiting for the next probe, and a success
// resets the counter and marks it healthy.
func (r *Registry) RecordRequestOutcome(endpointID string, success bool, latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.find(endpointID)
	if e == nil {
		return
	}
	if success {
		e.ConsecutiveFailures = 0
		e.HealthStatus = models.HealthHealthy
		e.AvgLatencyMs = latencyEWMAAlpha*latencyMs + (1-latencyEWMAAlpha)*e.AvgLatencyMs
		e.TotalRequests++
		if r.metrics != nil {
			r.metrics.SetEndpointHealth(e.ID, e.ModelID, healthValue(e.HealthStatus))
		}
		return
	}

	e.ConsecutiveFailures++
	e.TotalRequests++
	if e.ConsecutiveFailures >= 3 {
		e.HealthStatus = models.HealthDown
	} else if e.HealthStatus == models.HealthHealthy {
		e.HealthStatus = models.HealthDegraded
	}
	if r.metrics != nil {
		r.metrics.SetEndpointHealth(e.ID, e.ModelID, healthValue(e.HealthStatus))
	}
}

func (r *Registry) find(endpointID string) *models.ModelEndpoint {
	for _, list := range r.endpoints {
		for _, e := range list {
			if e.ID == endpointID {
				return e
			}
		}
	}
	return nil
}

func healthValue(s models.HealthStatus) float64 {
	switch s {
	case models.HealthHealthy:
		return 1
	case models.HealthDegraded:
		return 0.5
	default:
		return 0
	}
}

// StartHealthLoop runs the background probe scheduler until ctx is
// cancelled. It visits in-memory endpoints whose NextCheckAt has elapsed,
// probing health_check_url (or a GET on base_url + "/health" when none is
// configured; no completion request is used as a probe) under
// health_check_timeout and applying the healthy/degraded/down transitions.
func (r *Registry) StartHealthLoop(ctx context.Context, pollInterval time.Duration, batchSize int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeDue(ctx, batchSize)
		}
	}
}

func (r *Registry) probeDue(ctx context.Context, batchSize int) {
	now := time.Now()

	r.mu.RLock()
	var due []*models.ModelEndpoint
	for _, list := range r.endpoints {
		for _, e := range list {
			if !e.IsActive {
				continue
			}
			if e.NextCheckAt.IsZero() || !e.NextCheckAt.After(now) {
				due = append(due, e)
				if len(due) >= batchSize {
					break
				}
			}
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range due {
		wg.Add(1)
		go func(e *models.ModelEndpoint) {
			defer wg.Done()
			r.probeOne(ctx, e)
		}(e)
	}
	wg.Wait()
}

func (r *Registry) probeOne(ctx context.Context, e *models.ModelEndpoint) {
	url := e.HealthCheckURL
	if url == "" {
		url = e.BaseURL + "/health"
	}
	timeout := e.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		r.applyProbeResult(e, false, 0, err.Error())
		return
	}

	resp, err := r.httpClient.Do(req)
	latencyMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		r.applyProbeResult(e, false, latencyMs, err.Error())
		return
	}
	defer resp.Body.Close()

	r.applyProbeResult(e, resp.StatusCode == http.StatusOK, latencyMs, fmt.Sprintf("status %d", resp.StatusCode))
}

func (r *Registry) applyProbeResult(e *models.ModelEndpoint, success bool, latencyMs float64, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval := e.HealthCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	now := time.Now()
	e.LastHealthCheck = now

	if success {
		e.HealthStatus = models.HealthHealthy
		e.ConsecutiveFailures = 0
		e.AvgLatencyMs = latencyEWMAAlpha*latencyMs + (1-latencyEWMAAlpha)*e.AvgLatencyMs
		e.NextCheckAt = now.Add(interval)
		if r.logger != nil {
			r.logger.Info("endpoint_health_check_passed", zap.String("endpoint_id", e.ID), zap.Float64("latency_ms", latencyMs))
		}
	} else {
		e.ConsecutiveFailures++
		if e.ConsecutiveFailures >= 3 {
			e.HealthStatus = models.HealthDown
		} else {
			e.HealthStatus = models.HealthDegraded
		}
		backoff := time.Duration(1<<uint(minInt(e.ConsecutiveFailures, 8))) * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		e.NextCheckAt = now.Add(backoff)
		if r.logger != nil {
			r.logger.Warn("endpoint_health_check_failed", zap.String("endpoint_id", e.ID), zap.String("detail", detail), zap.String("status", string(e.HealthStatus)))
		}
	}

	if r.metrics != nil {
		r.metrics.SetEndpointHealth(e.ID, e.ModelID, healthValue(e.HealthStatus))
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
