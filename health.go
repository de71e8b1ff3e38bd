package webproxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness probes for the proxy.
// The proxy marks it alive and ready while its accept loop runs; named
// readiness checks can hold readiness back (e.g., until the blocklist has
// loaded).
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks []namedCheck
}

// ReadinessCheck returns nil if the component is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// AddCheck registers a readiness check under name.
func (h *HealthChecker) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// BlocklistCheck is ready once b holds at least one pattern.
func BlocklistCheck(b *URLBlocker) ReadinessCheck {
	return func() error {
		if b.Count() == 0 {
			return errors.New("no block patterns loaded")
		}
		return nil
	}
}

// SetAlive marks the proxy as alive (liveness probe passes).
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady marks the proxy as ready (readiness probe passes).
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive returns true if the proxy is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady returns true if the proxy is marked ready and every check passes.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

// Uptime returns the time since the checker was created, to the second.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime).Truncate(time.Second)
}

func (h *HealthChecker) failures() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var failures []string
	for _, c := range h.checks {
		if err := c.check(); err != nil {
			failures = append(failures, c.name+": "+err.Error())
		}
	}
	return failures
}

// HandleHealthz handles the /healthz liveness probe endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Uptime: h.Uptime().String()}

	status := http.StatusOK
	resp.Status = "ok"
	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeHealth(w, status, resp)
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Uptime: h.Uptime().String()}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "proxy not accepting connections"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	if failures := h.failures(); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = "ok"
	writeHealth(w, http.StatusOK, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
