package webproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"
)

// AdminAPI provides REST endpoints for managing the proxy at runtime.
// It exposes routes for listing, adding, and removing block patterns,
// inspecting and invalidating the response cache, viewing proxy status,
// and triggering blocklist reloads. Health probes and Prometheus metrics
// are served next to them.
//
// The API routes are mounted at a configurable path prefix (default "/api")
// and use [chi] for routing. It runs on its own listener, never on the
// proxy port.
type AdminAPI struct {
	// Proxy is reported on by GET /api/status (optional).
	Proxy *Proxy

	// Blocker is managed by the /api/patterns routes (optional). Patterns
	// added through POST /api/patterns are kept across reloads.
	Blocker *URLBlocker

	// Store is managed by the /api/cache routes (optional).
	Store *Store

	// Metrics is served at /metrics (optional).
	Metrics *Metrics

	// HealthChecker is served at /healthz and /readyz (optional).
	HealthChecker *HealthChecker

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// ReloadFunc is called when POST /api/reload is invoked. It should
	// reload the blocklist from its sources. If nil, the reload endpoint
	// returns 501 Not Implemented.
	ReloadFunc func(ctx context.Context) error

	// MaxConns caps simultaneous connections to the admin listener
	// (0 = unlimited).
	MaxConns int

	mu     sync.Mutex
	srv    *http.Server
	closed bool
}

// NewAdminAPI creates an AdminAPI wired to the given proxy.
func NewAdminAPI(proxy *Proxy) *AdminAPI {
	a := &AdminAPI{
		Proxy:      proxy,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	if proxy != nil {
		a.Metrics = proxy.Metrics
		a.HealthChecker = proxy.HealthChecker
		if proxy.Handler != nil {
			a.Blocker = proxy.Handler.Blocker
			if proxy.Handler.Cache != nil {
				a.Store = proxy.Handler.Cache.Store()
			}
		}
	}
	return a
}

// Handler returns an http.Handler serving the API routes under PathPrefix
// plus /metrics, /healthz and /readyz.
func (a *AdminAPI) Handler() http.Handler {
	api := chi.NewRouter()
	api.Use(middleware.SetHeader("Content-Type", "application/json"))

	api.Get("/status", a.handleStatus)
	api.Get("/patterns", a.handleListPatterns)
	api.Post("/patterns", a.handleAddPattern)
	api.Delete("/patterns", a.handleDeletePattern)
	api.Get("/cache", a.handleCacheStats)
	api.Delete("/cache", a.handleCacheClear)
	api.Delete("/cache/entry", a.handleCacheDelete)
	api.Post("/reload", a.handleReload)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	prefix := a.PathPrefix
	if prefix == "" {
		prefix = "/api"
	}
	r.Mount(prefix, api)

	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler())
	}
	if a.HealthChecker != nil {
		r.Get("/healthz", a.HealthChecker.HandleHealthz)
		r.Get("/readyz", a.HealthChecker.HandleReadyz)
	}

	return r
}

// ServeHTTP implements http.Handler.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// ListenAndServe serves the admin API on addr until Shutdown.
func (a *AdminAPI) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	return a.Serve(ln)
}

// Serve serves the admin API on ln. It returns nil after Shutdown, and
// returns nil at once, closing ln, when Shutdown has already been called.
func (a *AdminAPI) Serve(ln net.Listener) error {
	if a.MaxConns > 0 {
		ln = netutil.LimitListener(ln, a.MaxConns)
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	a.srv = srv
	a.mu.Unlock()

	a.Logger.Info("admin API listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the admin server. A later Serve returns
// immediately.
func (a *AdminAPI) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	srv := a.srv
	a.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status        string      `json:"status"`
	Uptime        string      `json:"uptime,omitempty"`
	PatternCount  int         `json:"pattern_count"`
	ActiveWorkers int         `json:"active_workers"`
	Cache         *CacheStats `json:"cache,omitempty"`
}

// PatternsResponse is returned by GET /api/patterns.
type PatternsResponse struct {
	Count    int      `json:"count"`
	Patterns []string `json:"patterns"`
}

// PatternRequest is the body for POST /api/patterns and DELETE /api/patterns.
type PatternRequest struct {
	Pattern string `json:"pattern"`
}

// CacheResponse is returned by GET /api/cache.
type CacheResponse struct {
	Stats CacheStats `json:"stats"`
	Keys  []string   `json:"keys"`
}

// APIError is returned for error conditions.
type APIError struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Status: "ok"}

	if a.HealthChecker != nil {
		resp.Uptime = a.HealthChecker.Uptime().String()
	}
	if a.Blocker != nil {
		resp.PatternCount = a.Blocker.Count()
	}
	if a.Proxy != nil {
		resp.ActiveWorkers = a.Proxy.ActiveWorkers()
	}
	if a.Store != nil {
		stats := a.Store.Stats()
		resp.Cache = &stats
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleListPatterns(w http.ResponseWriter, _ *http.Request) {
	if a.Blocker == nil {
		a.writeJSON(w, http.StatusOK, PatternsResponse{Count: 0, Patterns: []string{}})
		return
	}

	patterns := a.Blocker.Patterns()
	a.writeJSON(w, http.StatusOK, PatternsResponse{Count: len(patterns), Patterns: patterns})
}

func (a *AdminAPI) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	if a.Blocker == nil {
		a.writeJSON(w, http.StatusConflict, APIError{Error: "blocklist not configured"})
		return
	}

	req, ok := a.decodePattern(w, r)
	if !ok {
		return
	}

	if err := a.Blocker.AddPattern(req.Pattern); err != nil {
		a.writeJSON(w, http.StatusBadRequest, APIError{Error: err.Error()})
		return
	}
	a.recordPatternCount()

	a.Logger.Info("pattern added via admin API", "pattern", req.Pattern)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "pattern added"})
}

func (a *AdminAPI) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	if a.Blocker == nil {
		a.writeJSON(w, http.StatusConflict, APIError{Error: "blocklist not configured"})
		return
	}

	req, ok := a.decodePattern(w, r)
	if !ok {
		return
	}

	if !a.Blocker.RemovePattern(req.Pattern) {
		a.writeJSON(w, http.StatusNotFound, APIError{Error: "pattern not found"})
		return
	}
	a.recordPatternCount()

	a.Logger.Info("pattern removed via admin API", "pattern", req.Pattern)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "pattern removed"})
}

func (a *AdminAPI) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	if a.Store == nil {
		a.writeJSON(w, http.StatusConflict, APIError{Error: "caching disabled"})
		return
	}

	a.writeJSON(w, http.StatusOK, CacheResponse{
		Stats: a.Store.Stats(),
		Keys:  a.Store.Keys(),
	})
}

func (a *AdminAPI) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	if a.Store == nil {
		a.writeJSON(w, http.StatusConflict, APIError{Error: "caching disabled"})
		return
	}

	a.Store.Clear()
	a.Logger.Info("cache cleared via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "cache cleared"})
}

func (a *AdminAPI) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		a.writeJSON(w, http.StatusConflict, APIError{Error: "caching disabled"})
		return
	}

	key := r.URL.Query().Get("url")
	if key == "" {
		a.writeJSON(w, http.StatusBadRequest, APIError{Error: "url query parameter is required"})
		return
	}

	if !a.Store.Delete(key) {
		a.writeJSON(w, http.StatusNotFound, APIError{Error: "entry not found"})
		return
	}

	a.Logger.Info("cache entry invalidated via admin API", "url", key)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "entry removed"})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.ReloadFunc == nil {
		a.writeJSON(w, http.StatusNotImplemented, APIError{Error: "reload not configured"})
		return
	}

	if err := a.ReloadFunc(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, APIError{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("blocklist reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *AdminAPI) decodePattern(w http.ResponseWriter, r *http.Request) (PatternRequest, bool) {
	var req PatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, APIError{Error: "invalid JSON: " + err.Error()})
		return req, false
	}
	if req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, APIError{Error: "pattern is required"})
		return req, false
	}
	return req, true
}

func (a *AdminAPI) recordPatternCount() {
	if a.Metrics != nil {
		a.Metrics.SetBlocklistPatterns(a.Blocker.Count())
	}
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
