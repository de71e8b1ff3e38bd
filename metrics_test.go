package webproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest(OutcomeForwarded, 10*time.Millisecond)
	m.RecordRequest(OutcomeForwarded, 20*time.Millisecond)
	m.RecordRequest(OutcomeBlocked, time.Millisecond)
	m.RecordRejected("rate_limited")
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheMiss()
	m.RecordCacheEviction(PolicyLeastRecentlyUsed)
	m.RecordCacheExpirations(3)
	m.SetCacheEntries(7)
	m.RecordOriginFetch("origin")
	m.RecordOriginError("override", "connect")
	m.SetBlocklistPatterns(42)
	m.RecordBlocklistReload()
	m.RecordBlocklistReloadError()
	m.IncActiveConns()
	m.IncActiveConns()
	m.DecActiveConns()

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"forwarded", testutil.ToFloat64(m.requestsTotal.WithLabelValues("forwarded")), 2},
		{"blocked", testutil.ToFloat64(m.requestsTotal.WithLabelValues("blocked")), 1},
		{"rejected", testutil.ToFloat64(m.rejectedConns.WithLabelValues("rate_limited")), 1},
		{"cache hits", testutil.ToFloat64(m.cacheHits), 1},
		{"cache misses", testutil.ToFloat64(m.cacheMisses), 2},
		{"evictions", testutil.ToFloat64(m.cacheEvictions.WithLabelValues(PolicyLeastRecentlyUsed)), 1},
		{"expirations", testutil.ToFloat64(m.cacheExpirations), 3},
		{"entries", testutil.ToFloat64(m.cacheEntries), 7},
		{"origin fetches", testutil.ToFloat64(m.originFetches.WithLabelValues("origin")), 1},
		{"origin errors", testutil.ToFloat64(m.originErrors.WithLabelValues("override", "connect")), 1},
		{"patterns", testutil.ToFloat64(m.blocklistPatterns), 42},
		{"reloads", testutil.ToFloat64(m.blocklistReloads), 1},
		{"reload errors", testutil.ToFloat64(m.blocklistErrs), 1},
		{"active", testutil.ToFloat64(m.activeConns), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if n := testutil.CollectAndCount(m.requestDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(OutcomeCacheHit, time.Millisecond)
	m.SetCacheEntries(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`webproxy_requests_total{outcome="cache_hit"} 1`,
		`webproxy_cache_entries 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_PrivateRegistry(t *testing.T) {
	// Two instances must not collide on registration.
	a, b := NewMetrics(), NewMetrics()
	a.RecordCacheHit()

	if got := testutil.ToFloat64(b.cacheHits); got != 0 {
		t.Errorf("metrics instances share state: %v", got)
	}
	if a.Registry() == b.Registry() {
		t.Error("registries should differ")
	}
}

func TestMetrics_StoreIntegration(t *testing.T) {
	m := NewMetrics()
	s, clock := newClockedStore(t, StoreConfig{MaxSize: 1, TTL: time.Minute, Policy: FIFO, Metrics: m})

	_ = s.Set("a", []byte("1"))
	_ = s.Set("b", []byte("2"))
	s.Get("b")
	s.Get("a")
	clock.Advance(2 * time.Minute)
	s.Get("b")

	if got := testutil.ToFloat64(m.cacheEvictions.WithLabelValues(PolicyFirstInFirstOut)); got != 1 {
		t.Errorf("evictions = %v", got)
	}
	if got := testutil.ToFloat64(m.cacheHits); got != 1 {
		t.Errorf("hits = %v", got)
	}
	if got := testutil.ToFloat64(m.cacheMisses); got != 2 {
		t.Errorf("misses = %v", got)
	}
	if got := testutil.ToFloat64(m.cacheExpirations); got != 1 {
		t.Errorf("expirations = %v", got)
	}
	if got := testutil.ToFloat64(m.cacheEntries); got != 0 {
		t.Errorf("entries = %v", got)
	}
}
