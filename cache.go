package webproxy

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheMaxSize = 1000
	DefaultCacheTTL     = time.Hour
)

// entry is a single cached value with the bookkeeping the eviction
// strategies rank on. value is immutable once stored; only Get touches
// lastAccessed and accessCount.
type entry struct {
	value        []byte
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  uint64
	seq          uint64
}

// StoreConfig configures a [Store].
type StoreConfig struct {
	// MaxSize is the maximum number of entries. Must be positive.
	MaxSize int

	// TTL is the maximum age of an entry. Must be positive.
	TTL time.Duration

	// Policy selects the victim when the store is full.
	Policy EvictionPolicy

	// Codec transforms values at rest (optional, identity if nil).
	Codec Codec

	// Metrics records hits, misses, evictions and size (optional).
	Metrics *Metrics
}

// Store is a size- and age-bounded key/value cache shared by every
// connection handler. All access is serialized by a single mutex.
//
// Expired entries are removed lazily: by Get when it finds one, and in bulk
// at the start of every Set.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	seq      uint64
	maxSize  int
	ttl      time.Duration
	strategy EvictionStrategy
	codec    Codec
	metrics  *Metrics

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	now func() time.Time
}

// CacheStats is a point-in-time snapshot of a [Store].
type CacheStats struct {
	Size        int    `json:"size"`
	MaxSize     int    `json:"max_size"`
	TTL         string `json:"ttl"`
	Policy      string `json:"policy"`
	Codec       string `json:"codec"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("cache max size must be positive, got %d", cfg.MaxSize)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %v", cfg.TTL)
	}
	codec := cfg.Codec
	if codec == nil {
		codec = IdentityCodec{}
	}
	return &Store{
		entries:  make(map[string]*entry, cfg.MaxSize),
		maxSize:  cfg.MaxSize,
		ttl:      cfg.TTL,
		strategy: cfg.Policy.Strategy(),
		codec:    codec,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}, nil
}

// Set stores value under key. Expired entries are purged first; if the
// store is still full and key is new, one victim chosen by the eviction
// policy is removed. Overwriting an existing key resets its timestamps and
// counters and never evicts another key.
func (s *Store) Set(key string, value []byte) error {
	encoded, err := s.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeLocked(now)

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		s.evictLocked()
	}

	s.seq++
	s.entries[key] = &entry{
		value:        encoded,
		createdAt:    now,
		lastAccessed: now,
		seq:          s.seq,
	}
	s.recordSizeLocked()
	return nil
}

// Get returns the value stored under key. An entry older than the TTL is
// removed and reported as missing.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.missLocked()
		s.mu.Unlock()
		return nil, false
	}

	now := s.now()
	if s.expired(e, now) {
		delete(s.entries, key)
		s.expirations++
		if s.metrics != nil {
			s.metrics.RecordCacheExpirations(1)
		}
		s.recordSizeLocked()
		s.missLocked()
		s.mu.Unlock()
		return nil, false
	}

	e.lastAccessed = now
	e.accessCount++
	s.hits++
	if s.metrics != nil {
		s.metrics.RecordCacheHit()
	}
	stored, seq := e.value, e.seq
	s.mu.Unlock()

	value, err := s.codec.Decode(stored)
	if err != nil {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.seq == seq {
			delete(s.entries, key)
			s.recordSizeLocked()
		}
		s.mu.Unlock()
		return nil, false
	}
	return value, true
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	s.recordSizeLocked()
	return true
}

// Clear removes every entry. Counters are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.entries)
	s.recordSizeLocked()
}

// Purge removes every expired entry and returns how many were removed.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.purgeLocked(s.now())
	s.recordSizeLocked()
	return n
}

// Len returns the number of entries, including expired ones that have not
// been purged yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns the stored keys in insertion order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type keyed struct {
		key string
		seq uint64
	}
	all := make([]keyed, 0, len(s.entries))
	for k, e := range s.entries {
		all = append(all, keyed{k, e.seq})
	}
	slices.SortFunc(all, func(a, b keyed) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	keys := make([]string, len(all))
	for i, k := range all {
		keys[i] = k.key
	}
	return keys
}

// Policy returns the eviction policy of the store.
func (s *Store) Policy() EvictionPolicy {
	return s.strategy.Policy()
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return CacheStats{
		Size:        len(s.entries),
		MaxSize:     s.maxSize,
		TTL:         s.ttl.String(),
		Policy:      s.strategy.Policy().String(),
		Codec:       s.codec.Name(),
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return now.Sub(e.createdAt) > s.ttl
}

func (s *Store) purgeLocked(now time.Time) int {
	n := 0
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			n++
		}
	}
	if n > 0 {
		s.expirations += uint64(n)
		if s.metrics != nil {
			s.metrics.RecordCacheExpirations(n)
		}
	}
	return n
}

func (s *Store) evictLocked() {
	key, ok := selectVictim(s.strategy, s.entries)
	if !ok {
		return
	}
	delete(s.entries, key)
	s.evictions++
	if s.metrics != nil {
		s.metrics.RecordCacheEviction(s.strategy.Policy().String())
	}
}

func (s *Store) missLocked() {
	s.misses++
	if s.metrics != nil {
		s.metrics.RecordCacheMiss()
	}
}

func (s *Store) recordSizeLocked() {
	if s.metrics != nil {
		s.metrics.SetCacheEntries(len(s.entries))
	}
}
