package webproxy

import (
	"strings"
)

// EvictionPolicy selects which entry a full [Store] removes to make room
// for a new one.
type EvictionPolicy int

const (
	// LRU evicts the entry with the oldest last access.
	LRU EvictionPolicy = iota
	// FIFO evicts the entry that was inserted first.
	FIFO
	// LFU evicts the entry with the fewest reads.
	LFU
)

// Policy names accepted by [ParseEvictionPolicy] and used in configuration.
const (
	PolicyLeastRecentlyUsed   = "least_recently_used"
	PolicyFirstInFirstOut     = "first_in_first_out"
	PolicyLeastFrequentlyUsed = "least_frequently_used"
)

// ParseEvictionPolicy maps a configured policy name to an EvictionPolicy.
// The short forms "lru", "fifo" and "lfu" are accepted as well. Unknown
// names fall back to LRU.
func ParseEvictionPolicy(name string) EvictionPolicy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PolicyFirstInFirstOut, "fifo":
		return FIFO
	case PolicyLeastFrequentlyUsed, "lfu":
		return LFU
	default:
		return LRU
	}
}

// String returns the configuration name of the policy.
func (p EvictionPolicy) String() string {
	switch p {
	case FIFO:
		return PolicyFirstInFirstOut
	case LFU:
		return PolicyLeastFrequentlyUsed
	default:
		return PolicyLeastRecentlyUsed
	}
}

// Strategy returns the victim selector for the policy.
func (p EvictionPolicy) Strategy() EvictionStrategy {
	switch p {
	case FIFO:
		return fifoStrategy{}
	case LFU:
		return lfuStrategy{}
	default:
		return lruStrategy{}
	}
}

// EvictionStrategy orders cache entries for eviction. The set of
// strategies is closed: the only implementations are the ones returned by
// [EvictionPolicy.Strategy].
type EvictionStrategy interface {
	// Policy reports which policy the strategy implements.
	Policy() EvictionPolicy

	// before reports whether a should be evicted ahead of b.
	before(a, b *entry) bool
}

type lruStrategy struct{}

func (lruStrategy) Policy() EvictionPolicy { return LRU }

func (lruStrategy) before(a, b *entry) bool { return a.lastAccessed.Before(b.lastAccessed) }

type fifoStrategy struct{}

func (fifoStrategy) Policy() EvictionPolicy { return FIFO }

func (fifoStrategy) before(a, b *entry) bool { return a.createdAt.Before(b.createdAt) }

type lfuStrategy struct{}

func (lfuStrategy) Policy() EvictionPolicy { return LFU }

func (lfuStrategy) before(a, b *entry) bool { return a.accessCount < b.accessCount }

// selectVictim returns the key the strategy would evict. Entries the
// strategy considers equal are ordered by insertion, oldest first.
func selectVictim(s EvictionStrategy, entries map[string]*entry) (string, bool) {
	var (
		victimKey string
		victim    *entry
	)
	for k, e := range entries {
		switch {
		case victim == nil:
		case s.before(e, victim):
		case !s.before(victim, e) && e.seq < victim.seq:
		default:
			continue
		}
		victimKey, victim = k, e
	}
	return victimKey, victim != nil
}
