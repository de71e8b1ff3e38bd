package webproxy

import (
	"testing"
	"time"
)

func TestParseEvictionPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want EvictionPolicy
	}{
		{"least_recently_used", LRU},
		{"first_in_first_out", FIFO},
		{"least_frequently_used", LFU},
		{"LRU", LRU},
		{" fifo ", FIFO},
		{"Lfu", LFU},
		{"", LRU},
		{"random", LRU},
	}

	for _, tt := range tests {
		if got := ParseEvictionPolicy(tt.in); got != tt.want {
			t.Errorf("ParseEvictionPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEvictionPolicy_StringRoundTrip(t *testing.T) {
	for _, p := range []EvictionPolicy{LRU, FIFO, LFU} {
		if got := ParseEvictionPolicy(p.String()); got != p {
			t.Errorf("ParseEvictionPolicy(%q) = %v, want %v", p.String(), got, p)
		}
		if got := p.Strategy().Policy(); got != p {
			t.Errorf("%v.Strategy().Policy() = %v", p, got)
		}
	}
}

func TestSelectVictim(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return base.Add(time.Duration(s) * time.Second) }

	entries := map[string]*entry{
		"a": {createdAt: at(0), lastAccessed: at(9), accessCount: 5, seq: 1},
		"b": {createdAt: at(1), lastAccessed: at(2), accessCount: 1, seq: 2},
		"c": {createdAt: at(2), lastAccessed: at(5), accessCount: 1, seq: 3},
	}

	tests := []struct {
		policy EvictionPolicy
		want   string
	}{
		{LRU, "b"},
		{FIFO, "a"},
		{LFU, "b"}, // b and c tie on reads, b was inserted first
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			got, ok := selectVictim(tt.policy.Strategy(), entries)
			if !ok || got != tt.want {
				t.Errorf("victim = %q, %v; want %q", got, ok, tt.want)
			}
		})
	}
}

func TestSelectVictim_Empty(t *testing.T) {
	if _, ok := selectVictim(lruStrategy{}, map[string]*entry{}); ok {
		t.Error("empty map should have no victim")
	}
}
