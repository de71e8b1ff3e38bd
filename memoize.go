package webproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Memoizer puts a compute-on-miss interface in front of a [Store]. There is
// one cache engine: the memoizer reads and writes through the same store
// that direct Get/Set callers use.
//
// Concurrent misses for the same key share a single call to the loader.
type Memoizer struct {
	store *Store
	group singleflight.Group
}

// NewMemoizer wraps store.
func NewMemoizer(store *Store) *Memoizer {
	return &Memoizer{store: store}
}

// Store returns the underlying store.
func (m *Memoizer) Store() *Store {
	return m.store
}

// Do returns the value cached under key, or calls load, caches a successful
// result and returns it. cached reports whether the value came from the
// store. Errors from load are returned as-is and nothing is stored.
//
// A failure to store the loaded value is not an error for the caller: the
// value is still returned.
func (m *Memoizer) Do(ctx context.Context, key string, load func(context.Context) ([]byte, error)) (value []byte, cached bool, err error) {
	if v, ok := m.store.Get(key); ok {
		return v, true, nil
	}

	res, err, _ := m.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		_ = m.store.Set(key, v)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return bytes.Clone(res.([]byte)), false, nil
}

// Forget drops key from both the in-flight group and the store.
func (m *Memoizer) Forget(key string) {
	m.group.Forget(key)
	m.store.Delete(key)
}

// MemoKey derives a cache key for a function call from its name and
// arguments, as name:arg0:arg1... with each argument JSON-encoded. Equal
// arguments always produce equal keys.
func MemoKey(name string, args ...any) (string, error) {
	var b strings.Builder
	b.WriteString(name)
	for i, a := range args {
		enc, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("memo key argument %d: %w", i, err)
		}
		b.WriteByte(':')
		b.Write(enc)
	}
	return b.String(), nil
}
