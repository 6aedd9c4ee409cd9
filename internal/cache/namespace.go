// Package cache holds the client-side read caches: per-resource TTL
// namespaces with whole-namespace invalidation, and the dedup gate for the
// hot session lookup.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL is the lifetime of a resource cache entry.
const DefaultTTL = 5 * time.Minute

type entry[T any] struct {
	value    T
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry[T]) fresh(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

// Stats counts cache lookups.
type Stats struct {
	Hits   int64
	Misses int64
}

type options struct {
	now func() time.Time
	log zerolog.Logger
}

// Option configures a Namespace or Gate.
type Option func(*options)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.log = logger }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Namespace is the TTL cache for one resource type. Entries are evicted
// lazily on a stale read or all at once by Invalidate.
type Namespace[T any] struct {
	name string
	now  func() time.Time
	log  zerolog.Logger

	mu         sync.Mutex
	entries    map[string]*entry[T]
	generation uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewNamespace creates an empty namespace.
func NewNamespace[T any](name string, opts ...Option) *Namespace[T] {
	o := buildOptions(opts)
	return &Namespace[T]{
		name:    name,
		now:     o.now,
		log:     o.log.With().Str("component", "cache").Str("namespace", name).Logger(),
		entries: make(map[string]*entry[T]),
	}
}

// Name returns the resource type this namespace caches.
func (n *Namespace[T]) Name() string {
	return n.name
}

// GetOrFetch returns the cached value for key if it is still fresh.
// Otherwise it calls fetch and, only on success, stores the result for ttl
// (DefaultTTL when ttl <= 0). A fetch that was started before an
// Invalidate does not store its result.
func (n *Namespace[T]) GetOrFetch(ctx context.Context, key string, fetch func(context.Context) (T, error), ttl time.Duration) (T, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	n.mu.Lock()
	if e, ok := n.entries[key]; ok {
		if e.fresh(n.now()) {
			n.mu.Unlock()
			n.hits.Add(1)
			n.log.Debug().Str("key", key).Msg("cache hit")
			return e.value, nil
		}
		delete(n.entries, key)
	}
	gen := n.generation
	n.mu.Unlock()

	n.misses.Add(1)
	n.log.Debug().Str("key", key).Msg("cache miss")

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	n.mu.Lock()
	if n.generation == gen {
		n.entries[key] = &entry[T]{value: value, storedAt: n.now(), ttl: ttl}
	}
	n.mu.Unlock()

	return value, nil
}

// Invalidate drops every entry in the namespace.
func (n *Namespace[T]) Invalidate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = make(map[string]*entry[T])
	n.generation++
	n.log.Debug().Msg("namespace invalidated")
}

// Len returns the number of stored entries, fresh or not.
func (n *Namespace[T]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}

// Stats returns hit and miss counts since creation.
func (n *Namespace[T]) Stats() Stats {
	return Stats{Hits: n.hits.Load(), Misses: n.misses.Load()}
}

// Key builds a cache key from an operation name and its parameters.
// encoding/json sorts map keys, so equal parameter maps produce equal keys.
func Key(operation string, params any) string {
	if params == nil {
		return operation
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%s:%v", operation, params)
	}
	return operation + ":" + string(raw)
}
