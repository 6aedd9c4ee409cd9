package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultFreshness is how long a gate result is served from memory.
const DefaultFreshness = 5 * time.Second

type stamped[T any] struct {
	value T
	at    time.Time
}

// Gate collapses concurrent identical reads into one call and serves the
// result from memory for a short freshness window. Failures are shared with
// every joined caller and never cached.
type Gate[T any] struct {
	freshness time.Duration
	now       func() time.Time
	log       zerolog.Logger
	group     singleflight.Group

	mu         sync.Mutex
	values     map[string]stamped[T]
	generation uint64
}

// NewGate creates a gate. freshness <= 0 means DefaultFreshness.
func NewGate[T any](freshness time.Duration, opts ...Option) *Gate[T] {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	o := buildOptions(opts)
	return &Gate[T]{
		freshness: freshness,
		now:       o.now,
		log:       o.log.With().Str("component", "dedup").Logger(),
		values:    make(map[string]stamped[T]),
	}
}

// Do returns a fresh cached value for key, the result of the call already
// in flight for key, or the result of a new call to fetch. The shared call
// is detached from the cancellation of whichever caller started it; each
// caller stops waiting when its own ctx ends.
func (g *Gate[T]) Do(ctx context.Context, key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T

	g.mu.Lock()
	if v, ok := g.values[key]; ok && g.now().Sub(v.at) < g.freshness {
		g.mu.Unlock()
		return v.value, nil
	}
	gen := g.generation
	g.mu.Unlock()

	ch := g.group.DoChan(key, func() (any, error) {
		g.log.Debug().Str("key", key).Msg("issuing deduplicated request")
		value, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		if g.generation == gen {
			g.values[key] = stamped[T]{value: value, at: g.now()}
		}
		g.mu.Unlock()
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			g.log.Debug().Str("key", key).Msg("joined in-flight request")
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Invalidate drops every cached value. Calls already in flight complete
// for the callers that joined them but do not repopulate the gate.
func (g *Gate[T]) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = make(map[string]stamped[T])
	g.generation++
}
