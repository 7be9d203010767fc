package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const saturationWindowSecs = 10

// Governor bounds in-flight requests with a permit pool and tracks a
// trailing-window saturation ratio (refused admissions over attempts).
// Safe for concurrent acquire/release from many dispatch paths.
type Governor struct {
	permits  chan struct{}
	inflight atomic.Int64

	mu      sync.Mutex
	buckets [saturationWindowSecs]satBucket
}

type satBucket struct {
	sec      int64
	attempts int64
	refused  int64
}

// NewGovernor returns a governor with the given permit count. limit <= 0
// means unbounded admission; only in-flight accounting remains active.
func NewGovernor(limit int) *Governor {
	g := &Governor{}
	if limit > 0 {
		g.permits = make(chan struct{}, limit)
		for i := 0; i < limit; i++ {
			g.permits <- struct{}{}
		}
	}
	return g
}

// TryAcquire attempts a non-blocking admission.
func (g *Governor) TryAcquire() bool {
	if g.permits == nil {
		g.record(false)
		g.inflight.Add(1)
		return true
	}
	select {
	case <-g.permits:
		g.record(false)
		g.inflight.Add(1)
		return true
	default:
		g.record(true)
		return false
	}
}

// Acquire blocks until a permit frees or the context ends.
func (g *Governor) Acquire(ctx context.Context) error {
	if g.permits == nil {
		g.record(false)
		g.inflight.Add(1)
		return nil
	}
	select {
	case <-g.permits:
		g.record(false)
		g.inflight.Add(1)
		return nil
	case <-ctx.Done():
		// Caller shutdown, not permit exhaustion: leave the saturation
		// window alone.
		return ctx.Err()
	}
}

// Release returns a permit. Must be called exactly once per successful
// acquire, on every exit path.
func (g *Governor) Release() {
	g.inflight.Add(-1)
	if g.permits != nil {
		g.permits <- struct{}{}
	}
}

func (g *Governor) Inflight() int64 {
	return g.inflight.Load()
}

func (g *Governor) record(refused bool) {
	now := time.Now().Unix()
	idx := int(now % saturationWindowSecs)

	g.mu.Lock()
	defer g.mu.Unlock()
	b := &g.buckets[idx]
	if b.sec != now {
		b.sec = now
		b.attempts = 0
		b.refused = 0
	}
	b.attempts++
	if refused {
		b.refused++
	}
}

// Saturation is the refused/attempts ratio over the trailing window.
func (g *Governor) Saturation() float64 {
	cutoff := time.Now().Unix() - saturationWindowSecs

	g.mu.Lock()
	defer g.mu.Unlock()
	var attempts, refused int64
	for i := range g.buckets {
		if g.buckets[i].sec > cutoff {
			attempts += g.buckets[i].attempts
			refused += g.buckets[i].refused
		}
	}
	if attempts == 0 {
		return 0
	}
	return float64(refused) / float64(attempts)
}
