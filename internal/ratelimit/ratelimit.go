// Package ratelimit gates outbound volume per carrier.
//
// One limiter exists per carrier, created the first time that carrier
// sends and shared by every attempt after that. Acquire never rejects;
// it only delays the caller until admission fits the per-minute cap.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"smsdispatch/pkg/logx"
)

// Limiter admits sends for a single carrier at a steady per-minute rate.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter caps admissions at maxPerMinute over any trailing minute.
// The token refill spreads the budget evenly (one token every
// 60s/maxPerMinute) with a burst of 1, so the trailing-window invariant
// holds even right after startup.
func NewLimiter(maxPerMinute int) *Limiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 100
	}
	interval := time.Minute / time.Duration(maxPerMinute)
	return &Limiter{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Acquire blocks until the caller may send, or ctx is canceled.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

// Pool lazily creates and shares one Limiter per carrier. The engine
// owns a Pool instead of the process owning a global map, so tests get
// isolated limiter state.
type Pool struct {
	mu       sync.Mutex
	limiters map[string]*Limiter

	log logx.Logger
}

func NewPool(log logx.Logger) *Pool {
	return &Pool{limiters: make(map[string]*Limiter), log: log}
}

// For returns the carrier's limiter, creating it at most once even
// under concurrent first use.
func (p *Pool) For(name string, maxPerMinute int) *Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[name]
	if !ok {
		l = NewLimiter(maxPerMinute)
		p.limiters[name] = l
		if !p.log.IsZero() {
			p.log.Debug("rate limiter created",
				logx.String("carrier", name),
				logx.Int("max_per_minute", maxPerMinute),
			)
		}
	}
	return l
}
