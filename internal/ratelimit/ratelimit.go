// Package ratelimit throttles requests per key under named budgets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy allows Max requests per Window for each key.
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, p Policy, key string) (Result, error)
}

// Local is an in-process token bucket per policy and key. The bucket holds
// Max tokens and refills at Max per Window.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

func NewLocal() *Local {
	return &Local{limiters: make(map[string]*rate.Limiter), now: time.Now}
}

func (l *Local) get(p Policy, key string) *rate.Limiter {
	k := p.Name + ":" + key
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[k]
	if !ok {
		lim = rate.NewLimiter(rate.Every(p.Window/time.Duration(p.Max)), p.Max)
		l.limiters[k] = lim
	}
	return lim
}

func (l *Local) Allow(_ context.Context, p Policy, key string) (Result, error) {
	lim := l.get(p, key)
	now := l.now()
	res := Result{Limit: p.Max}
	if lim.AllowN(now, 1) {
		res.Allowed = true
		res.Remaining = int(lim.TokensAt(now))
		return res, nil
	}
	r := lim.ReserveN(now, 1)
	res.RetryAfter = r.DelayFrom(now)
	r.CancelAt(now)
	return res, nil
}

// Sweep drops buckets that have refilled completely; they hold no state a
// fresh bucket would not.
func (l *Local) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (l *Local) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
