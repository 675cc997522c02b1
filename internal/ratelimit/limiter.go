package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// minRetryAfter keeps Retry-After values observable for clients even when
	// the oldest request is about to fall out of the window.
	minRetryAfter = 100 * time.Millisecond

	sweepInterval = 5 * time.Minute
)

// Result is the outcome of a single Check call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for client-facing
// messages and the Retry-After header.
func (r Result) RetryAfterSeconds() int {
	secs := int((r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ErrorMessage renders the denial in the form clients parse
// ("Rate limit exceeded ... N seconds").
func (r Result) ErrorMessage() string {
	return fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", r.RetryAfterSeconds())
}

type bucket struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastAccess time.Time
}

// Limiter is a sliding-window rate limiter sharded per (policy, key).
//
// Buckets are created lazily on first Check and garbage-collected by the
// Run sweeper once idle for twice their policy window. State is process-local
// and does not survive restarts.
type Limiter struct {
	clock  clockwork.Clock
	limits map[Policy]Limits

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewLimiter(clock clockwork.Clock) *Limiter {
	return NewLimiterWithLimits(clock, DefaultLimits())
}

func NewLimiterWithLimits(clock clockwork.Clock, limits map[Policy]Limits) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		clock:   clock,
		limits:  limits,
		buckets: make(map[string]*bucket),
	}
}

func bucketKey(policy Policy, key string) string {
	return string(policy) + "|" + key
}

// Check records one request under (policy, key) if the sliding window has
// room, and reports the outcome. Denials do not consume quota.
func (l *Limiter) Check(policy Policy, key string) Result {
	limits, ok := l.limits[policy]
	if !ok {
		panic(fmt.Sprintf("ratelimit: unknown policy %q", policy))
	}

	now := l.clock.Now()
	b := l.bucketFor(bucketKey(policy, key))

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccess = now

	// Drop timestamps that have slid out of the window.
	cutoff := now.Add(-limits.Window)
	keep := b.timestamps[:0]
	for _, ts := range b.timestamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	b.timestamps = keep

	if len(b.timestamps) >= limits.MaxRequests {
		retry := b.timestamps[0].Add(limits.Window).Sub(now)
		if retry < minRetryAfter {
			retry = minRetryAfter
		}
		return Result{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	b.timestamps = append(b.timestamps, now)
	return Result{
		Allowed:   true,
		Remaining: limits.MaxRequests - len(b.timestamps),
	}
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// ClearKey drops every bucket whose principal is key, across all policies.
// Called when a hub connection goes away so its handle does not linger.
func (l *Limiter) ClearKey(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for policy := range l.limits {
		delete(l.buckets, bucketKey(policy, key))
	}
}

// Sweep removes buckets idle for longer than twice their policy window.
// It is exported for tests; production callers use Run.
func (l *Limiter) Sweep() {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		policy, _, found := cutPolicy(key)
		if !found {
			delete(l.buckets, key)
			continue
		}
		limits, ok := l.limits[policy]
		if !ok {
			delete(l.buckets, key)
			continue
		}

		b.mu.Lock()
		idle := now.Sub(b.lastAccess)
		b.mu.Unlock()
		if idle > 2*limits.Window {
			delete(l.buckets, key)
		}
	}
}

func cutPolicy(bucketKey string) (Policy, string, bool) {
	for i := 0; i < len(bucketKey); i++ {
		if bucketKey[i] == '|' {
			return Policy(bucketKey[:i]), bucketKey[i+1:], true
		}
	}
	return "", "", false
}

// Run sweeps idle buckets every five minutes until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.Sweep()
		}
	}
}
