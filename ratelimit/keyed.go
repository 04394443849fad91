// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed holds one token bucket per key. Buckets are created on first use and
// dropped by Sweep once idle.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyed creates a keyed limiter allowing r events per second per key with
// the given burst.
func NewKeyed(r float64, burst int) *Keyed {
	return &Keyed{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(r),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether one event for key may happen now.
func (k *Keyed) Allow(key string) bool {
	now := k.now()

	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	k.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Remove forgets the bucket of key; its next event starts with a full burst.
func (k *Keyed) Remove(key string) {
	k.mu.Lock()
	delete(k.buckets, key)
	k.mu.Unlock()
}

// Sweep drops buckets not used for idle and returns how many were dropped.
func (k *Keyed) Sweep(idle time.Duration) int {
	threshold := k.now().Add(-idle)

	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for key, b := range k.buckets {
		if b.lastSeen.Before(threshold) {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of live buckets.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
