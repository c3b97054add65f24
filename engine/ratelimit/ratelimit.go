// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds per-client publish throughput with token
// buckets, evicting buckets for clients that have gone quiet.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PublishLimiter manages per-client publish rate limiting.
type PublishLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPublishLimiter creates a per-client publish limiter. r is messages
// per second, burst the burst allowance. A non-positive r disables
// limiting.
func NewPublishLimiter(r float64, burst int, cleanupInterval time.Duration) *PublishLimiter {
	l := &PublishLimiter{
		limiters: make(map[string]*clientEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if l.rate > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether the client may publish one more message now.
func (l *PublishLimiter) Allow(clientID string) bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[clientID]
	if !ok {
		entry = &clientEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[clientID] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the client's bucket, typically on disconnect.
func (l *PublishLimiter) Forget(clientID string) {
	l.mu.Lock()
	delete(l.limiters, clientID)
	l.mu.Unlock()
}

func (l *PublishLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *PublishLimiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for id, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, id)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *PublishLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
