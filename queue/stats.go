// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "sync/atomic"

// Stats are the per-queue counters. Buffered and BufferedHWM are gauges
// maintained under the queue lock; the rest are monotonic.
type Stats struct {
	Enqueued    atomic.Int64
	Dequeued    atomic.Int64
	Discarded   atomic.Int64
	Rejected    atomic.Int64
	Expired     atomic.Int64
	Buffered    atomic.Int64
	BufferedHWM atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the queue counters.
type StatsSnapshot struct {
	Enqueued    int64
	Dequeued    int64
	Discarded   int64
	Rejected    int64
	Expired     int64
	Buffered    int64
	BufferedHWM int64
}

// Snapshot returns a consistent view of the queue statistics.
func (q *Queue) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Enqueued:    q.stats.Enqueued.Load(),
		Dequeued:    q.stats.Dequeued.Load(),
		Discarded:   q.stats.Discarded.Load(),
		Rejected:    q.stats.Rejected.Load(),
		Expired:     q.stats.Expired.Load(),
		Buffered:    q.stats.Buffered.Load(),
		BufferedHWM: q.stats.BufferedHWM.Load(),
	}
}

// ResetStats zeroes the monotonic counters. Gauges are left untouched
// except the high-water mark, which restarts from the current depth.
func (q *Queue) ResetStats() {
	q.stats.Enqueued.Store(0)
	q.stats.Dequeued.Store(0)
	q.stats.Discarded.Store(0)
	q.stats.Rejected.Store(0)
	q.stats.Expired.Store(0)
	q.stats.BufferedHWM.Store(q.stats.Buffered.Load())
}
