// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "fmt"

// notify wakes the delivery loop. Non-blocking; one pending wakeup is
// enough because the loop re-scans until it makes no progress.
func (q *Queue) notify() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// run is the delivery loop. It moves available records to eligible
// consumers in arrival order, distributing across shared consumers
// round-robin, until no progress can be made, then sleeps until the
// next notify.
func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.notifyCh:
		}
		for q.deliverOne() {
		}
	}
}

// deliverOne attempts a single delivery. It reports whether a delivery
// was made (so the loop should try again).
func (q *Queue) deliverOne() bool {
	q.mu.Lock()

	if q.destroyed {
		q.mu.Unlock()
		return false
	}

	rec := q.nextAvailableLocked()
	if rec == nil {
		q.mu.Unlock()
		return false
	}
	c := q.nextConsumerLocked()
	if c == nil {
		q.mu.Unlock()
		return false
	}

	rec.state = StateDelivered
	rec.consumer = c
	if rec.noCountRedelivery {
		rec.noCountRedelivery = false
	} else {
		rec.attempts++
	}
	c.inflight++
	c.inCallback = true
	wantMore := false
	d := &Delivery{Record: rec, Consumer: c, Attempts: rec.attempts}
	q.mu.Unlock()

	var panicked error
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = fmt.Errorf("delivery callback panic: %v", r)
			}
		}()
		wantMore = c.cb(d)
	}()

	q.mu.Lock()
	c.inCallback = false

	if panicked != nil {
		// The delivery outcome is unknown; return the record and pause
		// the consumer until someone intervenes.
		if rec.state == StateDelivered && !rec.reserved {
			rec.state = StateAvailable
			rec.consumer = nil
			c.inflight--
		}
		orphaned := false
		if c.state == ConsumerDestroying {
			// A detach raced the panicking callback; complete it.
			q.finishDetachLocked(c)
			orphaned = q.orphanedLocked()
		} else {
			c.pauseLocked()
		}
		onFailure := c.opts.OnFailure
		q.mu.Unlock()
		if onFailure != nil {
			onFailure(c, panicked)
		}
		if orphaned {
			q.orphan()
		}
		return true
	}

	if c.state == ConsumerDestroying {
		q.finishDetachLocked(c)
		orphaned := q.orphanedLocked()
		q.mu.Unlock()
		if orphaned {
			q.orphan()
		}
		return true
	}

	if !wantMore && !c.opts.ExplicitSuspend {
		c.pauseLocked()
	}
	if c.opts.MaxInflight > 0 && c.inflight >= c.opts.MaxInflight {
		c.pauseLocked()
	}
	q.mu.Unlock()
	return true
}

// nextAvailableLocked returns the oldest deliverable record. Caller
// holds the lock.
func (q *Queue) nextAvailableLocked() *Record {
	for _, rec := range q.records {
		if rec.visible && rec.state == StateAvailable && !rec.reserved {
			return rec
		}
	}
	return nil
}

// nextConsumerLocked picks the next eligible consumer round-robin.
// Caller holds the lock.
func (q *Queue) nextConsumerLocked() *Consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.rr+i)%n]
		if c.eligible() {
			q.rr = (q.rr + i + 1) % n
			return c
		}
	}
	return nil
}
