// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"

	"github.com/rs/xid"
)

// Consumer errors.
var (
	ErrConsumerDestroyed = errors.New("consumer is destroyed")
	ErrNotPaused         = errors.New("consumer is not paused")
	ErrSingleConsumer    = errors.New("queue does not permit multiple consumers")
)

// ConsumerState tracks a consumer through its backpressure lifecycle.
type ConsumerState int32

const (
	ConsumerActive ConsumerState = iota
	ConsumerPausedExplicit
	ConsumerPausedBackpressure
	ConsumerDestroying
	ConsumerDestroyed
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerActive:
		return "active"
	case ConsumerPausedExplicit:
		return "paused"
	case ConsumerPausedBackpressure:
		return "paused-backpressure"
	case ConsumerDestroying:
		return "destroying"
	case ConsumerDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Delivery is the unit handed to a consumer callback.
type Delivery struct {
	Record   *Record
	Consumer *Consumer
	Attempts int
}

// Callback receives deliveries. The return value signals whether the
// consumer wants further deliveries; false pauses it (unless the
// consumer opted into explicit suspension).
type Callback func(d *Delivery) bool

// FailureFunc is notified when delivery to a consumer fails and the
// consumer has been auto-paused.
type FailureFunc func(c *Consumer, err error)

// ConsumerOptions configures a consumer at attach time.
type ConsumerOptions struct {
	// Paused attaches the consumer without starting delivery.
	Paused bool

	// ExplicitSuspend makes pausing driven solely by Suspend calls from
	// within the callback; the callback's boolean return is ignored.
	ExplicitSuspend bool

	// MaxInflight bounds outstanding unconfirmed deliveries; at the
	// bound the consumer pauses on backpressure. Zero means unbounded.
	MaxInflight int

	// OnFailure is invoked after a delivery failure auto-pauses the
	// consumer.
	OnFailure FailureFunc
}

// Consumer binds a queue to a callback context. All state fields are
// guarded by the owning queue's lock.
type Consumer struct {
	id    string
	queue *Queue
	cb    Callback
	opts  ConsumerOptions

	state    ConsumerState
	inflight int

	// inCallback marks that the delivery callback is currently running
	// on this consumer; Suspend is only legal then.
	inCallback bool
}

// ID returns the consumer identifier.
func (c *Consumer) ID() string {
	return c.id
}

// Queue returns the queue this consumer is attached to.
func (c *Consumer) Queue() *Queue {
	return c.queue
}

// State returns the current consumer state.
func (c *Consumer) State() ConsumerState {
	c.queue.mu.Lock()
	defer c.queue.mu.Unlock()
	return c.state
}

// eligible reports whether the consumer can take a delivery. Caller
// holds the queue lock.
func (c *Consumer) eligible() bool {
	if c.state != ConsumerActive {
		return false
	}
	if c.opts.MaxInflight > 0 && c.inflight >= c.opts.MaxInflight {
		return false
	}
	return true
}

// Suspend pauses delivery to the consumer. It must only be called from
// within the delivery callback; calling it elsewhere violates the
// delivery contract and panics.
func (c *Consumer) Suspend() {
	c.queue.mu.Lock()
	defer c.queue.mu.Unlock()

	if !c.inCallback {
		panic("queue: Suspend called outside delivery callback")
	}
	if c.state == ConsumerActive {
		c.state = ConsumerPausedExplicit
	}
}

// Resume re-enables delivery. It may be called from any goroutine. If
// the consumer was concurrently destroyed, Resume silently completes the
// destruction instead.
func (c *Consumer) Resume() error {
	c.queue.mu.Lock()

	switch c.state {
	case ConsumerPausedExplicit, ConsumerPausedBackpressure:
		c.state = ConsumerActive
		c.queue.mu.Unlock()
		c.queue.notify()
		return nil
	case ConsumerDestroying:
		c.queue.finishDetachLocked(c)
		c.queue.mu.Unlock()
		return nil
	case ConsumerDestroyed:
		c.queue.mu.Unlock()
		return nil
	default:
		c.queue.mu.Unlock()
		return ErrNotPaused
	}
}

// pauseLocked moves an active consumer into the backpressure-paused
// state. Caller holds the queue lock.
func (c *Consumer) pauseLocked() {
	if c.state == ConsumerActive {
		c.state = ConsumerPausedBackpressure
	}
}

func newConsumer(q *Queue, cb Callback, opts ConsumerOptions) *Consumer {
	state := ConsumerActive
	if opts.Paused {
		state = ConsumerPausedExplicit
	}
	return &Consumer{
		id:    xid.New().String(),
		queue: q,
		cb:    cb,
		opts:  opts,
		state: state,
	}
}
