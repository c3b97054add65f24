// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/tranmq/client"
	"github.com/absmach/tranmq/message"
	"github.com/absmach/tranmq/queue"
	"github.com/absmach/tranmq/topics"
	"github.com/absmach/tranmq/transaction"
)

// PutOptions configure a publish.
type PutOptions struct {
	Reliability message.Reliability
	Persistent  bool
	Retained    bool
	Priority    uint8
	Expiry      time.Time
	Properties  map[string]string

	// Transaction makes the enqueues part of the given transaction's
	// unit of work; nil publishes immediately.
	Transaction *transaction.Transaction
}

// CreateProducer opens a session-owned producer handle for a
// destination. The destination is validated and authorized once, at
// creation, so publishes through the handle skip the checks.
func (e *Engine) CreateProducer(sess *client.Session, destination string) (*client.Producer, error) {
	if err := e.checkLive(); err != nil {
		return nil, err
	}
	if err := topics.ValidateTopicName(destination); err != nil {
		return nil, err
	}
	if _, err := e.auth.Authorize(sess.State().ID(), ActionPublish, destination); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	return sess.CreateProducer(destination)
}

// DestroyProducer closes a producer handle.
func (e *Engine) DestroyProducer(sess *client.Session, p *client.Producer) error {
	return sess.DestroyProducer(p)
}

// Put publishes a message through a session-owned producer. The
// message is fanned out to every queue whose filter matches the
// producer's destination; the status reports partial outcomes that are
// not failures.
func (e *Engine) Put(sess *client.Session, p *client.Producer, payload []byte, opts PutOptions) (Status, error) {
	return e.PutDestination(sess, p.Destination(), payload, opts)
}

// PutDestination publishes to an explicit destination without a
// producer handle.
func (e *Engine) PutDestination(sess *client.Session, destination string, payload []byte, opts PutOptions) (Status, error) {
	if err := e.checkLive(); err != nil {
		return StatusOK, err
	}
	clientID := sess.State().ID()
	if _, err := e.auth.Authorize(clientID, ActionPublish, destination); err != nil {
		return StatusOK, fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	if !e.limiter.Allow(clientID) {
		if e.metrics != nil {
			e.metrics.RecordRateLimited()
		}
		return StatusOK, ErrRateLimited
	}

	start := time.Now()
	msg, err := message.New(destination, payload, message.Options{
		Reliability: opts.Reliability,
		Persistent:  opts.Persistent,
		Retained:    opts.Retained,
		Priority:    opts.Priority,
		Expiry:      opts.Expiry,
		Properties:  opts.Properties,
	}, e.limits)
	if err != nil {
		return StatusOK, err
	}
	defer msg.Release()

	status, err := e.put(msg, opts.Transaction)
	if err != nil {
		return status, err
	}
	if e.metrics != nil {
		e.metrics.RecordPut(byte(opts.Reliability), int64(msg.Size()),
			float64(time.Since(start).Microseconds())/1000)
	}
	return status, nil
}

// put fans a message out to all matching queues and handles retained
// state. The caller retains its own message reference.
func (e *Engine) put(msg *message.Message, tx *transaction.Transaction) (Status, error) {
	if msg.Retained {
		e.storeRetained(msg)
	}

	targets := e.res.Resolve(msg.Destination)
	if len(targets) == 0 {
		return StatusNoMatchingDestinations, nil
	}

	delivered := 0
	full := 0
	for _, target := range targets {
		q, ok := target.(*queue.Queue)
		if !ok || !q.Selects(msg) {
			continue
		}
		switch err := q.Enqueue(msg, tx); {
		case err == nil:
			delivered++
		case errors.Is(err, queue.ErrDestinationFull):
			full++
		case errors.Is(err, queue.ErrQueueDestroyed):
			// Raced a teardown; skip.
		default:
			return StatusOK, err
		}
	}

	switch {
	case delivered == 0 && full == 0:
		return StatusNoMatchingDestinations, nil
	case delivered == 0:
		return StatusOK, queue.ErrDestinationFull
	case full > 0:
		return StatusSomeDestinationsFull, nil
	default:
		return StatusOK, nil
	}
}

// storeRetained replaces the retained message for a topic. An empty
// payload clears the slot.
func (e *Engine) storeRetained(msg *message.Message) {
	e.mu.Lock()
	prior := e.retained[msg.Destination]
	if msg.Size() == 0 {
		delete(e.retained, msg.Destination)
	} else {
		e.retained[msg.Destination] = msg.Acquire()
	}
	e.mu.Unlock()

	if prior != nil {
		prior.Release()
	}
}

// Retained returns the retained message for a topic, with an acquired
// reference the caller must release.
func (e *Engine) Retained(topic string) *message.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if msg, ok := e.retained[topic]; ok {
		return msg.Acquire()
	}
	return nil
}

// Confirm applies a confirmation option to a delivered record,
// optionally inside a transaction.
func (e *Engine) Confirm(rec *queue.Record, opt queue.ConfirmOption, tx *transaction.Transaction) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := rec.Queue().Confirm(rec, opt, tx); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordConfirm(opt.String())
	}
	return nil
}

// ConfirmBatch confirms a set of delivery handles, clearing successful
// entries in place. On failure it returns the failing index.
func (e *Engine) ConfirmBatch(handles []*queue.Record, opt queue.ConfirmOption, tx *transaction.Transaction) (int, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	for i, rec := range handles {
		if rec == nil {
			continue
		}
		if err := rec.Queue().Confirm(rec, opt, tx); err != nil {
			return i, err
		}
		handles[i] = nil
		if e.metrics != nil {
			e.metrics.RecordConfirm(opt.String())
		}
	}
	return -1, nil
}

// GetMessageWithTimeout consumes a single message from a subscription,
// waiting up to timeout for one to arrive. The transient consumer is
// detached before returning; timeout and delivery race safely on a
// first-winner basis.
func (e *Engine) GetMessageWithTimeout(sess *client.Session, subscription string, timeout time.Duration) (*message.Message, error) {
	if err := e.checkLive(); err != nil {
		return nil, err
	}
	q, err := e.Subscription(subscription)
	if err != nil {
		return nil, err
	}

	type result struct {
		msg *message.Message
		rec *queue.Record
	}
	won := make(chan result, 1)
	claimed := make(chan struct{})

	c, err := q.AttachConsumer(func(d *queue.Delivery) bool {
		select {
		case <-claimed:
			// Timed out already; put the record back.
			_ = q.Confirm(d.Record, queue.ConfirmNotDelivered, nil)
			return false
		default:
		}
		select {
		case won <- result{msg: d.Record.Message().Acquire(), rec: d.Record}:
		default:
			_ = q.Confirm(d.Record, queue.ConfirmNotDelivered, nil)
		}
		return false
	}, queue.ConsumerOptions{MaxInflight: 1})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-won:
		if err := q.Confirm(r.rec, queue.ConfirmConsumed, nil); err != nil {
			r.msg.Release()
			_ = q.DetachConsumer(c)
			return nil, err
		}
		_ = q.DetachConsumer(c)
		return r.msg, nil

	case <-timer.C:
		close(claimed)
		// A delivery may have won the race just before the timeout.
		// Claim it before the detach can revert it to Available.
		select {
		case r := <-won:
			if err := q.Confirm(r.rec, queue.ConfirmConsumed, nil); err != nil {
				r.msg.Release()
				_ = q.DetachConsumer(c)
				return nil, err
			}
			_ = q.DetachConsumer(c)
			return r.msg, nil
		default:
		}
		if err := q.DetachConsumer(c); err != nil {
			e.log.Warn("transient consumer detach failed", slog.String("error", err.Error()))
		}
		// The callback may still have claimed a delivery between the
		// timeout check and the detach; the detach already returned that
		// record to the queue, so the empty result stands.
		select {
		case r := <-won:
			if err := q.Confirm(r.rec, queue.ConfirmConsumed, nil); err != nil {
				r.msg.Release()
				if errors.Is(err, queue.ErrNotDelivered) {
					return nil, ErrNoMessage
				}
				return nil, err
			}
			return r.msg, nil
		default:
			return nil, ErrNoMessage
		}
	}
}

// ClientTable exposes the client registry for protocol adapters.
func (e *Engine) ClientTable() *client.Table {
	return e.clients
}
