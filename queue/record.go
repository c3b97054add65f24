// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"

	"github.com/rs/xid"

	"github.com/absmach/tranmq/message"
)

// Confirmation errors.
var (
	ErrAlreadyConsumed = errors.New("delivery already consumed")
	ErrNotDelivered    = errors.New("delivery is not in a deliverable-confirmation state")
	ErrInvalidConfirm  = errors.New("invalid confirmation option")
)

// RecordState is the delivery state of a record on its queue.
type RecordState int

const (
	StateAvailable RecordState = iota
	StateDelivered
	StateReceived
	StateConsumed
)

func (s RecordState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateDelivered:
		return "delivered"
	case StateReceived:
		return "received"
	case StateConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// ConfirmOption selects the confirmation applied to a delivered record.
type ConfirmOption int

const (
	// ConfirmConsumed is the terminal confirmation; storage is released.
	ConfirmConsumed ConfirmOption = iota
	// ConfirmReceived is the intermediate exactly-once acknowledgment.
	ConfirmReceived
	// ConfirmNotDelivered makes the record re-deliverable without
	// counting the delivery attempt.
	ConfirmNotDelivered
	// ConfirmNotReceived makes the record re-deliverable as a redelivery.
	ConfirmNotReceived
	// ConfirmExpired completes the record like Consumed but records a
	// client-side expiry. Attribution is aggregate only: the counter is
	// authoritative, the record identity is best-effort.
	ConfirmExpired
)

func (o ConfirmOption) String() string {
	switch o {
	case ConfirmConsumed:
		return "consumed"
	case ConfirmReceived:
		return "received"
	case ConfirmNotDelivered:
		return "not-delivered"
	case ConfirmNotReceived:
		return "not-received"
	case ConfirmExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Record tracks a message's consumption state on one queue. Records are
// owned exclusively by their queue; all state transitions happen under
// the queue lock.
type Record struct {
	id    string
	msg   *message.Message
	queue *Queue

	state    RecordState
	attempts int
	// noCountRedelivery suppresses the attempt increment on the next
	// delivery (set by ConfirmNotDelivered).
	noCountRedelivery bool

	// visible is false while the enqueue is pending inside an
	// uncommitted transaction.
	visible bool

	// reserved is set while an uncommitted transactional consume holds
	// the record.
	reserved bool

	// storedRef is set while a durable delivery record for this record
	// holds a store reference to the message body.
	storedRef bool

	// consumer currently holding the delivery, nil when Available.
	consumer *Consumer

	// deliveryID is the optional per-client delivery identifier.
	deliveryID uint32
}

func newRecord(q *Queue, msg *message.Message, visible bool) *Record {
	return &Record{
		id:      xid.New().String(),
		msg:     msg,
		queue:   q,
		state:   StateAvailable,
		visible: visible,
	}
}

// ID returns the record identifier.
func (r *Record) ID() string {
	return r.id
}

// Message returns the message tracked by this record.
func (r *Record) Message() *message.Message {
	return r.msg
}

// Queue returns the owning queue.
func (r *Record) Queue() *Queue {
	return r.queue
}

// State returns the current delivery state.
func (r *Record) State() RecordState {
	r.queue.mu.Lock()
	defer r.queue.mu.Unlock()
	return r.state
}

// Attempts returns the delivery attempt count.
func (r *Record) Attempts() int {
	r.queue.mu.Lock()
	defer r.queue.mu.Unlock()
	return r.attempts
}

// DeliveryID returns the per-client delivery identifier.
func (r *Record) DeliveryID() uint32 {
	r.queue.mu.Lock()
	defer r.queue.mu.Unlock()
	return r.deliveryID
}

// SetDeliveryID assigns the per-client delivery identifier.
func (r *Record) SetDeliveryID(id uint32) {
	r.queue.mu.Lock()
	defer r.queue.mu.Unlock()
	r.deliveryID = id
}
