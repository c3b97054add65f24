// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the ordered, bounded holding area for delivery
// records attached to one destination, the per-record delivery state
// machine, and the consumers that drain it. A queue backs either a
// point-to-point destination or a topic subscription; shared queues
// distribute records across attached consumers with competing-consumer
// semantics.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/tranmq/message"
	"github.com/absmach/tranmq/storage"
	"github.com/absmach/tranmq/transaction"
)

// Queue errors.
var (
	ErrQueueDestroyed   = errors.New("queue is destroyed")
	ErrActiveConsumers  = errors.New("queue has active consumers")
	ErrDestinationFull  = errors.New("destination is full")
	ErrRecordReserved   = errors.New("delivery is reserved by a transaction")
	ErrWrongQueue       = errors.New("record does not belong to this queue")
)

// FullPolicy selects the behavior when a bounded queue is full.
type FullPolicy int

const (
	// PolicyReject refuses the new record.
	PolicyReject FullPolicy = iota
	// PolicyDiscardOldest evicts the oldest available at-most-once
	// record to admit the new one.
	PolicyDiscardOldest
	// PolicyDiscardNew silently drops the new record when it is
	// at-most-once; higher classes are rejected instead.
	PolicyDiscardNew
)

// Config defines a queue.
type Config struct {
	Name  string
	Topic string // filter this queue is subscribed under, if any

	// Shared permits multiple concurrent consumers (competing).
	Shared bool

	// Durable queues persist records for persistent messages.
	Durable bool

	// Anonymous non-durable queues are destroyed when the last consumer
	// detaches.
	Anonymous bool

	MaxMessages int64
	MaxBytes    int64
	FullPolicy  FullPolicy

	// Selector filters messages after topic resolution. A nil selector
	// accepts everything; a message rejected by the selector is never
	// enqueued and never counted against the queue.
	Selector func(*message.Message) bool

	// ClientID owning the subscription, for durable definitions.
	ClientID string
}

// DestroyOptions control queue destruction.
type DestroyOptions struct {
	// Discard drops buffered records instead of failing when the queue
	// is non-empty.
	Discard bool
}

// ErrNotEmpty rejects destroying a non-empty queue without the discard
// option.
var ErrNotEmpty = errors.New("queue is not empty")

// Queue is an ordered collection of delivery records bound to one
// destination.
type Queue struct {
	mu sync.Mutex

	cfg     Config
	records []*Record

	consumers []*Consumer
	rr        int // round-robin cursor for shared delivery

	buffered      int64
	bufferedBytes int64
	stats         Stats

	refs      int
	destroyed bool

	store storage.Store // nil for non-durable deployments

	// onOrphan is invoked (outside the lock) when the last consumer of
	// an anonymous non-durable queue detaches.
	onOrphan func(*Queue)

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a queue and starts its delivery loop. The store may be nil
// when durability is not required.
func New(cfg Config, store storage.Store, onOrphan func(*Queue)) *Queue {
	q := &Queue{
		cfg:      cfg,
		store:    store,
		onOrphan: onOrphan,
		refs:     1, // namespace reference
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Config returns the queue configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Selects reports whether the queue's selector accepts the message.
func (q *Queue) Selects(msg *message.Message) bool {
	return q.cfg.Selector == nil || q.cfg.Selector(msg)
}

// Enqueue creates a delivery record for the message. Outside a
// transaction the record is immediately visible to consumers; inside one
// it stays invisible until commit. The message gains one reference per
// record created.
//
// A full queue applies its FullPolicy: at-most-once messages may be
// silently discarded (counted), higher classes are rejected with
// ErrDestinationFull.
func (q *Queue) Enqueue(msg *message.Message, tx *transaction.Transaction) error {
	q.mu.Lock()

	if q.destroyed {
		q.mu.Unlock()
		return ErrQueueDestroyed
	}

	if admitted, err := q.admitLocked(msg); err != nil {
		q.mu.Unlock()
		return err
	} else if !admitted {
		// Silently discarded per policy; the put still succeeds.
		q.mu.Unlock()
		return nil
	}

	rec := newRecord(q, msg.Acquire(), tx == nil)
	q.records = append(q.records, rec)

	if tx == nil {
		q.admitVisibleLocked(rec)
		persistent := q.persistentLocked(rec)
		q.mu.Unlock()

		if persistent {
			if err := q.persistRecord(rec); err != nil {
				q.removeRecord(rec)
				return fmt.Errorf("failed to persist delivery: %w", err)
			}
		}
		q.notify()
		return nil
	}

	q.mu.Unlock()

	if err := tx.Add(&enqueueOp{q: q, rec: rec}); err != nil {
		q.removeRecord(rec)
		return err
	}
	return nil
}

// admitLocked applies the bound check and full policy. It returns
// (true, nil) to admit, (false, nil) for a silent policy discard, or an
// error for rejection. Caller holds the lock.
func (q *Queue) admitLocked(msg *message.Message) (bool, error) {
	overCount := q.cfg.MaxMessages > 0 && q.buffered >= q.cfg.MaxMessages
	overBytes := q.cfg.MaxBytes > 0 && q.bufferedBytes+int64(msg.Size()) > q.cfg.MaxBytes
	if !overCount && !overBytes {
		return true, nil
	}

	lowQoS := msg.Reliability == message.AtMostOnce

	switch q.cfg.FullPolicy {
	case PolicyDiscardNew:
		if lowQoS {
			q.stats.Discarded.Add(1)
			return false, nil
		}
	case PolicyDiscardOldest:
		if q.evictOldestLocked() {
			return true, nil
		}
	}

	q.stats.Rejected.Add(1)
	return false, ErrDestinationFull
}

// evictOldestLocked discards the oldest available at-most-once record.
// Caller holds the lock. Reports whether an eviction happened.
func (q *Queue) evictOldestLocked() bool {
	for i, rec := range q.records {
		if rec.visible && rec.state == StateAvailable && !rec.reserved && rec.msg.Reliability == message.AtMostOnce {
			q.records = append(q.records[:i], q.records[i+1:]...)
			q.dropVisibleLocked(rec)
			q.stats.Discarded.Add(1)
			go rec.msg.Release()
			return true
		}
	}
	return false
}

// admitVisibleLocked accounts a record becoming visible. Caller holds
// the lock.
func (q *Queue) admitVisibleLocked(rec *Record) {
	q.buffered++
	q.bufferedBytes += int64(rec.msg.Size())
	q.stats.Enqueued.Add(1)
	q.stats.Buffered.Store(q.buffered)
	if q.buffered > q.stats.BufferedHWM.Load() {
		q.stats.BufferedHWM.Store(q.buffered)
	}
}

// dropVisibleLocked reverses visible accounting. Caller holds the lock.
func (q *Queue) dropVisibleLocked(rec *Record) {
	q.buffered--
	q.bufferedBytes -= int64(rec.msg.Size())
	q.stats.Buffered.Store(q.buffered)
}

func (q *Queue) persistentLocked(rec *Record) bool {
	return q.store != nil && q.cfg.Durable && rec.msg.Persistent
}

// persistRecord writes the message and delivery records durably.
func (q *Queue) persistRecord(rec *Record) error {
	uow, err := q.store.Begin()
	if err != nil {
		return err
	}
	if err := q.stagePersist(uow, rec, ""); err != nil {
		uow.Rollback()
		return err
	}
	if err := uow.Commit(); err != nil {
		q.mu.Lock()
		rec.storedRef = false
		q.mu.Unlock()
		rec.msg.ReleaseStoreRef()
		return err
	}
	return nil
}

// stagePersist writes the record's durable form into the unit of work. A
// non-empty txXID stages the pending form of a prepared transactional
// enqueue; recovery keeps such records invisible until the branch
// resolves. The first staging takes the message's store reference,
// restaging (phase two after prepare) leaves the count unchanged.
func (q *Queue) stagePersist(uow storage.UnitOfWork, rec *Record, txXID string) error {
	q.mu.Lock()
	msg := rec.msg
	msgRec := &storage.MessageRecord{
		ID:          msg.ID,
		Destination: msg.Destination,
		Payload:     msg.Payload(),
		Properties:  msg.Properties,
		Reliability: byte(msg.Reliability),
		Priority:    msg.Priority,
		Retained:    msg.Retained,
		Expiry:      msg.Expiry,
		PublishTime: msg.PublishTime,
	}
	delRec := &storage.DeliveryRecord{
		ID:         rec.id,
		QueueName:  q.cfg.Name,
		MessageID:  msg.ID,
		State:      int(rec.state),
		DeliveryID: rec.deliveryID,
		Attempts:   rec.attempts,
		TxXID:      txXID,
	}
	first := !rec.storedRef
	rec.storedRef = true
	q.mu.Unlock()

	if err := uow.PutMessage(msgRec); err != nil {
		return err
	}
	if err := uow.PutDelivery(delRec); err != nil {
		return err
	}
	if first {
		msg.AcquireStoreRef()
	}
	return nil
}

// stageUnpersist stages removal of the record's durable state. Dropping
// the last durable reference to the message deletes its body record in
// the same unit of work.
func (q *Queue) stageUnpersist(uow storage.UnitOfWork, rec *Record) error {
	if err := uow.DeleteDelivery(rec.id); err != nil {
		return err
	}
	q.mu.Lock()
	had := rec.storedRef
	rec.storedRef = false
	q.mu.Unlock()
	if had && rec.msg.ReleaseStoreRef() {
		return uow.DeleteMessage(rec.msg.ID)
	}
	return nil
}

// removeRecord drops a record that never became visible.
func (q *Queue) removeRecord(rec *Record) {
	q.mu.Lock()
	for i, r := range q.records {
		if r == rec {
			q.records = append(q.records[:i], q.records[i+1:]...)
			if rec.visible {
				q.dropVisibleLocked(rec)
			}
			break
		}
	}
	q.mu.Unlock()
	rec.msg.Release()
}

// Confirm applies a confirmation option to a delivered record. With a
// non-nil transaction and ConfirmConsumed, the consumption is
// accumulated in the transaction and applied at commit.
func (q *Queue) Confirm(rec *Record, opt ConfirmOption, tx *transaction.Transaction) error {
	if rec.queue != q {
		return ErrWrongQueue
	}

	if tx != nil && opt == ConfirmConsumed {
		return q.consumeInTx(rec, tx)
	}

	q.mu.Lock()

	if rec.reserved {
		q.mu.Unlock()
		return ErrRecordReserved
	}

	switch rec.state {
	case StateConsumed:
		q.mu.Unlock()
		return ErrAlreadyConsumed
	case StateAvailable:
		q.mu.Unlock()
		return ErrNotDelivered
	}

	switch opt {
	case ConfirmReceived:
		if rec.state != StateDelivered {
			q.mu.Unlock()
			return ErrNotDelivered
		}
		rec.state = StateReceived
		q.mu.Unlock()
		return nil

	case ConfirmConsumed, ConfirmExpired:
		rec.state = StateConsumed
		q.releaseDeliveryLocked(rec)
		q.detachRecordLocked(rec)
		q.stats.Dequeued.Add(1)
		if opt == ConfirmExpired {
			q.stats.Expired.Add(1)
		}
		persistent := q.persistentLocked(rec)
		q.mu.Unlock()

		if persistent {
			if err := q.unpersistRecord(rec); err != nil {
				return fmt.Errorf("failed to release delivery storage: %w", err)
			}
		}
		rec.msg.Release()
		q.notify()
		return nil

	case ConfirmNotDelivered, ConfirmNotReceived:
		rec.state = StateAvailable
		if opt == ConfirmNotDelivered {
			// The failed attempt is not counted against the record.
			rec.noCountRedelivery = true
		}
		q.releaseDeliveryLocked(rec)
		rec.consumer = nil
		q.mu.Unlock()
		q.notify()
		return nil

	default:
		q.mu.Unlock()
		return ErrInvalidConfirm
	}
}

// ConfirmBatch confirms a set of delivery handles in order. Handles of
// successful confirmations are cleared in place; on failure, processing
// stops and the index of the failing handle is returned with the error.
func (q *Queue) ConfirmBatch(handles []*Record, opt ConfirmOption, tx *transaction.Transaction) (int, error) {
	for i, rec := range handles {
		if rec == nil {
			continue
		}
		if err := q.Confirm(rec, opt, tx); err != nil {
			return i, err
		}
		handles[i] = nil
	}
	return -1, nil
}

// consumeInTx reserves a delivered record for a transactional consume.
func (q *Queue) consumeInTx(rec *Record, tx *transaction.Transaction) error {
	q.mu.Lock()

	switch rec.state {
	case StateConsumed:
		q.mu.Unlock()
		return ErrAlreadyConsumed
	case StateAvailable:
		q.mu.Unlock()
		return ErrNotDelivered
	}
	if rec.reserved {
		q.mu.Unlock()
		return ErrRecordReserved
	}
	rec.reserved = true
	q.mu.Unlock()

	if err := tx.Add(&dequeueOp{q: q, rec: rec}); err != nil {
		q.mu.Lock()
		rec.reserved = false
		q.mu.Unlock()
		return err
	}
	return nil
}

// releaseDeliveryLocked releases the delivering consumer's inflight
// slot, lifting a backpressure pause once back under the bound. Caller
// holds the lock.
func (q *Queue) releaseDeliveryLocked(rec *Record) {
	c := rec.consumer
	if c == nil {
		return
	}
	c.inflight--
	if c.state == ConsumerPausedBackpressure && (c.opts.MaxInflight == 0 || c.inflight < c.opts.MaxInflight) {
		c.state = ConsumerActive
	}
}

// detachRecordLocked removes a record from the ordered collection.
// Caller holds the lock.
func (q *Queue) detachRecordLocked(rec *Record) {
	for i, r := range q.records {
		if r == rec {
			q.records = append(q.records[:i], q.records[i+1:]...)
			q.dropVisibleLocked(rec)
			return
		}
	}
}

// unpersistRecord removes the durable delivery record and, with it, the
// last durable reference to the message body.
func (q *Queue) unpersistRecord(rec *Record) error {
	uow, err := q.store.Begin()
	if err != nil {
		return err
	}
	if err := q.stageUnpersist(uow, rec); err != nil {
		uow.Rollback()
		return err
	}
	return uow.Commit()
}

// AttachConsumer registers a consumer. Non-shared queues allow exactly
// one.
func (q *Queue) AttachConsumer(cb Callback, opts ConsumerOptions) (*Consumer, error) {
	q.mu.Lock()

	if q.destroyed {
		q.mu.Unlock()
		return nil, ErrQueueDestroyed
	}
	if !q.cfg.Shared && len(q.consumers) > 0 {
		q.mu.Unlock()
		return nil, ErrSingleConsumer
	}

	c := newConsumer(q, cb, opts)
	q.consumers = append(q.consumers, c)
	q.refs++
	q.mu.Unlock()

	q.notify()
	return c, nil
}

// DetachConsumer drains in-flight delivery to the consumer, returns its
// unconfirmed records to the queue, and removes it. Detaching the last
// consumer of an anonymous non-durable queue destroys the queue.
func (q *Queue) DetachConsumer(c *Consumer) error {
	q.mu.Lock()

	if c.queue != q {
		q.mu.Unlock()
		return ErrWrongQueue
	}
	if c.state == ConsumerDestroyed {
		q.mu.Unlock()
		return nil
	}
	if c.inCallback {
		// The delivery loop completes the detach when the callback
		// returns.
		c.state = ConsumerDestroying
		q.mu.Unlock()
		return nil
	}

	q.finishDetachLocked(c)
	orphaned := q.orphanedLocked()
	q.mu.Unlock()

	if orphaned {
		q.orphan()
	}
	return nil
}

// finishDetachLocked completes consumer removal. Caller holds the lock.
func (q *Queue) finishDetachLocked(c *Consumer) {
	for _, rec := range q.records {
		if rec.consumer == c && !rec.reserved && (rec.state == StateDelivered || rec.state == StateReceived) {
			rec.state = StateAvailable
			rec.consumer = nil
		}
	}
	c.inflight = 0
	c.state = ConsumerDestroyed

	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	q.refs--
}

func (q *Queue) orphanedLocked() bool {
	return q.cfg.Anonymous && !q.cfg.Durable && len(q.consumers) == 0 && !q.destroyed
}

func (q *Queue) orphan() {
	// Drop the namespace reference; destroy discards leftovers.
	_ = q.Destroy(DestroyOptions{Discard: true})
	if q.onOrphan != nil {
		q.onOrphan(q)
	}
}

// Destroy tears the queue down. It is rejected while consumers are
// attached, and rejected for non-empty queues unless Discard is set.
func (q *Queue) Destroy(opts DestroyOptions) error {
	q.mu.Lock()

	if q.destroyed {
		q.mu.Unlock()
		return nil
	}
	if len(q.consumers) > 0 {
		q.mu.Unlock()
		return ErrActiveConsumers
	}
	if q.buffered > 0 && !opts.Discard {
		q.mu.Unlock()
		return ErrNotEmpty
	}

	q.destroyed = true
	records := q.records
	q.records = nil
	q.buffered = 0
	q.bufferedBytes = 0
	q.stats.Buffered.Store(0)
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()

	for _, rec := range records {
		if q.store != nil && q.cfg.Durable && rec.msg.Persistent {
			_ = q.unpersistRecord(rec)
		}
		if rec.visible {
			q.stats.Discarded.Add(1)
		}
		rec.msg.Release()
	}
	return nil
}

// Destroyed reports whether the queue has been destroyed.
func (q *Queue) Destroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

// ExpireRecords discards available records whose message TTL elapsed,
// returning the number expired.
func (q *Queue) ExpireRecords(now time.Time) int {
	q.mu.Lock()

	var expired []*Record
	kept := q.records[:0]
	for _, rec := range q.records {
		if rec.visible && rec.state == StateAvailable && !rec.reserved && rec.msg.Expired(now) {
			q.dropVisibleLocked(rec)
			expired = append(expired, rec)
			continue
		}
		kept = append(kept, rec)
	}
	q.records = kept
	q.stats.Expired.Add(int64(len(expired)))
	q.mu.Unlock()

	for _, rec := range expired {
		if q.store != nil && q.cfg.Durable && rec.msg.Persistent {
			q.unpersistRecord(rec)
		}
		rec.msg.Release()
	}
	return len(expired)
}

// ConsumerCount returns the number of attached consumers.
func (q *Queue) ConsumerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.consumers)
}

// Buffered returns the number of visible records.
func (q *Queue) Buffered() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// RestoreRecord rebuilds a recovered delivery record. Used only during
// startup replay, before consumers exist.
//
// A record that was pending under a prepared global transaction stays
// inert: a pending enqueue is kept invisible, a pending dequeue stays
// reserved. For such records the returned operation must be re-attached
// to the in-doubt branch so phase two can finalize it; for settled
// records the operation is nil.
func (q *Queue) RestoreRecord(msg *message.Message, stored *storage.DeliveryRecord) (*Record, transaction.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := newRecord(q, msg.Acquire(), false)
	rec.id = stored.ID
	rec.attempts = stored.Attempts
	rec.deliveryID = stored.DeliveryID
	rec.storedRef = true
	msg.AcquireStoreRef()

	var op transaction.Operation
	switch {
	case stored.TxXID != "" && stored.PendingDequeue:
		rec.visible = true
		rec.state = StateDelivered
		rec.reserved = true
		op = &dequeueOp{q: q, rec: rec}
	case stored.TxXID != "":
		op = &enqueueOp{q: q, rec: rec}
	default:
		rec.visible = true
		// Unconfirmed deliveries return to Available for redelivery;
		// newRecord already starts records there.
	}

	q.records = append(q.records, rec)
	if rec.visible {
		q.admitVisibleLocked(rec)
	}
	return rec, op
}
