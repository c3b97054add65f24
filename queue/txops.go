// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"github.com/absmach/tranmq/storage"
	"github.com/absmach/tranmq/transaction"
)

// enqueueOp is a transactional put: the record exists on the queue but
// stays invisible until the transaction commits.
type enqueueOp struct {
	q   *Queue
	rec *Record
}

var _ transaction.Operation = (*enqueueOp)(nil)

func (op *enqueueOp) Persistent() bool {
	op.q.mu.Lock()
	defer op.q.mu.Unlock()
	return op.q.persistentLocked(op.rec)
}

func (op *enqueueOp) Stage(uow storage.UnitOfWork) error {
	return op.q.stagePersist(uow, op.rec, "")
}

func (op *enqueueOp) StagePrepare(uow storage.UnitOfWork, xid string) error {
	return op.q.stagePersist(uow, op.rec, xid)
}

func (op *enqueueOp) StageRollback(uow storage.UnitOfWork) error {
	return op.q.stageUnpersist(uow, op.rec)
}

func (op *enqueueOp) Commit() {
	q := op.q
	q.mu.Lock()
	if !q.destroyed && !op.rec.visible {
		op.rec.visible = true
		q.admitVisibleLocked(op.rec)
	}
	q.mu.Unlock()
	q.notify()
}

func (op *enqueueOp) Rollback() {
	op.q.removeRecord(op.rec)
}

// dequeueOp is a transactional consume: the record stays reserved on its
// queue until the transaction commits, then is discarded.
type dequeueOp struct {
	q   *Queue
	rec *Record
}

var _ transaction.Operation = (*dequeueOp)(nil)

func (op *dequeueOp) Persistent() bool {
	op.q.mu.Lock()
	defer op.q.mu.Unlock()
	return op.q.persistentLocked(op.rec)
}

func (op *dequeueOp) Stage(uow storage.UnitOfWork) error {
	return op.q.stageUnpersist(uow, op.rec)
}

// StagePrepare rewrites the delivery record as a pending dequeue so a
// restart keeps the record reserved until the branch resolves.
func (op *dequeueOp) StagePrepare(uow storage.UnitOfWork, xid string) error {
	return uow.PutDelivery(op.storedForm(xid, true))
}

// StageRollback clears the pending marker, returning the stored record
// to service.
func (op *dequeueOp) StageRollback(uow storage.UnitOfWork) error {
	return uow.PutDelivery(op.storedForm("", false))
}

func (op *dequeueOp) storedForm(xid string, pending bool) *storage.DeliveryRecord {
	q := op.q
	rec := op.rec
	q.mu.Lock()
	defer q.mu.Unlock()
	state := rec.state
	if !pending {
		state = StateAvailable
	}
	return &storage.DeliveryRecord{
		ID:             rec.id,
		QueueName:      q.cfg.Name,
		MessageID:      rec.msg.ID,
		State:          int(state),
		DeliveryID:     rec.deliveryID,
		Attempts:       rec.attempts,
		TxXID:          xid,
		PendingDequeue: pending,
	}
}

func (op *dequeueOp) Commit() {
	q := op.q
	rec := op.rec
	q.mu.Lock()
	rec.reserved = false
	rec.state = StateConsumed
	q.releaseDeliveryLocked(rec)
	q.detachRecordLocked(rec)
	q.stats.Dequeued.Add(1)
	q.mu.Unlock()

	rec.msg.Release()
	q.notify()
}

func (op *dequeueOp) Rollback() {
	q := op.q
	rec := op.rec
	q.mu.Lock()
	rec.reserved = false
	rec.state = StateAvailable
	q.releaseDeliveryLocked(rec)
	rec.consumer = nil
	q.mu.Unlock()
	q.notify()
}
