// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"log/slog"

	"github.com/absmach/tranmq/message"
	"github.com/absmach/tranmq/queue"
	"github.com/absmach/tranmq/storage"
	"github.com/absmach/tranmq/transaction"
)

// recovery is the startup replay handler: it rebuilds client-states,
// subscription queues, buffered messages, their delivery records, and
// in-doubt global transactions from the persisted records, in that
// order.
type recovery struct {
	e *Engine

	// msgs indexes restored messages by id while deliveries replay;
	// each restored delivery takes its own reference.
	msgs map[string]*message.Message

	// pending collects operations of records staged under a prepared
	// branch, keyed by XID, for re-attachment once transactions replay.
	pending map[string][]transaction.Operation

	clients       int
	subscriptions int
	messages      int
	deliveries    int
	transactions  int
}

var _ storage.RecoveryHandler = (*recovery)(nil)

func newRecovery(e *Engine) *recovery {
	return &recovery{
		e:       e,
		msgs:    map[string]*message.Message{},
		pending: map[string][]transaction.Operation{},
	}
}

func (r *recovery) OnClient(rec *storage.ClientRecord) error {
	r.e.clients.Restore(rec)
	r.clients++
	return nil
}

func (r *recovery) OnSubscription(rec *storage.SubscriptionRecord) error {
	e := r.e

	e.mu.Lock()
	if _, exists := e.queues[rec.Name]; exists {
		e.mu.Unlock()
		return nil
	}
	q := queue.New(queue.Config{
		Name:        rec.Name,
		Topic:       rec.TopicName,
		Shared:      rec.Shared,
		Durable:     true,
		MaxMessages: rec.MaxMessages,
		MaxBytes:    rec.MaxBytes,
		ClientID:    rec.ClientID,
	}, e.store, nil)
	e.queues[rec.Name] = q
	e.mu.Unlock()

	if err := e.res.Add(rec.Name, rec.TopicName, q); err != nil {
		return fmt.Errorf("restore subscription %s: %w", rec.Name, err)
	}
	r.subscriptions++
	return nil
}

func (r *recovery) OnMessage(rec *storage.MessageRecord) error {
	msg := message.Restore(rec.ID, rec.Destination, rec.Payload, message.Options{
		Reliability: message.Reliability(rec.Reliability),
		Persistent:  true,
		Retained:    rec.Retained,
		Priority:    rec.Priority,
		Expiry:      rec.Expiry,
		Properties:  rec.Properties,
	}, rec.PublishTime)
	r.msgs[rec.ID] = msg

	if rec.Retained {
		r.e.mu.Lock()
		r.e.retained[rec.Destination] = msg.Acquire()
		r.e.mu.Unlock()
	}
	r.messages++
	return nil
}

func (r *recovery) OnDelivery(rec *storage.DeliveryRecord) error {
	msg, ok := r.msgs[rec.MessageID]
	if !ok {
		r.e.log.Warn("delivery record references unknown message",
			slog.String("delivery_id", rec.ID), slog.String("message_id", rec.MessageID))
		return nil
	}

	r.e.mu.RLock()
	q, ok := r.e.queues[rec.QueueName]
	r.e.mu.RUnlock()
	if !ok {
		r.e.log.Warn("delivery record references unknown queue",
			slog.String("delivery_id", rec.ID), slog.String("queue", rec.QueueName))
		return nil
	}

	_, op := q.RestoreRecord(msg, rec)
	if op != nil {
		r.pending[rec.TxXID] = append(r.pending[rec.TxXID], op)
	}
	r.deliveries++
	return nil
}

func (r *recovery) OnTransaction(rec *storage.TransactionRecord) error {
	if _, err := r.e.txns.Restore(rec); err != nil {
		return fmt.Errorf("restore transaction %s: %w", rec.XID, err)
	}
	r.transactions++
	return nil
}

// finish re-attaches pending operations to their in-doubt branches and
// releases the replay's message index; every restored delivery and
// retained slot holds its own reference by now.
func (r *recovery) finish() {
	r.resolvePending()
	for _, msg := range r.msgs {
		msg.Release()
	}
	r.msgs = nil
}

// resolvePending hands the recovered pending operations back to their
// prepared branches. Records whose branch is missing are reverted: the
// prepare that staged them never completed as in-doubt.
func (r *recovery) resolvePending() {
	for key, ops := range r.pending {
		if tx := r.lookupBranch(key); tx != nil {
			adopted := true
			for _, op := range ops {
				if err := tx.Adopt(op); err != nil {
					adopted = false
					break
				}
			}
			if adopted {
				continue
			}
		}

		r.e.log.Warn("reverting pending records with no in-doubt branch",
			slog.String("xid", key), slog.Int("operations", len(ops)))
		if uow, err := r.e.store.Begin(); err == nil {
			staged := true
			for _, op := range ops {
				if op.StageRollback(uow) != nil {
					staged = false
					break
				}
			}
			if staged {
				_ = uow.Commit()
			} else {
				_ = uow.Rollback()
			}
		}
		for _, op := range ops {
			op.Rollback()
		}
	}
	r.pending = nil
}

func (r *recovery) lookupBranch(key string) *transaction.Transaction {
	xid, err := transaction.ParseXID(key)
	if err != nil {
		return nil
	}
	tx, err := r.e.txns.Get(xid)
	if err != nil || tx.State() != transaction.StatePrepared {
		return nil
	}
	return tx
}
