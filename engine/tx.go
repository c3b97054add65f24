// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/absmach/tranmq/client"
	"github.com/absmach/tranmq/transaction"
)

// CreateLocalTransaction opens a session-owned local transaction. The
// handle is chained: committing or rolling back leaves it ready for the
// next unit of work.
func (e *Engine) CreateLocalTransaction(sess *client.Session) (*transaction.Transaction, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	tx, err := sess.CreateTransaction()
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.TransactionOpened()
	}
	return tx, nil
}

// CreateGlobalTransaction opens (or, with resume set, re-associates) a
// global transaction branch for the XID on the session.
func (e *Engine) CreateGlobalTransaction(sess *client.Session, xid *transaction.XID, resume bool) (*transaction.Transaction, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	tx, err := e.txns.Create(xid, sess, resume)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil && !resume {
		e.metrics.TransactionOpened()
	}
	return tx, nil
}

// EndTransaction disassociates a global transaction from the session,
// optionally marking it rollback-only or suspending it for later
// resumption.
func (e *Engine) EndTransaction(sess *client.Session, tx *transaction.Transaction, opt transaction.EndOption) error {
	return tx.End(sess, opt)
}

// PrepareTransaction runs phase one of two-phase commit on a global
// transaction. Preparation is durable: a prepared branch survives
// restart as in-doubt.
func (e *Engine) PrepareTransaction(tx *transaction.Transaction) (*Completion, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.async(tx.Prepare)
}

// CommitTransaction finalizes a transaction. Persistent work completes
// asynchronously through the returned Completion; a nil Completion
// means the commit finished before returning.
func (e *Engine) CommitTransaction(tx *transaction.Transaction) (*Completion, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	record := func(err error) {
		if err == nil && e.metrics != nil {
			e.metrics.RecordCommit(tx.IsGlobal())
			if tx.IsGlobal() {
				e.metrics.TransactionClosed()
			}
		}
	}

	if tx.OperationCount() == 0 && tx.State() == transaction.StateInFlight {
		// Nothing staged; completes synchronously.
		err := tx.Commit()
		record(err)
		return nil, err
	}
	c, err := e.async(func() error {
		err := tx.Commit()
		record(err)
		if err == nil && tx.IsGlobal() {
			e.txns.Remove(tx.XID())
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RollbackTransaction reverts a transaction's accumulated operations.
func (e *Engine) RollbackTransaction(tx *transaction.Transaction) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := tx.Rollback(); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordRollback(tx.IsGlobal())
		if tx.IsGlobal() {
			e.metrics.TransactionClosed()
		}
	}
	if tx.IsGlobal() {
		e.txns.Remove(tx.XID())
	}
	return nil
}

// CompleteWithHeuristic resolves a prepared global transaction out of
// band. The branch is retained as evidence until forgotten.
func (e *Engine) CompleteWithHeuristic(tx *transaction.Transaction, commit bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := tx.CompleteWithHeuristic(commit); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordHeuristic(commit)
	}
	return nil
}

// ForgetTransaction releases a heuristically completed branch.
func (e *Engine) ForgetTransaction(tx *transaction.Transaction) error {
	if err := tx.Forget(); err != nil {
		return err
	}
	e.txns.Remove(tx.XID())
	if e.metrics != nil {
		e.metrics.TransactionClosed()
	}
	return nil
}

// XARecover pages through the XIDs of prepared and heuristically
// completed global transactions. Scan state is per session; concurrent
// scans on one session are rejected.
func (e *Engine) XARecover(sess *client.Session, flag transaction.ScanFlag, max int) ([]*transaction.XID, error) {
	return e.txns.Recover(sess, flag, max)
}

// GlobalTransaction looks up a live global transaction branch by XID.
func (e *Engine) GlobalTransaction(xid *transaction.XID) (*transaction.Transaction, error) {
	return e.txns.Get(xid)
}
