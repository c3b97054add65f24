// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transaction implements the unit-of-work object binding enqueue
// and dequeue operations into atomic batches. Local transactions are
// chained: the handle is immediately reusable after commit or rollback.
// Global transactions carry an XID and follow the XA two-phase protocol,
// including heuristic completion and recovery scans.
package transaction

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/tranmq/storage"
)

// Common errors.
var (
	ErrInvalidState      = errors.New("operation not valid in current transaction state")
	ErrRollbackOnly      = errors.New("transaction is marked rollback-only")
	ErrCommitOnly        = errors.New("transaction is marked commit-only")
	ErrNotGlobal         = errors.New("operation requires a global transaction")
	ErrAlreadyAssociated = errors.New("transaction is already associated with a session")
	ErrNotAssociated     = errors.New("transaction is not associated with this session")
	ErrNotHeuristic      = errors.New("transaction has not been heuristically completed")
	ErrIndeterminate     = errors.New("transaction outcome indeterminate")

	// ErrHeuristicallyCompleted is informational: the transaction was
	// already resolved out of band and must be forgotten.
	ErrHeuristicallyCompleted = errors.New("transaction was heuristically completed")
)

// State is the transaction lifecycle state.
type State int

const (
	StateInFlight State = iota
	StatePrepared
	StateCommitOnly
	StateRollbackOnly
	StateHeuristicCommit
	StateHeuristicRollback
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInFlight:
		return "in-flight"
	case StatePrepared:
		return "prepared"
	case StateCommitOnly:
		return "commit-only"
	case StateRollbackOnly:
		return "rollback-only"
	case StateHeuristicCommit:
		return "heuristic-commit"
	case StateHeuristicRollback:
		return "heuristic-rollback"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// EndOption controls how a session ends its association with a global
// transaction.
type EndOption int

const (
	// EndSuccess dissociates the transaction normally.
	EndSuccess EndOption = iota
	// EndFail dissociates and marks the transaction rollback-only
	// (XA TMFAIL).
	EndFail
	// EndSuspend dissociates but keeps the transaction resumable by a
	// later session association (XA TMSUSPEND).
	EndSuspend
)

// Operation is one pending enqueue or dequeue effect accumulated in a
// transaction. The Stage methods write durable forms into a unit of
// work; Commit and Rollback apply or revert the in-memory effect.
type Operation interface {
	// Persistent reports whether the operation has durable effects.
	Persistent() bool

	// Stage writes the operation's final durable records into the unit
	// of work. Called at commit; for a prepared branch it replaces the
	// pending records written by StagePrepare.
	Stage(uow storage.UnitOfWork) error

	// StagePrepare writes the operation's durable records in pending
	// form, linked to the prepared branch by xid. Recovery keeps pending
	// records inert until the branch resolves.
	StagePrepare(uow storage.UnitOfWork, xid string) error

	// StageRollback reverts the pending records written by StagePrepare.
	StageRollback(uow storage.UnitOfWork) error

	// Commit applies the in-memory effect (make enqueued records visible,
	// discard dequeued records).
	Commit()

	// Rollback reverts the in-memory reservation (drop pending enqueues,
	// return dequeued records to their queues).
	Rollback()
}

// Transaction accumulates operations across possibly many queues and
// finalizes them atomically. A nil xid marks a local transaction.
type Transaction struct {
	mu sync.Mutex

	xid   *XID
	state State
	ops   []Operation
	store storage.Store

	// prepared is set once phase one durably staged the operations in
	// pending form. It survives a later rollback-only marking, so the
	// pending records are reverted no matter how the branch resolves.
	prepared bool

	// Session association (global transactions only). The token is the
	// owning session, held opaquely to keep this package free of session
	// types.
	assoc     any
	suspended bool

	createdAt     time.Time
	stateChangedAt time.Time
}

// NewLocal creates a local, chained transaction. The store may be nil for
// fully non-persistent workloads.
func NewLocal(store storage.Store) *Transaction {
	now := time.Now()
	return &Transaction{store: store, createdAt: now, stateChangedAt: now}
}

// NewGlobal creates a global transaction branch for the given XID,
// associated with the session token.
func NewGlobal(store storage.Store, xid *XID, session any) *Transaction {
	now := time.Now()
	return &Transaction{store: store, xid: xid, assoc: session, createdAt: now, stateChangedAt: now}
}

// XID returns the global identifier, or nil for local transactions.
func (t *Transaction) XID() *XID {
	return t.xid
}

// IsGlobal reports whether this is an XA transaction branch.
func (t *Transaction) IsGlobal() bool {
	return t.xid != nil
}

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StateChangedAt returns the time of the last state transition.
func (t *Transaction) StateChangedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateChangedAt
}

// OperationCount returns the number of accumulated operations.
func (t *Transaction) OperationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

func (t *Transaction) setState(s State) {
	t.state = s
	t.stateChangedAt = time.Now()
}

// Add accumulates an operation. Only legal while in flight; a prepared or
// completing transaction accepts no further work.
func (t *Transaction) Add(op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateInFlight:
		t.ops = append(t.ops, op)
		return nil
	case StateRollbackOnly:
		return ErrRollbackOnly
	default:
		return fmt.Errorf("%w: add in state %s", ErrInvalidState, t.state)
	}
}

// Adopt re-attaches a recovered pending operation to an in-doubt branch.
// Unlike Add it is legal on a prepared transaction: recovery uses it to
// rebuild the operation set so phase two can finalize the pending
// durable records.
func (t *Transaction) Adopt(op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateInFlight, StatePrepared, StateRollbackOnly:
		t.ops = append(t.ops, op)
		return nil
	default:
		return fmt.Errorf("%w: adopt in state %s", ErrInvalidState, t.state)
	}
}

// Associate binds the transaction to a session token, resuming a
// suspended association if resume is set.
func (t *Transaction) Associate(session any, resume bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.xid == nil {
		return ErrNotGlobal
	}
	if t.assoc != nil && !t.suspended {
		return ErrAlreadyAssociated
	}
	if t.suspended && !resume {
		return ErrAlreadyAssociated
	}
	t.assoc = session
	t.suspended = false
	return nil
}

// End dissociates the session from a global transaction per the option.
func (t *Transaction) End(session any, opt EndOption) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.xid == nil {
		return ErrNotGlobal
	}
	if t.assoc != session {
		return ErrNotAssociated
	}

	switch opt {
	case EndSuccess:
		t.assoc = nil
		t.suspended = false
	case EndFail:
		t.assoc = nil
		t.suspended = false
		if t.state == StateInFlight || t.state == StatePrepared {
			t.setState(StateRollbackOnly)
		}
	case EndSuspend:
		t.suspended = true
	default:
		return fmt.Errorf("%w: unknown end option %d", ErrInvalidState, opt)
	}
	return nil
}

// Associated reports whether the session token currently owns the
// transaction.
func (t *Transaction) Associated(session any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assoc == session && !t.suspended
}

// Prepare performs XA phase one: the transaction's identity and state are
// made durable so the branch survives restart as in-doubt.
func (t *Transaction) Prepare() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.xid == nil {
		return ErrNotGlobal
	}
	switch t.state {
	case StateInFlight:
	case StateRollbackOnly:
		return ErrRollbackOnly
	default:
		return fmt.Errorf("%w: prepare in state %s", ErrInvalidState, t.state)
	}

	if t.store != nil {
		uow, err := t.store.Begin()
		if err != nil {
			return err
		}
		rec := &storage.TransactionRecord{
			XID:        t.xid.String(),
			State:      int(StatePrepared),
			PreparedAt: time.Now(),
		}
		if err := uow.PutTransaction(rec); err != nil {
			uow.Rollback()
			return err
		}
		// Pending form only: the final records are written at commit, so
		// neither a rollback nor a restart can surface the branch's
		// effects before the commit decision.
		if err := t.stagePrepareOps(uow); err != nil {
			uow.Rollback()
			return err
		}
		if err := uow.Commit(); err != nil {
			return fmt.Errorf("prepare failed: %w", err)
		}
		t.prepared = true
	}

	t.setState(StatePrepared)
	return nil
}

// stageOps writes persistent operations' final durable records. Caller
// holds the lock.
func (t *Transaction) stageOps(uow storage.UnitOfWork) error {
	for _, op := range t.ops {
		if !op.Persistent() {
			continue
		}
		if err := op.Stage(uow); err != nil {
			return err
		}
	}
	return nil
}

// stagePrepareOps writes persistent operations' pending durable records,
// linked to this branch's XID. Caller holds the lock.
func (t *Transaction) stagePrepareOps(uow storage.UnitOfWork) error {
	key := t.xid.String()
	for _, op := range t.ops {
		if !op.Persistent() {
			continue
		}
		if err := op.StagePrepare(uow, key); err != nil {
			return err
		}
	}
	return nil
}

// stageRollbackOps reverts persistent operations' pending durable
// records. Caller holds the lock.
func (t *Transaction) stageRollbackOps(uow storage.UnitOfWork) error {
	for _, op := range t.ops {
		if !op.Persistent() {
			continue
		}
		if err := op.StageRollback(uow); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) hasPersistentOps() bool {
	for _, op := range t.ops {
		if op.Persistent() {
			return true
		}
	}
	return false
}

// Commit finalizes the accumulated operations atomically. For persistent
// work the store unit of work is committed first; only a clean store
// failure reverts the transaction to its pre-commit state. An unclean
// failure parks the transaction and surfaces ErrIndeterminate.
//
// Local transactions are chained: after a successful commit the handle is
// immediately ready for the next batch.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateInFlight, StatePrepared, StateCommitOnly:
	case StateRollbackOnly:
		return ErrRollbackOnly
	case StateHeuristicCommit, StateHeuristicRollback:
		return ErrHeuristicallyCompleted
	default:
		return fmt.Errorf("%w: commit in state %s", ErrInvalidState, t.state)
	}

	if t.store != nil && (t.hasPersistentOps() || t.prepared) {
		uow, err := t.store.Begin()
		if err != nil {
			return err
		}
		// Final records. For a prepared branch this replaces the pending
		// forms staged in phase one and drops the in-doubt record, in
		// one unit of work.
		if err := t.stageOps(uow); err != nil {
			uow.Rollback()
			return err
		}
		if t.prepared {
			if err := uow.DeleteTransaction(t.xid.String()); err != nil {
				uow.Rollback()
				return err
			}
		}
		if err := uow.Commit(); err != nil {
			if storage.IsIndeterminate(err) {
				return fmt.Errorf("%w: %w", ErrIndeterminate, err)
			}
			return fmt.Errorf("transaction commit failed: %w", err)
		}
	}

	for _, op := range t.ops {
		op.Commit()
	}
	t.finish()
	return nil
}

// Rollback reverts the accumulated operations.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateInFlight, StatePrepared, StateRollbackOnly:
	case StateCommitOnly:
		return ErrCommitOnly
	case StateHeuristicCommit, StateHeuristicRollback:
		return ErrHeuristicallyCompleted
	default:
		return fmt.Errorf("%w: rollback in state %s", ErrInvalidState, t.state)
	}

	if t.store != nil && t.prepared {
		uow, err := t.store.Begin()
		if err != nil {
			return err
		}
		// Revert the pending records staged at prepare together with the
		// in-doubt record, so no trace of the branch survives restart.
		if err := t.stageRollbackOps(uow); err != nil {
			uow.Rollback()
			return err
		}
		if err := uow.DeleteTransaction(t.xid.String()); err != nil {
			uow.Rollback()
			return err
		}
		if err := uow.Commit(); err != nil {
			if storage.IsIndeterminate(err) {
				return fmt.Errorf("%w: %w", ErrIndeterminate, err)
			}
			return fmt.Errorf("transaction rollback failed: %w", err)
		}
	}

	for i := len(t.ops) - 1; i >= 0; i-- {
		t.ops[i].Rollback()
	}
	t.finish()
	return nil
}

// finish resets a local handle for chaining or marks a global branch
// completed. Caller holds the lock.
func (t *Transaction) finish() {
	t.ops = nil
	t.prepared = false
	if t.xid == nil {
		t.setState(StateInFlight)
		return
	}
	t.setState(StateCompleted)
}

// CompleteWithHeuristic resolves a prepared branch out of band with the
// given outcome. The transaction retains evidence of the decision until
// Forget is called.
func (t *Transaction) CompleteWithHeuristic(commit bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.xid == nil {
		return ErrNotGlobal
	}
	switch t.state {
	case StatePrepared, StateCommitOnly, StateRollbackOnly:
	case StateHeuristicCommit, StateHeuristicRollback:
		return ErrHeuristicallyCompleted
	default:
		return fmt.Errorf("%w: heuristic completion in state %s", ErrInvalidState, t.state)
	}

	outcome := StateHeuristicRollback
	if commit {
		outcome = StateHeuristicCommit
	}

	if t.store != nil {
		uow, err := t.store.Begin()
		if err != nil {
			return err
		}
		rec := &storage.TransactionRecord{
			XID:        t.xid.String(),
			State:      int(outcome),
			PreparedAt: time.Now(),
		}
		if err := uow.PutTransaction(rec); err != nil {
			uow.Rollback()
			return err
		}
		// The decision finalizes the pending records; only the evidence
		// record remains until Forget.
		if commit {
			if err := t.stageOps(uow); err != nil {
				uow.Rollback()
				return err
			}
		} else if t.prepared {
			if err := t.stageRollbackOps(uow); err != nil {
				uow.Rollback()
				return err
			}
		}
		if err := uow.Commit(); err != nil {
			return fmt.Errorf("heuristic completion failed: %w", err)
		}
		t.prepared = false
	}

	if commit {
		for _, op := range t.ops {
			op.Commit()
		}
	} else {
		for i := len(t.ops) - 1; i >= 0; i-- {
			t.ops[i].Rollback()
		}
	}
	t.ops = nil
	t.setState(outcome)
	return nil
}

// Forget releases a heuristically completed branch, deleting the retained
// evidence record.
func (t *Transaction) Forget() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.xid == nil {
		return ErrNotGlobal
	}
	if t.state != StateHeuristicCommit && t.state != StateHeuristicRollback {
		return ErrNotHeuristic
	}

	if t.store != nil {
		uow, err := t.store.Begin()
		if err != nil {
			return err
		}
		if err := uow.DeleteTransaction(t.xid.String()); err != nil {
			uow.Rollback()
			return err
		}
		if err := uow.Commit(); err != nil {
			return fmt.Errorf("forget failed: %w", err)
		}
	}

	t.setState(StateCompleted)
	return nil
}

// restore rebuilds a recovered in-doubt or heuristic branch. A branch
// recovered as prepared still owns pending durable records.
func restore(store storage.Store, xid *XID, state State) *Transaction {
	t := NewGlobal(store, xid, nil)
	t.state = state
	t.prepared = state == StatePrepared
	return t
}
