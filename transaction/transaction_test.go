// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/tranmq/storage"
	"github.com/absmach/tranmq/storage/memory"
)

// fakeOp records lifecycle calls.
type fakeOp struct {
	persistent     bool
	staged         int
	stagedPending  int
	stagedRollback int
	committed      int
	rolledBack     int
}

func (f *fakeOp) Persistent() bool { return f.persistent }

func (f *fakeOp) Stage(uow storage.UnitOfWork) error {
	f.staged++
	return uow.PutDelivery(&storage.DeliveryRecord{ID: "op", QueueName: "t", MessageID: "m"})
}

func (f *fakeOp) StagePrepare(uow storage.UnitOfWork, xid string) error {
	f.stagedPending++
	return uow.PutDelivery(&storage.DeliveryRecord{ID: "op", QueueName: "t", MessageID: "m", TxXID: xid})
}

func (f *fakeOp) StageRollback(uow storage.UnitOfWork) error {
	f.stagedRollback++
	return uow.DeleteDelivery("op")
}

func (f *fakeOp) Commit()   { f.committed++ }
func (f *fakeOp) Rollback() { f.rolledBack++ }

// scanCount tallies records during a store replay.
type scanCount struct {
	deliveries   int
	pending      int
	transactions int
}

var _ storage.RecoveryHandler = (*scanCount)(nil)

func (s *scanCount) OnClient(*storage.ClientRecord) error             { return nil }
func (s *scanCount) OnSubscription(*storage.SubscriptionRecord) error { return nil }
func (s *scanCount) OnMessage(*storage.MessageRecord) error           { return nil }

func (s *scanCount) OnDelivery(rec *storage.DeliveryRecord) error {
	s.deliveries++
	if rec.TxXID != "" {
		s.pending++
	}
	return nil
}

func (s *scanCount) OnTransaction(*storage.TransactionRecord) error {
	s.transactions++
	return nil
}

func TestLocal_CommitApplies(t *testing.T) {
	tx := NewLocal(nil)
	op1 := &fakeOp{}
	op2 := &fakeOp{}

	require.NoError(t, tx.Add(op1))
	require.NoError(t, tx.Add(op2))
	assert.Equal(t, 2, tx.OperationCount())

	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, op1.committed)
	assert.Equal(t, 1, op2.committed)
	assert.Zero(t, op1.rolledBack)
}

func TestLocal_RollbackReverses(t *testing.T) {
	tx := NewLocal(nil)
	op := &fakeOp{}
	require.NoError(t, tx.Add(op))

	require.NoError(t, tx.Rollback())
	assert.Equal(t, 1, op.rolledBack)
	assert.Zero(t, op.committed)
}

func TestLocal_Chained(t *testing.T) {
	tx := NewLocal(nil)

	first := &fakeOp{}
	require.NoError(t, tx.Add(first))
	require.NoError(t, tx.Commit())

	// The same handle is immediately ready for the next batch, with no
	// residue from the first.
	assert.Equal(t, StateInFlight, tx.State())
	assert.Zero(t, tx.OperationCount())

	second := &fakeOp{}
	require.NoError(t, tx.Add(second))
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 1, first.committed)
	assert.Zero(t, first.rolledBack)
	assert.Equal(t, 1, second.rolledBack)
	assert.Zero(t, second.committed)
}

func TestLocal_PersistentOpsStaged(t *testing.T) {
	store := memory.New()
	tx := NewLocal(store)

	op := &fakeOp{persistent: true}
	require.NoError(t, tx.Add(op))
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, op.staged)
	assert.Equal(t, 1, op.committed)
}

func TestGlobal_TwoPhaseCommit(t *testing.T) {
	store := memory.New()
	sess := "session-1"
	tx := NewGlobal(store, GenerateXID(1), sess)

	op := &fakeOp{persistent: true}
	require.NoError(t, tx.Add(op))

	// Phase one stages the pending form only; the final records are
	// written at commit.
	require.NoError(t, tx.Prepare())
	assert.Equal(t, StatePrepared, tx.State())
	assert.Equal(t, 1, op.stagedPending)
	assert.Zero(t, op.staged)

	scan := &scanCount{}
	require.NoError(t, store.Recover(scan))
	assert.Equal(t, 1, scan.pending)
	assert.Equal(t, 1, scan.transactions)

	// No new work after prepare.
	assert.ErrorIs(t, tx.Add(&fakeOp{}), ErrInvalidState)

	require.NoError(t, tx.Commit())
	assert.Equal(t, StateCompleted, tx.State())
	assert.Equal(t, 1, op.staged)
	assert.Equal(t, 1, op.committed)

	scan = &scanCount{}
	require.NoError(t, store.Recover(scan))
	assert.Zero(t, scan.pending)
	assert.Zero(t, scan.transactions)
	assert.Equal(t, 1, scan.deliveries)
}

func TestGlobal_PreparedRollbackRevertsDurableState(t *testing.T) {
	store := memory.New()
	tx := NewGlobal(store, GenerateXID(1), "s")

	op := &fakeOp{persistent: true}
	require.NoError(t, tx.Add(op))
	require.NoError(t, tx.Prepare())

	require.NoError(t, tx.Rollback())
	assert.Equal(t, StateCompleted, tx.State())
	assert.Equal(t, 1, op.stagedRollback)
	assert.Equal(t, 1, op.rolledBack)
	assert.Zero(t, op.staged)

	// Nothing of the branch survives: no pending records, no in-doubt
	// record, no final records.
	scan := &scanCount{}
	require.NoError(t, store.Recover(scan))
	assert.Zero(t, scan.deliveries)
	assert.Zero(t, scan.transactions)
}

func TestGlobal_PreparedEndFailRollbackRevertsDurableState(t *testing.T) {
	store := memory.New()
	sess := "s"
	tx := NewGlobal(store, GenerateXID(1), sess)

	op := &fakeOp{persistent: true}
	require.NoError(t, tx.Add(op))
	require.NoError(t, tx.Prepare())

	// Marking a prepared branch rollback-only must not orphan its
	// pending records.
	require.NoError(t, tx.End(sess, EndFail))
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 1, op.stagedRollback)

	scan := &scanCount{}
	require.NoError(t, store.Recover(scan))
	assert.Zero(t, scan.deliveries)
	assert.Zero(t, scan.transactions)
}

func TestGlobal_EndFailForcesRollbackOnly(t *testing.T) {
	sess := "session-1"
	tx := NewGlobal(nil, GenerateXID(1), sess)
	op := &fakeOp{}
	require.NoError(t, tx.Add(op))

	require.NoError(t, tx.End(sess, EndFail))
	assert.Equal(t, StateRollbackOnly, tx.State())

	assert.ErrorIs(t, tx.Commit(), ErrRollbackOnly)
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 1, op.rolledBack)
}

func TestGlobal_SuspendResume(t *testing.T) {
	sessA := "session-a"
	sessB := "session-b"
	tx := NewGlobal(nil, GenerateXID(1), sessA)

	require.NoError(t, tx.End(sessA, EndSuspend))
	assert.False(t, tx.Associated(sessA))

	// Another session resumes the suspended branch.
	require.NoError(t, tx.Associate(sessB, true))
	assert.True(t, tx.Associated(sessB))

	// A third association without suspension is rejected.
	assert.ErrorIs(t, tx.Associate("session-c", true), ErrAlreadyAssociated)
}

func TestGlobal_AssociationExclusive(t *testing.T) {
	tx := NewGlobal(nil, GenerateXID(1), "a")
	assert.ErrorIs(t, tx.Associate("b", false), ErrAlreadyAssociated)
	assert.ErrorIs(t, tx.End("b", EndSuccess), ErrNotAssociated)
}

func TestGlobal_HeuristicCompletionThenForget(t *testing.T) {
	store := memory.New()
	tx := NewGlobal(store, GenerateXID(1), "s")
	op := &fakeOp{persistent: true}
	require.NoError(t, tx.Add(op))
	require.NoError(t, tx.Prepare())

	require.NoError(t, tx.CompleteWithHeuristic(true))
	assert.Equal(t, StateHeuristicCommit, tx.State())
	assert.Equal(t, 1, op.committed)
	assert.Equal(t, 1, op.staged)

	// Normal completion verbs now report the heuristic outcome.
	assert.ErrorIs(t, tx.Commit(), ErrHeuristicallyCompleted)
	assert.ErrorIs(t, tx.Rollback(), ErrHeuristicallyCompleted)

	require.NoError(t, tx.Forget())
	assert.Equal(t, StateCompleted, tx.State())
}

func TestGlobal_ForgetRequiresHeuristic(t *testing.T) {
	tx := NewGlobal(nil, GenerateXID(1), "s")
	assert.ErrorIs(t, tx.Forget(), ErrNotHeuristic)
}

func TestLocal_GlobalVerbsRejected(t *testing.T) {
	tx := NewLocal(nil)
	assert.ErrorIs(t, tx.Prepare(), ErrNotGlobal)
	assert.ErrorIs(t, tx.End("s", EndSuccess), ErrNotGlobal)
	assert.ErrorIs(t, tx.Forget(), ErrNotGlobal)
}
