// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/tranmq/client"
	"github.com/absmach/tranmq/engine"
	"github.com/absmach/tranmq/message"
	"github.com/absmach/tranmq/queue"
	"github.com/absmach/tranmq/storage"
	"github.com/absmach/tranmq/storage/memory"
	"github.com/absmach/tranmq/transaction"
)

func newEngine(t *testing.T, opts engine.Options) *engine.Engine {
	t.Helper()
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	e, err := engine.New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	e.StartMessaging()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func newSession(t *testing.T, e *engine.Engine, clientID string) *client.Session {
	t.Helper()
	state, err := e.CreateClientState(clientID, client.Options{})
	require.NoError(t, err)
	sess, err := e.CreateSession(state)
	require.NoError(t, err)
	require.NoError(t, sess.StartDelivery())
	return sess
}

func TestPutWithoutSubscribersReportsStatus(t *testing.T) {
	e := newEngine(t, engine.Options{})
	sess := newSession(t, e, "pub")

	status, err := e.PutDestination(sess, "nobody/home", []byte("x"), engine.PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusNoMatchingDestinations, status)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "orders-sub", "orders/+", engine.SubscriptionOptions{})
	require.NoError(t, err)

	got := make(chan *queue.Delivery, 1)
	_, err = e.CreateConsumer(sub, "orders-sub", func(d *queue.Delivery) bool {
		got <- d
		return true
	}, queue.ConsumerOptions{})
	require.NoError(t, err)

	status, err := e.PutDestination(pub, "orders/new", []byte("hello"), engine.PutOptions{
		Reliability: message.AtLeastOnce,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusOK, status)

	select {
	case d := <-got:
		assert.Equal(t, "orders/new", d.Record.Message().Destination)
		assert.Equal(t, []byte("hello"), d.Record.Message().Payload())
		require.NoError(t, e.Confirm(d.Record, queue.ConfirmConsumed, nil))
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestProducerHandlePublish(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "evt-sub", "events/#", engine.SubscriptionOptions{})
	require.NoError(t, err)

	got := make(chan *queue.Delivery, 1)
	_, err = e.CreateConsumer(sub, "evt-sub", func(d *queue.Delivery) bool {
		got <- d
		return true
	}, queue.ConsumerOptions{})
	require.NoError(t, err)

	_, err = e.CreateProducer(pub, "events/+")
	assert.Error(t, err, "wildcards are not publishable destinations")

	p, err := e.CreateProducer(pub, "events/login")
	require.NoError(t, err)

	status, err := e.Put(pub, p, []byte("ok"), engine.PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusOK, status)

	select {
	case d := <-got:
		assert.Equal(t, "events/login", d.Record.Message().Destination)
		require.NoError(t, e.Confirm(d.Record, queue.ConfirmConsumed, nil))
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	require.NoError(t, e.DestroyProducer(pub, p))
	assert.Error(t, e.DestroyProducer(pub, p))
}

func TestSubscriptionSelectorFiltersByProperties(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "urgent-sub", "alerts/#", engine.SubscriptionOptions{
		Selector: func(m *message.Message) bool {
			return m.Properties["severity"] == "critical"
		},
	})
	require.NoError(t, err)

	got := make(chan *queue.Delivery, 2)
	_, err = e.CreateConsumer(sub, "urgent-sub", func(d *queue.Delivery) bool {
		got <- d
		return true
	}, queue.ConsumerOptions{})
	require.NoError(t, err)

	status, err := e.PutDestination(pub, "alerts/disk", []byte("low"), engine.PutOptions{
		Properties: map[string]string{"severity": "info"},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusNoMatchingDestinations, status, "selector rejection leaves no matching destination")

	status, err = e.PutDestination(pub, "alerts/disk", []byte("gone"), engine.PutOptions{
		Properties: map[string]string{"severity": "critical"},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusOK, status)

	select {
	case d := <-got:
		assert.Equal(t, []byte("gone"), d.Record.Message().Payload())
		require.NoError(t, e.Confirm(d.Record, queue.ConfirmConsumed, nil))
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	select {
	case d := <-got:
		t.Fatalf("filtered message delivered: %q", d.Record.Message().Payload())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRetainedDeliveredToLateSubscriber(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.PutDestination(pub, "status/dev1", []byte("online"), engine.PutOptions{
		Retained: true,
	})
	require.NoError(t, err)

	_, err = e.CreateSubscription(sub.State(), "late-sub", "status/#", engine.SubscriptionOptions{})
	require.NoError(t, err)

	got := make(chan *queue.Delivery, 1)
	_, err = e.CreateConsumer(sub, "late-sub", func(d *queue.Delivery) bool {
		got <- d
		return true
	}, queue.ConsumerOptions{})
	require.NoError(t, err)

	select {
	case d := <-got:
		assert.True(t, d.Record.Message().Retained)
		assert.Equal(t, []byte("online"), d.Record.Message().Payload())
	case <-time.After(2 * time.Second):
		t.Fatal("retained message not delivered")
	}

	// Empty payload clears the retained slot.
	_, err = e.PutDestination(pub, "status/dev1", nil, engine.PutOptions{Retained: true})
	require.NoError(t, err)
	assert.Nil(t, e.Retained("status/dev1"))
}

func TestSomeDestinationsFull(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "tight", "metrics/#", engine.SubscriptionOptions{
		MaxMessages: 1,
		FullPolicy:  queue.PolicyReject,
	})
	require.NoError(t, err)
	_, err = e.CreateSubscription(sub.State(), "roomy", "metrics/#", engine.SubscriptionOptions{})
	require.NoError(t, err)

	status, err := e.PutDestination(pub, "metrics/cpu", []byte("1"), engine.PutOptions{
		Reliability: message.AtLeastOnce,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusOK, status)

	status, err = e.PutDestination(pub, "metrics/cpu", []byte("2"), engine.PutOptions{
		Reliability: message.AtLeastOnce,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSomeDestinationsFull, status)
}

func TestMessagingGate(t *testing.T) {
	e, err := engine.New(engine.Options{Store: memory.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	require.NoError(t, e.Start())

	state, err := e.CreateClientState("early", client.Options{})
	require.NoError(t, err)
	sess, err := e.CreateSession(state)
	require.NoError(t, err)

	_, err = e.PutDestination(sess, "t", []byte("x"), engine.PutOptions{})
	assert.ErrorIs(t, err, engine.ErrMessagingNotStarted)

	e.StartMessaging()
	_, err = e.PutDestination(sess, "t", []byte("x"), engine.PutOptions{})
	assert.NoError(t, err)
}

func TestRateLimitedPut(t *testing.T) {
	e := newEngine(t, engine.Options{PublishRate: 1, PublishBurst: 1})
	sess := newSession(t, e, "chatty")

	_, err := e.PutDestination(sess, "t", []byte("1"), engine.PutOptions{})
	require.NoError(t, err)
	_, err = e.PutDestination(sess, "t", []byte("2"), engine.PutOptions{})
	assert.ErrorIs(t, err, engine.ErrRateLimited)
}

type denyPublish struct{}

func (denyPublish) Authorize(_ string, action engine.Action, _ string) (engine.ResourceLimits, error) {
	if action == engine.ActionPublish {
		return engine.ResourceLimits{}, errors.New("publish denied")
	}
	return engine.ResourceLimits{}, nil
}

func TestAuthorizerDeniesPublish(t *testing.T) {
	e := newEngine(t, engine.Options{Authorizer: denyPublish{}})
	sess := newSession(t, e, "pub")

	_, err := e.PutDestination(sess, "t", []byte("x"), engine.PutOptions{})
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)
}

func TestTransactionalPutCommitAsync(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "s", "tx/#", engine.SubscriptionOptions{})
	require.NoError(t, err)

	got := make(chan *queue.Delivery, 1)
	_, err = e.CreateConsumer(sub, "s", func(d *queue.Delivery) bool {
		got <- d
		return true
	}, queue.ConsumerOptions{})
	require.NoError(t, err)

	tx, err := e.CreateLocalTransaction(pub)
	require.NoError(t, err)

	_, err = e.PutDestination(pub, "tx/a", []byte("staged"), engine.PutOptions{Transaction: tx})
	require.NoError(t, err)

	// Invisible until commit.
	select {
	case <-got:
		t.Fatal("delivery before commit")
	case <-time.After(100 * time.Millisecond):
	}

	completion, err := e.CommitTransaction(tx)
	require.NoError(t, err)
	require.NotNil(t, completion)

	done := make(chan error, 1)
	completion.OnComplete(func(err error) { done <- err })
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}

	select {
	case d := <-got:
		assert.Equal(t, []byte("staged"), d.Record.Message().Payload())
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery after commit")
	}

	// The local handle is chained: reusable immediately.
	assert.Equal(t, transaction.StateInFlight, tx.State())
}

func TestEmptyCommitIsSynchronous(t *testing.T) {
	e := newEngine(t, engine.Options{})
	sess := newSession(t, e, "c")

	tx, err := e.CreateLocalTransaction(sess)
	require.NoError(t, err)

	completion, err := e.CommitTransaction(tx)
	require.NoError(t, err)
	assert.Nil(t, completion)
}

func TestGlobalTransactionLifecycle(t *testing.T) {
	e := newEngine(t, engine.Options{})
	sess := newSession(t, e, "xa")

	xid := transaction.GenerateXID(1)

	tx, err := e.CreateGlobalTransaction(sess, xid, false)
	require.NoError(t, err)

	require.NoError(t, e.EndTransaction(sess, tx, transaction.EndSuccess))

	completion, err := e.PrepareTransaction(tx)
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))
	assert.Equal(t, transaction.StatePrepared, tx.State())

	xids, err := e.XARecover(sess, transaction.ScanStart, 10)
	require.NoError(t, err)
	require.Len(t, xids, 1)
	assert.Equal(t, xid.String(), xids[0].String())

	completion, err = e.CommitTransaction(tx)
	require.NoError(t, err)
	if completion != nil {
		require.NoError(t, completion.Wait(context.Background()))
	}
	assert.Equal(t, transaction.StateCompleted, tx.State())

	_, err = e.GlobalTransaction(xid)
	assert.Error(t, err)
}

func TestGetMessageWithTimeout(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "inbox", "inbox/#", engine.SubscriptionOptions{})
	require.NoError(t, err)

	// Empty queue times out.
	_, err = e.GetMessageWithTimeout(sub, "inbox", 100*time.Millisecond)
	assert.ErrorIs(t, err, engine.ErrNoMessage)

	_, err = e.PutDestination(pub, "inbox/a", []byte("mail"), engine.PutOptions{
		Reliability: message.AtLeastOnce,
	})
	require.NoError(t, err)

	msg, err := e.GetMessageWithTimeout(sub, "inbox", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("mail"), msg.Payload())
	msg.Release()

	q, err := e.Subscription("inbox")
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Buffered())
	assert.Equal(t, 0, q.ConsumerCount())
}

func TestDestroySubscriptionConflicts(t *testing.T) {
	e := newEngine(t, engine.Options{})
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "s", "a/#", engine.SubscriptionOptions{})
	require.NoError(t, err)

	c, err := e.CreateConsumer(sub, "s", func(*queue.Delivery) bool { return true }, queue.ConsumerOptions{})
	require.NoError(t, err)

	err = e.DestroySubscription("s", false)
	assert.ErrorIs(t, err, engine.ErrSubscriptionInUse)

	require.NoError(t, e.DestroyConsumer(sub, c))
	require.NoError(t, e.DestroySubscription("s", false))

	_, err = e.Subscription("s")
	assert.ErrorIs(t, err, engine.ErrUnknownSubscription)
}

func TestStealThroughEngine(t *testing.T) {
	e := newEngine(t, engine.Options{})

	stolen := make(chan client.StealReason, 1)
	first, err := e.CreateClientState("dev", client.Options{OnSteal: func(r client.StealReason) {
		stolen <- r
	}})
	require.NoError(t, err)

	_, err = e.CreateClientState("dev", client.Options{Steal: true})
	require.NoError(t, err)

	select {
	case r := <-stolen:
		assert.Equal(t, client.StealReasonTakeover, r)
	default:
		t.Fatal("steal callback did not run before create returned")
	}
	assert.True(t, first.Stolen())
}

func TestRecoveryRestoresDurableState(t *testing.T) {
	store := memory.New()

	e1, err := engine.New(engine.Options{Store: store})
	require.NoError(t, err)
	require.NoError(t, e1.Start())
	e1.StartMessaging()

	state, err := e1.CreateClientState("dur", client.Options{Durable: true})
	require.NoError(t, err)
	sess, err := e1.CreateSession(state)
	require.NoError(t, err)

	_, err = e1.CreateSubscription(state, "dursub", "alerts/#", engine.SubscriptionOptions{
		Durable: true,
	})
	require.NoError(t, err)

	_, err = e1.PutDestination(sess, "alerts/fire", []byte("hot"), engine.PutOptions{
		Reliability: message.AtLeastOnce,
		Persistent:  true,
	})
	require.NoError(t, err)

	// Simulate restart: fresh engine on the same store. Shutdown would
	// close the store, so the first engine is abandoned.
	e2, err := engine.New(engine.Options{Store: store})
	require.NoError(t, err)
	require.NoError(t, e2.Start())
	e2.StartMessaging()

	q, err := e2.Subscription("dursub")
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Buffered())

	restored, err := e2.ClientState("dur")
	require.NoError(t, err)
	assert.True(t, restored.Durable())

	sess2, err := e2.CreateSession(restored)
	require.NoError(t, err)
	require.NoError(t, sess2.StartDelivery())

	msg, err := e2.GetMessageWithTimeout(sess2, "dursub", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hot"), msg.Payload())
	msg.Release()
}

func TestQueueSnapshotsFilterAndSort(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "app-a", "a/#", engine.SubscriptionOptions{})
	require.NoError(t, err)
	_, err = e.CreateSubscription(sub.State(), "app-b", "b/#", engine.SubscriptionOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = e.PutDestination(pub, "b/x", []byte("m"), engine.PutOptions{Reliability: message.AtLeastOnce})
		require.NoError(t, err)
	}

	all := e.QueueSnapshots(engine.QueueFilter{}, engine.SortByBuffered, 0)
	require.Len(t, all, 2)
	assert.Equal(t, "app-b", all[0].Name)
	assert.Equal(t, int64(3), all[0].Stats.Buffered)

	deep := e.QueueSnapshots(engine.QueueFilter{MinBuffered: 1}, engine.SortByName, 0)
	require.Len(t, deep, 1)
	assert.Equal(t, "app-b", deep[0].Name)

	limited := e.QueueSnapshots(engine.QueueFilter{}, engine.SortByName, 1)
	require.Len(t, limited, 1)
	assert.Equal(t, "app-a", limited[0].Name)
}

func TestTransactionSnapshotsOldestFirst(t *testing.T) {
	e := newEngine(t, engine.Options{})
	sess := newSession(t, e, "xa")

	for i := 0; i < 2; i++ {
		xid := transaction.GenerateXID(1)
		tx, err := e.CreateGlobalTransaction(sess, xid, false)
		require.NoError(t, err)
		require.NoError(t, e.EndTransaction(sess, tx, transaction.EndSuccess))
		completion, err := e.PrepareTransaction(tx)
		require.NoError(t, err)
		require.NoError(t, completion.Wait(context.Background()))
		time.Sleep(10 * time.Millisecond)
	}

	snaps := e.TransactionSnapshots(0)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].StateChangedAt.Before(snaps[1].StateChangedAt) ||
		snaps[0].StateChangedAt.Equal(snaps[1].StateChangedAt))
}

func TestExpireMessagesSweep(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "exp", "e/#", engine.SubscriptionOptions{})
	require.NoError(t, err)

	_, err = e.PutDestination(pub, "e/1", []byte("short"), engine.PutOptions{
		Reliability: message.AtLeastOnce,
		Expiry:      time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	n := e.ExpireMessages(time.Now())
	assert.Equal(t, 1, n)

	q, err := e.Subscription("exp")
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Buffered())
}

// storeScan tallies durable records during a store replay.
type storeScan struct {
	messages     int
	deliveries   int
	pending      int
	transactions int
}

var _ storage.RecoveryHandler = (*storeScan)(nil)

func (s *storeScan) OnClient(*storage.ClientRecord) error             { return nil }
func (s *storeScan) OnSubscription(*storage.SubscriptionRecord) error { return nil }

func (s *storeScan) OnMessage(*storage.MessageRecord) error {
	s.messages++
	return nil
}

func (s *storeScan) OnDelivery(rec *storage.DeliveryRecord) error {
	s.deliveries++
	if rec.TxXID != "" {
		s.pending++
	}
	return nil
}

func (s *storeScan) OnTransaction(*storage.TransactionRecord) error {
	s.transactions++
	return nil
}

// prepareDurablePut drives a persistent publish through a global
// transaction up to the end of phase one and returns the in-doubt XID
// and the engine that prepared it.
func prepareDurablePut(t *testing.T, store *memory.Store) (*transaction.XID, *engine.Engine) {
	t.Helper()

	e, err := engine.New(engine.Options{Store: store})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	e.StartMessaging()

	state, err := e.CreateClientState("dur", client.Options{Durable: true})
	require.NoError(t, err)
	sess, err := e.CreateSession(state)
	require.NoError(t, err)

	_, err = e.CreateSubscription(state, "dursub", "orders/#", engine.SubscriptionOptions{
		Durable: true,
	})
	require.NoError(t, err)

	xid := transaction.GenerateXID(1)
	tx, err := e.CreateGlobalTransaction(sess, xid, false)
	require.NoError(t, err)

	_, err = e.PutDestination(sess, "orders/new", []byte("order-1"), engine.PutOptions{
		Reliability: message.AtLeastOnce,
		Persistent:  true,
		Transaction: tx,
	})
	require.NoError(t, err)

	require.NoError(t, e.EndTransaction(sess, tx, transaction.EndSuccess))
	completion, err := e.PrepareTransaction(tx)
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	return xid, e
}

func TestPreparedRollbackLeavesNoDurableTrace(t *testing.T) {
	store := memory.New()
	xid, e := prepareDurablePut(t, store)

	tx, err := e.GlobalTransaction(xid)
	require.NoError(t, err)
	require.NoError(t, e.RollbackTransaction(tx))

	// The pending enqueue, its message body, and the in-doubt record
	// are all gone.
	scan := &storeScan{}
	require.NoError(t, store.Recover(scan))
	assert.Zero(t, scan.deliveries)
	assert.Zero(t, scan.messages)
	assert.Zero(t, scan.transactions)

	// A restart after the rollback must not resurrect the message.
	e2, err := engine.New(engine.Options{Store: store})
	require.NoError(t, err)
	require.NoError(t, e2.Start())
	e2.StartMessaging()

	q, err := e2.Subscription("dursub")
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Buffered())
}

func TestPreparedBranchInDoubtAcrossRestart(t *testing.T) {
	store := memory.New()
	xid, _ := prepareDurablePut(t, store)

	// Simulate restart: fresh engine on the same store. Shutdown would
	// close the store, so the first engine is abandoned.
	e2, err := engine.New(engine.Options{Store: store})
	require.NoError(t, err)
	require.NoError(t, e2.Start())
	e2.StartMessaging()

	// The branch is in doubt, its effects invisible.
	q, err := e2.Subscription("dursub")
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Buffered())

	state, err := e2.ClientState("dur")
	require.NoError(t, err)
	sess, err := e2.CreateSession(state)
	require.NoError(t, err)
	require.NoError(t, sess.StartDelivery())

	xids, err := e2.XARecover(sess, transaction.ScanStart, 10)
	require.NoError(t, err)
	require.Len(t, xids, 1)
	assert.Equal(t, xid.String(), xids[0].String())

	// Resolving the branch makes the enqueue visible and deliverable.
	tx, err := e2.GlobalTransaction(xid)
	require.NoError(t, err)
	completion, err := e2.CommitTransaction(tx)
	require.NoError(t, err)
	if completion != nil {
		require.NoError(t, completion.Wait(context.Background()))
	}

	msg, err := e2.GetMessageWithTimeout(sess, "dursub", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("order-1"), msg.Payload())
	msg.Release()

	scan := &storeScan{}
	require.NoError(t, store.Recover(scan))
	assert.Zero(t, scan.pending)
	assert.Zero(t, scan.transactions)
}

func TestPreparedRollbackAfterRestartRevertsDurableState(t *testing.T) {
	store := memory.New()
	xid, _ := prepareDurablePut(t, store)

	e2, err := engine.New(engine.Options{Store: store})
	require.NoError(t, err)
	require.NoError(t, e2.Start())
	e2.StartMessaging()

	tx, err := e2.GlobalTransaction(xid)
	require.NoError(t, err)
	require.NoError(t, e2.RollbackTransaction(tx))

	scan := &storeScan{}
	require.NoError(t, store.Recover(scan))
	assert.Zero(t, scan.deliveries)
	assert.Zero(t, scan.messages)
	assert.Zero(t, scan.transactions)

	q, err := e2.Subscription("dursub")
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Buffered())
}

func TestGetMessageTimeoutRaceLosesNothing(t *testing.T) {
	e := newEngine(t, engine.Options{})
	pub := newSession(t, e, "pub")
	sub := newSession(t, e, "sub")

	_, err := e.CreateSubscription(sub.State(), "race", "race/#", engine.SubscriptionOptions{})
	require.NoError(t, err)

	const total = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			_, err := e.PutDestination(pub, "race/m", []byte("m"), engine.PutOptions{
				Reliability: message.AtLeastOnce,
			})
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// Hammer the timeout path while deliveries race in. Every call must
	// either hand over a message or report an empty queue; a delivery
	// claimed just before the timeout is never lost or double-reported.
	received := 0
	publishing := true
	deadline := time.Now().Add(10 * time.Second)
	for publishing || received < total {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d messages surfaced", received, total)
		}
		select {
		case <-done:
			publishing = false
		default:
		}
		msg, err := e.GetMessageWithTimeout(sub, "race", time.Millisecond)
		if err != nil {
			require.ErrorIs(t, err, engine.ErrNoMessage)
			continue
		}
		received++
		msg.Release()
	}
	assert.Equal(t, total, received)

	q, err := e.Subscription("race")
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Buffered())
}
