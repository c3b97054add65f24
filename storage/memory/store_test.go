// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/tranmq/storage"
)

type collectingHandler struct {
	clients       []*storage.ClientRecord
	subscriptions []*storage.SubscriptionRecord
	messages      []*storage.MessageRecord
	deliveries    []*storage.DeliveryRecord
	transactions  []*storage.TransactionRecord
}

func (c *collectingHandler) OnClient(rec *storage.ClientRecord) error {
	c.clients = append(c.clients, rec)
	return nil
}

func (c *collectingHandler) OnSubscription(rec *storage.SubscriptionRecord) error {
	c.subscriptions = append(c.subscriptions, rec)
	return nil
}

func (c *collectingHandler) OnMessage(rec *storage.MessageRecord) error {
	c.messages = append(c.messages, rec)
	return nil
}

func (c *collectingHandler) OnDelivery(rec *storage.DeliveryRecord) error {
	c.deliveries = append(c.deliveries, rec)
	return nil
}

func (c *collectingHandler) OnTransaction(rec *storage.TransactionRecord) error {
	c.transactions = append(c.transactions, rec)
	return nil
}

func TestUnitOfWork_CommitAtomic(t *testing.T) {
	s := New()
	defer s.Close()

	uow, err := s.Begin()
	require.NoError(t, err)

	require.NoError(t, uow.PutMessage(&storage.MessageRecord{ID: "m1", Destination: "t"}))
	require.NoError(t, uow.PutDelivery(&storage.DeliveryRecord{ID: "d1", MessageID: "m1", QueueName: "q"}))

	// Nothing visible before commit.
	h := &collectingHandler{}
	require.NoError(t, s.Recover(h))
	assert.Empty(t, h.messages)
	assert.Empty(t, h.deliveries)

	require.NoError(t, uow.Commit())

	h = &collectingHandler{}
	require.NoError(t, s.Recover(h))
	require.Len(t, h.messages, 1)
	require.Len(t, h.deliveries, 1)
	assert.Equal(t, "m1", h.messages[0].ID)
}

func TestUnitOfWork_Rollback(t *testing.T) {
	s := New()
	defer s.Close()

	uow, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, uow.PutTransaction(&storage.TransactionRecord{XID: "x1"}))
	require.NoError(t, uow.Rollback())

	h := &collectingHandler{}
	require.NoError(t, s.Recover(h))
	assert.Empty(t, h.transactions)

	// A finished unit of work rejects further use.
	assert.ErrorIs(t, uow.PutTransaction(&storage.TransactionRecord{XID: "x2"}), storage.ErrClosed)
}

func TestStore_ClientsAndSubscriptions(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Clients().Save(&storage.ClientRecord{ClientID: "c1", Unreleased: []uint32{7}}))
	rec, err := s.Clients().Get("c1")
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, rec.Unreleased)

	_, err = s.Clients().Get("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Subscriptions().Save(&storage.SubscriptionRecord{Name: "sub1", TopicName: "a/b"}))
	subs, err := s.Subscriptions().List()
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.NoError(t, s.Subscriptions().Delete("sub1"))
	subs, err = s.Subscriptions().List()
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestStore_ClosedRejectsBegin(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	_, err := s.Begin()
	assert.ErrorIs(t, err, storage.ErrClosed)
}
