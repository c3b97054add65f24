// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory storage.Store for tests and
// non-durable deployments. Units of work stage mutations and apply them
// atomically under the store lock on commit.
package memory

import (
	"sync"

	"github.com/absmach/tranmq/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	mu sync.RWMutex

	messages     map[string]*storage.MessageRecord
	deliveries   map[string]*storage.DeliveryRecord
	transactions map[string]*storage.TransactionRecord

	subscriptions *SubscriptionStore
	clients       *ClientStore

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	s := &Store{
		messages:     make(map[string]*storage.MessageRecord),
		deliveries:   make(map[string]*storage.DeliveryRecord),
		transactions: make(map[string]*storage.TransactionRecord),
	}
	s.subscriptions = &SubscriptionStore{records: make(map[string]*storage.SubscriptionRecord)}
	s.clients = &ClientStore{records: make(map[string]*storage.ClientRecord)}
	return s
}

// Begin opens a staged unit of work.
func (s *Store) Begin() (storage.UnitOfWork, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return &unitOfWork{store: s}, nil
}

// Subscriptions returns the subscription-definition store.
func (s *Store) Subscriptions() storage.SubscriptionStore {
	return s.subscriptions
}

// Clients returns the client-state store.
func (s *Store) Clients() storage.ClientStore {
	return s.clients
}

// Recover replays all records: clients, subscriptions, messages,
// deliveries, prepared transactions.
func (s *Store) Recover(h storage.RecoveryHandler) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.clients.records {
		if err := h.OnClient(rec); err != nil {
			return err
		}
	}
	for _, rec := range s.subscriptions.records {
		if err := h.OnSubscription(rec); err != nil {
			return err
		}
	}
	for _, rec := range s.messages {
		if err := h.OnMessage(rec); err != nil {
			return err
		}
	}
	for _, rec := range s.deliveries {
		if err := h.OnDelivery(rec); err != nil {
			return err
		}
	}
	for _, rec := range s.transactions {
		if err := h.OnTransaction(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// mutation is a single staged change.
type mutation func(s *Store)

// unitOfWork stages mutations until Commit.
type unitOfWork struct {
	store     *Store
	mutations []mutation
	done      bool
}

var _ storage.UnitOfWork = (*unitOfWork)(nil)

func (u *unitOfWork) stage(m mutation) error {
	if u.done {
		return storage.ErrClosed
	}
	u.mutations = append(u.mutations, m)
	return nil
}

func (u *unitOfWork) PutMessage(rec *storage.MessageRecord) error {
	cp := *rec
	return u.stage(func(s *Store) { s.messages[cp.ID] = &cp })
}

func (u *unitOfWork) DeleteMessage(id string) error {
	return u.stage(func(s *Store) { delete(s.messages, id) })
}

func (u *unitOfWork) PutDelivery(rec *storage.DeliveryRecord) error {
	cp := *rec
	return u.stage(func(s *Store) { s.deliveries[cp.ID] = &cp })
}

func (u *unitOfWork) DeleteDelivery(id string) error {
	return u.stage(func(s *Store) { delete(s.deliveries, id) })
}

func (u *unitOfWork) PutTransaction(rec *storage.TransactionRecord) error {
	cp := *rec
	return u.stage(func(s *Store) { s.transactions[cp.XID] = &cp })
}

func (u *unitOfWork) DeleteTransaction(xid string) error {
	return u.stage(func(s *Store) { delete(s.transactions, xid) })
}

// Commit applies all staged mutations under the store lock. A memory
// commit either fully applies or fails cleanly, so failures are never
// indeterminate.
func (u *unitOfWork) Commit() error {
	if u.done {
		return storage.ErrClosed
	}
	u.done = true

	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	if u.store.closed {
		return storage.ErrClosed
	}
	for _, m := range u.mutations {
		m(u.store)
	}
	return nil
}

// Rollback discards staged mutations.
func (u *unitOfWork) Rollback() error {
	u.done = true
	u.mutations = nil
	return nil
}

// SubscriptionStore is the in-memory subscription-definition store.
type SubscriptionStore struct {
	mu      sync.RWMutex
	records map[string]*storage.SubscriptionRecord
}

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

func (s *SubscriptionStore) Save(rec *storage.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.Name] = &cp
	return nil
}

func (s *SubscriptionStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	return nil
}

func (s *SubscriptionStore) List() ([]*storage.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.SubscriptionRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// ClientStore is the in-memory client-state store.
type ClientStore struct {
	mu      sync.RWMutex
	records map[string]*storage.ClientRecord
}

var _ storage.ClientStore = (*ClientStore)(nil)

func (s *ClientStore) Save(rec *storage.ClientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ClientID] = &cp
	return nil
}

func (s *ClientStore) Get(clientID string) (*storage.ClientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *ClientStore) Delete(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, clientID)
	return nil
}

func (s *ClientStore) List() ([]*storage.ClientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.ClientRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}
