// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the durable store contract consumed by the engine:
// a unit-of-work primitive correlated with transactions, record-level CRUD
// for the durable entities, and a startup recovery replay.
package storage

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store is closed")

	// ErrIndeterminate marks a commit failure where the store cannot
	// guarantee that no partial persistence happened. Callers must treat
	// the outcome as unresolved rather than retrying blindly.
	ErrIndeterminate = errors.New("commit outcome indeterminate")
)

// IsIndeterminate reports whether a commit failure left durable state in an
// unknown condition.
func IsIndeterminate(err error) bool {
	return errors.Is(err, ErrIndeterminate)
}

// Store is the composite durable store.
type Store interface {
	// Begin opens a durable unit of work. All record mutations staged on
	// it become visible atomically on Commit.
	Begin() (UnitOfWork, error)

	// Subscriptions returns the subscription-definition store.
	Subscriptions() SubscriptionStore

	// Clients returns the durable client-state store.
	Clients() ClientStore

	// Recover replays all persisted records through the handler. Called
	// once at startup, before messaging is enabled.
	Recover(h RecoveryHandler) error

	// Close closes the store.
	Close() error
}

// UnitOfWork batches durable record mutations. Commit applies all staged
// changes atomically; Rollback discards them. A unit of work is not safe
// for concurrent use.
type UnitOfWork interface {
	PutMessage(rec *MessageRecord) error
	DeleteMessage(id string) error

	PutDelivery(rec *DeliveryRecord) error
	DeleteDelivery(id string) error

	PutTransaction(rec *TransactionRecord) error
	DeleteTransaction(xid string) error

	Commit() error
	Rollback() error
}

// MessageRecord is the durable form of a message body.
type MessageRecord struct {
	ID          string
	Destination string
	Payload     []byte
	Properties  map[string]string
	Reliability byte
	Priority    uint8
	Retained    bool
	Expiry      time.Time
	PublishTime time.Time
}

// DeliveryRecord is the durable form of a per-queue delivery entry. State
// holds the delivery state machine value at the time it was persisted.
//
// A non-empty TxXID marks the record as pending under a prepared global
// transaction: its effect must stay inert across restart until the branch
// resolves. PendingDequeue distinguishes a prepared consume (record is
// deleted on commit, returned to service on rollback) from a prepared
// enqueue (record becomes visible on commit, deleted on rollback).
type DeliveryRecord struct {
	ID             string
	QueueName      string
	MessageID      string
	State          int
	DeliveryID     uint32
	Attempts       int
	TxXID          string
	PendingDequeue bool
}

// TransactionRecord is the durable form of a prepared or heuristically
// completed global transaction.
type TransactionRecord struct {
	XID        string
	State      int
	PreparedAt time.Time
}

// SubscriptionRecord is the durable form of a subscription definition.
type SubscriptionRecord struct {
	Name        string
	ClientID    string
	TopicName   string
	Shared      bool
	Reliability byte
	MaxMessages int64
	MaxBytes    int64
}

// ClientRecord is the durable form of a client-state.
type ClientRecord struct {
	ClientID     string
	Unreleased   []uint32
	WillTopic    string
	WillPayload  []byte
	LastActiveAt time.Time
}

// SubscriptionStore persists subscription definitions outside transactions.
type SubscriptionStore interface {
	Save(rec *SubscriptionRecord) error
	Delete(name string) error
	List() ([]*SubscriptionRecord, error)
}

// ClientStore persists durable client-states outside transactions.
type ClientStore interface {
	Save(rec *ClientRecord) error
	Get(clientID string) (*ClientRecord, error)
	Delete(clientID string) error
	List() ([]*ClientRecord, error)
}

// RecoveryHandler receives persisted records during startup replay.
// Clients and subscriptions are replayed first, then messages, then the
// deliveries that reference them, then prepared transactions.
type RecoveryHandler interface {
	OnClient(rec *ClientRecord) error
	OnSubscription(rec *SubscriptionRecord) error
	OnMessage(rec *MessageRecord) error
	OnDelivery(rec *DeliveryRecord) error
	OnTransaction(rec *TransactionRecord) error
}
