// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"sync"

	"github.com/rs/xid"

	"github.com/absmach/tranmq/queue"
	"github.com/absmach/tranmq/transaction"
)

// Session errors.
var (
	ErrSessionDestroyed = errors.New("session is destroyed")
	ErrNotOwned         = errors.New("resource is not owned by this session")
)

// Producer is a session-owned handle for publishing to one destination.
type Producer struct {
	id          string
	destination string
	session     *Session
}

// ID returns the producer identifier.
func (p *Producer) ID() string {
	return p.id
}

// Destination returns the destination this producer publishes to.
func (p *Producer) Destination() string {
	return p.destination
}

// Session is a client-state's transient protocol container. It owns
// consumers, producers, and local transactions; destroying the session
// tears them all down.
type Session struct {
	mu sync.Mutex

	id    string
	state *State

	// consumers maps each owned consumer to its queue, for detach.
	consumers map[*queue.Consumer]*queue.Queue
	producers map[string]*Producer
	localTxs  []*transaction.Transaction

	// delivering gates message flow to this session's consumers.
	delivering bool
	destroyed  bool
}

func newSession(state *State) *Session {
	return &Session{
		id:        xid.New().String(),
		state:     state,
		consumers: map[*queue.Consumer]*queue.Queue{},
		producers: map[string]*Producer{},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the owning client-state.
func (s *Session) State() *State {
	return s.state
}

func (s *Session) checkLiveLocked() error {
	if s.destroyed {
		return ErrSessionDestroyed
	}
	return s.state.checkLiveLocked()
}

// AdoptConsumer records a consumer created on this session. Consumers
// attached while delivery is stopped start paused.
func (s *Session) AdoptConsumer(c *queue.Consumer, q *queue.Queue) error {
	s.mu.Lock()
	s.state.mu.Lock()
	err := s.checkLiveLocked()
	s.state.mu.Unlock()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.consumers[c] = q
	s.mu.Unlock()
	return nil
}

// DropConsumer detaches and forgets a session-owned consumer.
func (s *Session) DropConsumer(c *queue.Consumer) error {
	s.mu.Lock()
	q, ok := s.consumers[c]
	if !ok {
		s.mu.Unlock()
		return ErrNotOwned
	}
	delete(s.consumers, c)
	s.mu.Unlock()
	return q.DetachConsumer(c)
}

// Consumers returns the session-owned consumers.
func (s *Session) Consumers() []*queue.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*queue.Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		out = append(out, c)
	}
	return out
}

// CreateProducer opens a producer handle for a destination.
func (s *Session) CreateProducer(destination string) (*Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.mu.Lock()
	err := s.checkLiveLocked()
	s.state.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p := &Producer{id: xid.New().String(), destination: destination, session: s}
	s.producers[p.id] = p
	return p, nil
}

// DestroyProducer closes a producer handle.
func (s *Session) DestroyProducer(p *Producer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.producers[p.id]; !ok {
		return ErrNotOwned
	}
	delete(s.producers, p.id)
	return nil
}

// CreateTransaction opens a session-owned local transaction.
func (s *Session) CreateTransaction() (*transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.mu.Lock()
	err := s.checkLiveLocked()
	s.state.mu.Unlock()
	if err != nil {
		return nil, err
	}

	tx := transaction.NewLocal(s.state.store)
	s.localTxs = append(s.localTxs, tx)
	return tx, nil
}

// StartDelivery enables message flow, resuming the session's paused
// consumers.
func (s *Session) StartDelivery() error {
	s.mu.Lock()
	s.state.mu.Lock()
	err := s.checkLiveLocked()
	s.state.mu.Unlock()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.delivering = true
	consumers := make([]*queue.Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		// Only paused consumers need the nudge.
		if err := c.Resume(); err != nil && !errors.Is(err, queue.ErrNotPaused) {
			return err
		}
	}
	return nil
}

// Delivering reports whether the delivery gate is open.
func (s *Session) Delivering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivering
}

// StopDelivery closes the delivery gate. In-flight callbacks complete;
// the engine attaches new consumers paused while the gate is closed.
func (s *Session) StopDelivery() {
	s.mu.Lock()
	s.delivering = false
	s.mu.Unlock()
}

// Destroy tears down everything the session owns: consumers are
// detached, producers closed, and pending local transactions rolled
// back.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	consumers := s.consumers
	s.consumers = nil
	s.producers = nil
	txs := s.localTxs
	s.localTxs = nil
	s.mu.Unlock()

	var firstErr error
	for c, q := range consumers {
		if err := q.DetachConsumer(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, tx := range txs {
		if tx.OperationCount() > 0 {
			if err := tx.Rollback(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	s.state.removeSession(s)
	return firstErr
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
