// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/tranmq/storage"
)

// WillPublisher publishes a client's will message during non-graceful
// teardown. Wired by the engine.
type WillPublisher func(clientID string, will *WillMessage)

// Table is the engine's registry of client-states, keyed by client id.
// Takeover is a mutual-exclusion point: from any observer's perspective
// the old state is invalidated atomically with the new one appearing,
// and the old state's steal callback runs before Create returns.
type Table struct {
	mu     sync.Mutex
	states map[string]*State

	store       storage.Store // nil disables durable client records
	publishWill WillPublisher
}

// NewTable creates a client-state table. The store may be nil when
// durability is not required.
func NewTable(store storage.Store, publishWill WillPublisher) *Table {
	return &Table{
		states:      map[string]*State{},
		store:       store,
		publishWill: publishWill,
	}
}

// Create registers a client-state. If the id is held and opts.Steal is
// set, the prior state is taken over; otherwise ErrClientIDInUse.
func (t *Table) Create(clientID string, opts Options) (*State, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	t.mu.Lock()
	prior := t.states[clientID]
	if prior != nil && !opts.Steal {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrClientIDInUse, clientID)
	}

	state := &State{
		id:           clientID,
		durable:      opts.Durable,
		onSteal:      opts.OnSteal,
		will:         opts.Will,
		lastActiveAt: time.Now(),
		store:        t.store,
	}
	t.states[clientID] = state
	t.mu.Unlock()

	// The old holder is already unreachable through the table; finish
	// its teardown before the create is observed as complete.
	if prior != nil {
		t.takeOver(prior)
	}

	if opts.Durable && t.store != nil {
		if err := t.store.Clients().Save(state.record()); err != nil {
			t.mu.Lock()
			delete(t.states, clientID)
			t.mu.Unlock()
			return nil, fmt.Errorf("failed to persist client-state: %w", err)
		}
	}
	return state, nil
}

// takeOver zombifies the prior holder, tears down its sessions, fires
// its steal callback, and publishes its will.
func (t *Table) takeOver(prior *State) {
	sessions, onSteal, will := prior.zombify()
	for _, sess := range sessions {
		sess.Destroy()
	}
	if onSteal != nil {
		onSteal(StealReasonTakeover)
	}
	if will != nil && t.publishWill != nil {
		t.publishWill(prior.id, will)
	}
}

// Get looks up a live client-state by id.
func (t *Table) Get(clientID string) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	return state, nil
}

// Destroy removes a client-state. Graceful teardown suppresses the will
// message; non-graceful publishes it. Durable records are removed only
// when discardDurable is set.
func (t *Table) Destroy(clientID string, graceful, discardDurable bool) error {
	t.mu.Lock()
	state, ok := t.states[clientID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	delete(t.states, clientID)
	t.mu.Unlock()

	state.mu.Lock()
	state.destroyed = true
	sessions := state.sessions
	state.sessions = nil
	will := state.will
	state.will = nil
	durable := state.durable
	state.mu.Unlock()

	for _, sess := range sessions {
		sess.Destroy()
	}

	if !graceful && will != nil && t.publishWill != nil {
		t.publishWill(clientID, will)
	}

	if durable && discardDurable && t.store != nil {
		if err := t.store.Clients().Delete(clientID); err != nil {
			return fmt.Errorf("failed to remove durable client-state: %w", err)
		}
	}
	return nil
}

// Restore readmits a durable client-state from its persisted record
// during recovery. The state has no live connection until a steal-less
// Create claims it again.
func (t *Table) Restore(rec *storage.ClientRecord) *State {
	state := &State{
		id:           rec.ClientID,
		durable:      true,
		lastActiveAt: rec.LastActiveAt,
		store:        t.store,
	}
	if len(rec.Unreleased) > 0 {
		state.unreleased = make(map[uint32]struct{}, len(rec.Unreleased))
		for _, id := range rec.Unreleased {
			state.unreleased[id] = struct{}{}
		}
	}
	if rec.WillTopic != "" {
		state.will = &WillMessage{Topic: rec.WillTopic, Payload: rec.WillPayload}
	}

	t.mu.Lock()
	t.states[rec.ClientID] = state
	t.mu.Unlock()
	return state
}

// Reconnect reclaims a restored durable state for a new connection,
// replacing its steal callback and will message.
func (t *Table) Reconnect(clientID string, opts Options) (*State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	state.mu.Lock()
	state.onSteal = opts.OnSteal
	state.will = opts.Will
	state.lastActiveAt = time.Now()
	state.mu.Unlock()
	return state, nil
}

// Count returns the number of registered client-states.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// Snapshot lists the current client-states.
func (t *Table) Snapshot() []*State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*State, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	return out
}

// SaveDurable persists the current durable form of a client-state, used
// after unreleased-id or will changes.
func (t *Table) SaveDurable(state *State) error {
	if t.store == nil || !state.Durable() {
		return nil
	}
	return t.store.Clients().Save(state.record())
}
