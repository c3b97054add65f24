// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements client-state identities and their protocol
// sessions: durable identity records, takeover (steal) semantics on
// reconnect, unreleased-delivery tracking for exactly-once protocols,
// will messages, and the session containers that own consumers,
// producers, and local transactions.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/absmach/tranmq/storage"
)

// Client-state errors.
var (
	ErrEmptyClientID   = errors.New("client id must not be empty")
	ErrClientIDInUse   = errors.New("client id is already in use")
	ErrClientStolen    = errors.New("client-state was taken over")
	ErrClientDestroyed = errors.New("client-state is destroyed")
	ErrUnknownClient   = errors.New("unknown client id")
)

// StealReason tells a steal callback why the takeover happened.
type StealReason int

const (
	// StealReasonTakeover is a second connect with the same client id
	// requesting takeover.
	StealReasonTakeover StealReason = iota
	// StealReasonAdmin is a forced administrative disconnect.
	StealReasonAdmin
)

func (r StealReason) String() string {
	switch r {
	case StealReasonTakeover:
		return "takeover"
	case StealReasonAdmin:
		return "administrative"
	default:
		return "unknown"
	}
}

// StealFunc is invoked on the prior owner when its client id is taken
// over. It runs before the new create call completes.
type StealFunc func(reason StealReason)

// WillMessage is published on behalf of the client when its state is
// torn down without a graceful disconnect.
type WillMessage struct {
	Topic   string
	Payload []byte
}

// Options configure client-state creation.
type Options struct {
	// Durable states survive disconnect and restart.
	Durable bool

	// Steal permits taking over an existing connected state with the
	// same id.
	Steal bool

	// OnSteal is this state's takeover notification.
	OnSteal StealFunc

	// Will is published if the state is torn down non-gracefully.
	Will *WillMessage
}

// State is the identity of a connected application, keyed by client id.
// A durable state may outlive any one connection.
type State struct {
	mu sync.Mutex

	id      string
	durable bool
	onSteal StealFunc
	will    *WillMessage

	sessions []*Session

	// unreleased holds in-doubt delivery ids for exactly-once
	// protocols.
	unreleased map[uint32]struct{}

	// zombie is set atomically with a takeover: every further operation
	// fails with ErrClientStolen.
	zombie    bool
	destroyed bool

	lastActiveAt time.Time

	store storage.Store // nil for non-durable deployments
}

// ID returns the client identifier.
func (s *State) ID() string {
	return s.id
}

// Durable reports whether the state survives disconnect.
func (s *State) Durable() bool {
	return s.durable
}

// checkLiveLocked returns the state-conflict error for a dead state.
// Caller holds the lock.
func (s *State) checkLiveLocked() error {
	if s.zombie {
		return ErrClientStolen
	}
	if s.destroyed {
		return ErrClientDestroyed
	}
	return nil
}

// CreateSession opens a new protocol session on this state.
func (s *State) CreateSession() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(); err != nil {
		return nil, err
	}
	sess := newSession(s)
	s.sessions = append(s.sessions, sess)
	s.lastActiveAt = time.Now()
	return sess, nil
}

// removeSession drops a destroyed session from the set.
func (s *State) removeSession(sess *Session) {
	s.mu.Lock()
	for i, other := range s.sessions {
		if other == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Sessions returns the currently open sessions.
func (s *State) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Session(nil), s.sessions...)
}

// AddUnreleased records an in-doubt delivery id.
func (s *State) AddUnreleased(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(); err != nil {
		return err
	}
	if s.unreleased == nil {
		s.unreleased = map[uint32]struct{}{}
	}
	s.unreleased[id] = struct{}{}
	return nil
}

// RemoveUnreleased releases an in-doubt delivery id.
func (s *State) RemoveUnreleased(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(); err != nil {
		return err
	}
	delete(s.unreleased, id)
	return nil
}

// Unreleased lists the in-doubt delivery ids.
func (s *State) Unreleased() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uint32, 0, len(s.unreleased))
	for id := range s.unreleased {
		out = append(out, id)
	}
	return out
}

// Will returns the registered will message, or nil.
func (s *State) Will() *WillMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.will
}

// SetWill replaces the will message; nil clears it.
func (s *State) SetWill(w *WillMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLiveLocked(); err != nil {
		return err
	}
	s.will = w
	return nil
}

// Stolen reports whether this state has been taken over.
func (s *State) Stolen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zombie
}

// LastActiveAt returns the time of the last session activity.
func (s *State) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// zombify marks the state taken over and detaches its sessions,
// returning them for teardown together with the steal callback and the
// pending will message. Caller must not hold the lock.
func (s *State) zombify() ([]*Session, StealFunc, *WillMessage) {
	s.mu.Lock()
	s.zombie = true
	sessions := s.sessions
	s.sessions = nil
	fn := s.onSteal
	will := s.will
	s.will = nil
	s.mu.Unlock()
	return sessions, fn, will
}

// record builds the durable form of this state.
func (s *State) record() *storage.ClientRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &storage.ClientRecord{
		ClientID:     s.id,
		Unreleased:   make([]uint32, 0, len(s.unreleased)),
		LastActiveAt: s.lastActiveAt,
	}
	for id := range s.unreleased {
		rec.Unreleased = append(rec.Unreleased, id)
	}
	if s.will != nil {
		rec.WillTopic = s.will.Topic
		rec.WillPayload = s.will.Payload
	}
	return rec
}
