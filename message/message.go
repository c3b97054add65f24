// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the immutable, reference-counted message unit
// moved through the engine. A message is shared by every delivery record
// that references it and is destroyed when the last reference is released.
package message

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// Common errors.
var (
	ErrInvalidDestination = errors.New("invalid destination name")
	ErrPayloadTooLarge    = errors.New("payload exceeds maximum size")
	ErrReleased           = errors.New("message already released")
)

// Reliability is the delivery reliability class of a message.
type Reliability byte

const (
	AtMostOnce  Reliability = 0 // QoS 0
	AtLeastOnce Reliability = 1 // QoS 1
	ExactlyOnce Reliability = 2 // QoS 2
)

func (r Reliability) String() string {
	switch r {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return "unknown"
	}
}

// Limits bound message creation.
type Limits struct {
	MaxDestinationLen int
	MaxPayloadSize    int
}

// DefaultLimits returns the default creation limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDestinationLen: 65535,
		MaxPayloadSize:    256 * 1024 * 1024,
	}
}

// Options holds header fields supplied at creation time.
type Options struct {
	Reliability Reliability
	Persistent  bool
	Retained    bool
	Priority    uint8
	Expiry      time.Time // zero means no expiry
	Properties  map[string]string
}

// Message is an immutable header + payload unit. Once created it is never
// mutated, so concurrent readers need no locking. Lifetime is managed with
// Acquire/Release; the payload is freed when the count reaches zero.
type Message struct {
	ID          string
	Destination string
	Reliability Reliability
	Persistent  bool
	Retained    bool
	Priority    uint8
	Expiry      time.Time
	PublishTime time.Time
	Properties  map[string]string

	payload []byte
	refs    atomic.Int32

	// storeRefs counts durable delivery records referencing the message
	// body in the store. The body record is deleted together with the
	// last referencing delivery record.
	storeRefs atomic.Int64

	// releaser is invoked once, when the last reference is dropped. For
	// persistent messages the engine registers the store-side cleanup here.
	releaser func(*Message)
}

// New creates a message with refcount 1, copying the payload and properties
// into engine-owned storage.
func New(destination string, payload []byte, opts Options, limits Limits) (*Message, error) {
	if err := ValidateDestination(destination, limits); err != nil {
		return nil, err
	}
	if limits.MaxPayloadSize > 0 && len(payload) > limits.MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	m := &Message{
		ID:          xid.New().String(),
		Destination: destination,
		Reliability: opts.Reliability,
		Persistent:  opts.Persistent,
		Retained:    opts.Retained,
		Priority:    opts.Priority,
		Expiry:      opts.Expiry,
		PublishTime: time.Now(),
	}

	if len(payload) > 0 {
		m.payload = make([]byte, len(payload))
		copy(m.payload, payload)
	}
	if len(opts.Properties) > 0 {
		m.Properties = make(map[string]string, len(opts.Properties))
		for k, v := range opts.Properties {
			m.Properties[k] = v
		}
	}

	m.refs.Store(1)
	return m, nil
}

// Restore rebuilds a message from its durable form, preserving the
// persisted identity and publish time. Used only during recovery replay.
func Restore(id, destination string, payload []byte, opts Options, publishTime time.Time) *Message {
	m := &Message{
		ID:          id,
		Destination: destination,
		Reliability: opts.Reliability,
		Persistent:  opts.Persistent,
		Retained:    opts.Retained,
		Priority:    opts.Priority,
		Expiry:      opts.Expiry,
		PublishTime: publishTime,
		Properties:  opts.Properties,
		payload:     payload,
	}
	m.refs.Store(1)
	return m
}

// ValidateDestination checks a destination name against the creation rules:
// non-empty, within length limits, no embedded NUL.
func ValidateDestination(destination string, limits Limits) error {
	if destination == "" {
		return ErrInvalidDestination
	}
	if limits.MaxDestinationLen > 0 && len(destination) > limits.MaxDestinationLen {
		return ErrInvalidDestination
	}
	if strings.ContainsRune(destination, 0) {
		return ErrInvalidDestination
	}
	return nil
}

// Payload returns the payload bytes. Callers must not modify the slice.
func (m *Message) Payload() []byte {
	return m.payload
}

// Size returns the payload size in bytes.
func (m *Message) Size() int {
	return len(m.payload)
}

// Expired reports whether the message TTL has elapsed at the given time.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && now.After(m.Expiry)
}

// Acquire adds a reference, one per delivery record created for the message.
func (m *Message) Acquire() *Message {
	if m.refs.Add(1) <= 1 {
		panic("message: acquire on released message")
	}
	return m
}

// Release drops a reference. At zero the payload is freed and the registered
// releaser (store cleanup for persistent messages) runs exactly once.
func (m *Message) Release() error {
	n := m.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		return ErrReleased
	}

	releaser := m.releaser
	m.releaser = nil
	m.payload = nil
	if releaser != nil {
		releaser(m)
	}
	return nil
}

// RefCount returns the current reference count. Intended for tests and
// monitoring snapshots only.
func (m *Message) RefCount() int {
	return int(m.refs.Load())
}

// AcquireStoreRef counts one durable delivery record referencing the
// message body in the store.
func (m *Message) AcquireStoreRef() {
	m.storeRefs.Add(1)
}

// ReleaseStoreRef drops one durable reference and reports whether it was
// the last, in which case the caller must delete the body record in the
// same unit of work that drops the delivery record.
func (m *Message) ReleaseStoreRef() bool {
	return m.storeRefs.Add(-1) == 0
}

// StoreRefCount returns the durable reference count. Intended for tests.
func (m *Message) StoreRefCount() int {
	return int(m.storeRefs.Load())
}

// SetReleaser registers the last-reference cleanup hook. Must be called
// before the message is shared.
func (m *Message) SetReleaser(fn func(*Message)) {
	m.releaser = fn
}
