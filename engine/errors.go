// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

// Engine errors, grouped by kind: validation errors are rejected before
// any side effect, conflict errors report a state that forbids the
// operation, and resource errors may clear after retry.
var (
	// Validation.
	ErrMessagingNotStarted = errors.New("messaging has not been started")
	ErrEngineClosed        = errors.New("engine is closed")
	ErrUnknownSubscription = errors.New("unknown subscription")

	// Resource exhaustion.
	ErrRateLimited = errors.New("publish rate limit exceeded")

	// Policy.
	ErrNotAuthorized = errors.New("operation not authorized")

	// State conflict.
	ErrSubscriptionInUse = errors.New("subscription has active consumers")

	// Timeouts.
	ErrNoMessage = errors.New("no message arrived within the timeout")
)

// Status is the informational outcome of a put. These are not failures;
// the put itself succeeded to the extent the status describes.
type Status int

const (
	// StatusOK: all resolved destinations accepted the message.
	StatusOK Status = iota
	// StatusNoMatchingDestinations: the destination resolved to no
	// queues; the message was discarded.
	StatusNoMatchingDestinations
	// StatusSomeDestinationsFull: at least one resolved destination
	// rejected the message as full, at least one accepted it.
	StatusSomeDestinationsFull
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoMatchingDestinations:
		return "no matching destinations"
	case StatusSomeDestinationsFull:
		return "some destinations full"
	default:
		return "unknown"
	}
}
