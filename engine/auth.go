// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

// Action names an operation submitted for authorization.
type Action int

const (
	ActionCreateClient Action = iota
	ActionCreateConsumer
	ActionCreateSubscription
	ActionPublish
)

func (a Action) String() string {
	switch a {
	case ActionCreateClient:
		return "create-client"
	case ActionCreateConsumer:
		return "create-consumer"
	case ActionCreateSubscription:
		return "create-subscription"
	case ActionPublish:
		return "publish"
	default:
		return "unknown"
	}
}

// ResourceLimits are the per-resource bounds an authorizer may impose.
// Zero values leave the engine defaults in place.
type ResourceLimits struct {
	MaxMessages int64
	MaxBytes    int64
}

// Authorizer decides whether a client may perform an action on a
// resource, and with what limits. Consulted synchronously before the
// operation proceeds.
type Authorizer interface {
	Authorize(clientID string, action Action, resource string) (ResourceLimits, error)
}

// allowAll is the default authorizer.
type allowAll struct{}

func (allowAll) Authorize(string, Action, string) (ResourceLimits, error) {
	return ResourceLimits{}, nil
}
