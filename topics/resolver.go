// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"sync"
)

// Resolver maps a published destination name to the set of subscription
// targets whose filters match it. The engine consumes this as a narrow
// collaborator: register/unregister filters, resolve destinations.
type Resolver interface {
	// Add registers a target under a unique name with a topic filter.
	Add(name, filter string, target any) error

	// Remove unregisters a target by name.
	Remove(name string)

	// Resolve returns the targets of every filter matching destination.
	Resolve(destination string) []any
}

type registryEntry struct {
	filter string
	target any
}

// Registry is the bundled Resolver implementation: a flat filter table
// scanned with Match. Registration order is preserved in Resolve results.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]registryEntry
}

var _ Resolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Add registers a target under name. The filter is validated first.
func (r *Registry) Add(name, filter string, target any) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		r.order = append(r.order, name)
	}
	r.entries[name] = registryEntry{filter: filter, target: target}
	return nil
}

// Remove unregisters the named target.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Resolve returns all matching targets in registration order.
func (r *Registry) Resolve(destination string) []any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []any
	for _, name := range r.order {
		e := r.entries[name]
		if Match(e.filter, destination) {
			out = append(out, e.target)
		}
	}
	return out
}

// Len returns the number of registered filters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
