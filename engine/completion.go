// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// CompletionFunc receives the final outcome of an asynchronous
// operation. It is invoked exactly once, never on the stack that
// started the operation, and may itself call back into the engine.
type CompletionFunc func(err error)

// Completion tracks an operation that did not finish synchronously.
// Engine methods return a nil Completion when the operation completed
// before returning; callers must treat both cases identically except
// for timing.
type Completion struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
	fns  []CompletionFunc

	pool *ants.Pool
}

func newCompletion(pool *ants.Pool) *Completion {
	return &Completion{done: make(chan struct{}), pool: pool}
}

// OnComplete registers a callback for the final outcome. Registered
// after completion, the callback is still dispatched through the worker
// pool rather than invoked inline.
func (c *Completion) OnComplete(fn CompletionFunc) {
	c.mu.Lock()
	select {
	case <-c.done:
		err := c.err
		c.mu.Unlock()
		c.dispatch(fn, err)
		return
	default:
	}
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

// Wait blocks until the operation completes or the context is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the outcome after completion; before completion it
// returns nil, so callers should gate on Wait or OnComplete.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// complete records the outcome and dispatches registered callbacks.
func (c *Completion) complete(err error) {
	c.mu.Lock()
	c.err = err
	fns := c.fns
	c.fns = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range fns {
		c.dispatch(fn, err)
	}
}

func (c *Completion) dispatch(fn CompletionFunc, err error) {
	if submitErr := c.pool.Submit(func() { fn(err) }); submitErr != nil {
		// Pool shut down; fall back to a plain goroutine so the
		// exactly-once contract holds.
		go fn(err)
	}
}

// async runs fn on the worker pool, reporting its outcome through the
// returned Completion.
func (e *Engine) async(fn func() error) (*Completion, error) {
	c := newCompletion(e.pool)
	if err := e.pool.Submit(func() { c.complete(fn()) }); err != nil {
		return nil, err
	}
	return c, nil
}
