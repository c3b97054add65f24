// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/tranmq/client"
	"github.com/absmach/tranmq/message"
	"github.com/absmach/tranmq/queue"
	"github.com/absmach/tranmq/storage"
	"github.com/absmach/tranmq/topics"
)

// SubscriptionOptions configure a named subscription.
type SubscriptionOptions struct {
	// Shared subscriptions distribute across competing consumers.
	Shared bool

	// Durable subscriptions survive disconnect and restart.
	Durable bool

	Reliability byte
	MaxMessages int64
	MaxBytes    int64
	FullPolicy  queue.FullPolicy

	// Selector filters messages beyond topic matching, typically on
	// message properties. Selectors are not persisted; durable
	// subscriptions must re-register them on reconnect.
	Selector func(*message.Message) bool
}

// CreateSubscription registers a named subscription on a topic filter,
// backed by its own queue. Retained messages matching the filter are
// enqueued immediately.
func (e *Engine) CreateSubscription(state *client.State, name, filter string, opts SubscriptionOptions) (*queue.Queue, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	limits, err := e.auth.Authorize(state.ID(), ActionCreateSubscription, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}
	if err := topics.ValidateFilter(filter); err != nil {
		return nil, err
	}
	if limits.MaxMessages > 0 && (opts.MaxMessages == 0 || opts.MaxMessages > limits.MaxMessages) {
		opts.MaxMessages = limits.MaxMessages
	}
	if limits.MaxBytes > 0 && (opts.MaxBytes == 0 || opts.MaxBytes > limits.MaxBytes) {
		opts.MaxBytes = limits.MaxBytes
	}

	e.mu.Lock()
	if _, exists := e.queues[name]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", storage.ErrAlreadyExists, name)
	}
	q := queue.New(queue.Config{
		Name:        name,
		Topic:       filter,
		Shared:      opts.Shared,
		Durable:     opts.Durable,
		MaxMessages: opts.MaxMessages,
		MaxBytes:    opts.MaxBytes,
		FullPolicy:  opts.FullPolicy,
		Selector:    opts.Selector,
		ClientID:    state.ID(),
	}, e.store, nil)
	e.queues[name] = q

	// Deliver matching retained messages into the new queue.
	for topic, msg := range e.retained {
		if topics.Match(filter, topic) && q.Selects(msg) {
			if err := q.Enqueue(msg, nil); err != nil {
				e.log.Warn("retained delivery failed",
					slog.String("subscription", name), slog.String("topic", topic),
					slog.String("error", err.Error()))
			}
		}
	}
	e.mu.Unlock()

	if err := e.res.Add(name, filter, q); err != nil {
		e.dropQueue(name, q)
		return nil, err
	}

	if opts.Durable {
		rec := &storage.SubscriptionRecord{
			Name:        name,
			ClientID:    state.ID(),
			TopicName:   filter,
			Shared:      opts.Shared,
			Reliability: opts.Reliability,
			MaxMessages: opts.MaxMessages,
			MaxBytes:    opts.MaxBytes,
		}
		if err := e.store.Subscriptions().Save(rec); err != nil {
			e.res.Remove(name)
			e.dropQueue(name, q)
			return nil, fmt.Errorf("failed to persist subscription: %w", err)
		}
	}

	if e.metrics != nil {
		e.metrics.SubscriptionAdded()
	}
	e.log.Debug("subscription created", slog.String("name", name),
		slog.String("filter", filter), slog.Bool("durable", opts.Durable))
	return q, nil
}

func (e *Engine) dropQueue(name string, q *queue.Queue) {
	e.mu.Lock()
	delete(e.queues, name)
	e.mu.Unlock()
	_ = q.Destroy(queue.DestroyOptions{Discard: true})
}

// DestroySubscription removes a named subscription. Rejected while
// consumers are attached.
func (e *Engine) DestroySubscription(name string, discard bool) error {
	e.mu.Lock()
	q, ok := e.queues[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, name)
	}

	if err := q.Destroy(queue.DestroyOptions{Discard: discard}); err != nil {
		if errors.Is(err, queue.ErrActiveConsumers) {
			return fmt.Errorf("%w: %s", ErrSubscriptionInUse, name)
		}
		return err
	}

	e.res.Remove(name)
	e.mu.Lock()
	delete(e.queues, name)
	e.mu.Unlock()

	if q.Config().Durable {
		if err := e.store.Subscriptions().Delete(name); err != nil {
			return fmt.Errorf("failed to remove subscription record: %w", err)
		}
	}
	if e.metrics != nil {
		e.metrics.SubscriptionRemoved()
	}
	return nil
}

// Subscription looks up a subscription's queue by name.
func (e *Engine) Subscription(name string) (*queue.Queue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, name)
	}
	return q, nil
}

// CreateConsumer attaches a consumer to a named subscription and adopts
// it into the session. Consumers attach paused while the session's
// delivery gate is closed.
func (e *Engine) CreateConsumer(sess *client.Session, subscription string, cb queue.Callback, opts queue.ConsumerOptions) (*queue.Consumer, error) {
	if err := e.checkLive(); err != nil {
		return nil, err
	}
	q, err := e.Subscription(subscription)
	if err != nil {
		return nil, err
	}
	if _, err := e.auth.Authorize(sess.State().ID(), ActionCreateConsumer, subscription); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}

	if !sess.Delivering() {
		opts.Paused = true
	}
	if opts.OnFailure == nil && e.onDeliveryFailure != nil {
		opts.OnFailure = e.onDeliveryFailure
	}
	if e.metrics != nil {
		inner := cb
		cb = func(d *queue.Delivery) bool {
			e.metrics.RecordDelivery()
			return inner(d)
		}
	}

	c, err := q.AttachConsumer(cb, opts)
	if err != nil {
		return nil, err
	}
	if err := sess.AdoptConsumer(c, q); err != nil {
		_ = q.DetachConsumer(c)
		return nil, err
	}
	return c, nil
}

// DestroyConsumer detaches a session-owned consumer.
func (e *Engine) DestroyConsumer(sess *client.Session, c *queue.Consumer) error {
	return sess.DropConsumer(c)
}
