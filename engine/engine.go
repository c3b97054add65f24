// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine is the transactional messaging core: it owns the
// client-state table, the subscription namespace and its queues, the
// transaction manager, and the durable store, and exposes the operation
// surface protocol adapters build on. All collaborators are injected at
// construction; the engine holds no globals.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/absmach/tranmq/client"
	"github.com/absmach/tranmq/engine/ratelimit"
	"github.com/absmach/tranmq/message"
	"github.com/absmach/tranmq/queue"
	"github.com/absmach/tranmq/server/otel"
	"github.com/absmach/tranmq/storage"
	"github.com/absmach/tranmq/topics"
	"github.com/absmach/tranmq/transaction"
)

// Options configure engine construction. Store and Resolver are
// required; the rest default sensibly.
type Options struct {
	Store    storage.Store
	Resolver topics.Resolver

	// Authorizer gates create and publish operations. Nil allows all.
	Authorizer Authorizer

	// Logger for engine events. Nil uses slog.Default.
	Logger *slog.Logger

	// Metrics instruments. Nil disables recording.
	Metrics *otel.Metrics

	// PublishRate and PublishBurst bound per-client publishing. A zero
	// rate disables limiting.
	PublishRate   float64
	PublishBurst  int

	// WorkerPoolSize bounds the completion-dispatch pool.
	WorkerPoolSize int

	// MessageLimits bound message construction.
	MessageLimits message.Limits

	// ExpiryInterval is the buffered-message expiry sweep period. Zero
	// disables the sweeper.
	ExpiryInterval time.Duration
}

// Engine is the messaging core façade.
type Engine struct {
	log     *slog.Logger
	store   storage.Store
	res     topics.Resolver
	auth    Authorizer
	metrics *otel.Metrics
	limits  message.Limits

	clients *client.Table
	txns    *transaction.Manager
	pool    *ants.Pool
	limiter *ratelimit.PublishLimiter

	mu       sync.RWMutex
	queues   map[string]*queue.Queue
	retained map[string]*message.Message

	messaging atomic.Bool
	closed    atomic.Bool

	expiryStop chan struct{}
	expiryWG   sync.WaitGroup

	// onDeliveryFailure is notified when a consumer is auto-paused by a
	// delivery failure.
	onDeliveryFailure queue.FailureFunc
}

// New constructs an engine. The store is wrapped with a commit circuit
// breaker; pass a memory store for non-durable deployments.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Resolver == nil {
		opts.Resolver = topics.NewRegistry()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = allowAll{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 64
	}
	if opts.MessageLimits == (message.Limits{}) {
		opts.MessageLimits = message.DefaultLimits()
	}

	pool, err := ants.NewPool(opts.WorkerPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("engine: worker pool: %w", err)
	}

	store := newBreakerStore(opts.Store, "engine-store")

	e := &Engine{
		log:        opts.Logger,
		store:      store,
		res:        opts.Resolver,
		auth:       opts.Authorizer,
		metrics:    opts.Metrics,
		limits:     opts.MessageLimits,
		txns:       transaction.NewManager(store),
		pool:       pool,
		limiter:    ratelimit.NewPublishLimiter(opts.PublishRate, opts.PublishBurst, time.Minute),
		queues:     map[string]*queue.Queue{},
		retained:   map[string]*message.Message{},
		expiryStop: make(chan struct{}),
	}
	e.clients = client.NewTable(store, e.publishWill)

	if opts.ExpiryInterval > 0 {
		e.expiryWG.Add(1)
		go e.expiryLoop(opts.ExpiryInterval)
	}
	return e, nil
}

// Start runs recovery replay. Must be called once, before
// StartMessaging.
func (e *Engine) Start() error {
	rec := newRecovery(e)
	if err := e.store.Recover(rec); err != nil {
		return fmt.Errorf("engine: recovery failed: %w", err)
	}
	rec.finish()
	e.log.Info("recovery complete",
		slog.Int("clients", rec.clients),
		slog.Int("subscriptions", rec.subscriptions),
		slog.Int("messages", rec.messages),
		slog.Int("deliveries", rec.deliveries),
		slog.Int("transactions", rec.transactions))
	return nil
}

// StartMessaging opens the gate for client-visible traffic. Operations
// that move messages fail with ErrMessagingNotStarted before this.
func (e *Engine) StartMessaging() {
	e.messaging.Store(true)
	e.log.Info("messaging started")
}

// Messaging reports whether client-visible traffic is enabled.
func (e *Engine) Messaging() bool {
	return e.messaging.Load()
}

// SetDeliveryFailureFunc registers the global delivery-failure
// notification, invoked when any consumer is auto-paused.
func (e *Engine) SetDeliveryFailureFunc(fn queue.FailureFunc) {
	e.onDeliveryFailure = fn
}

// Shutdown drains and stops the engine. The store is closed last.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.messaging.Store(false)

	close(e.expiryStop)
	e.expiryWG.Wait()

	e.mu.Lock()
	queues := make([]*queue.Queue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.queues = map[string]*queue.Queue{}
	retained := e.retained
	e.retained = map[string]*message.Message{}
	e.mu.Unlock()

	// Detach consumers via their owning sessions first.
	for _, state := range e.clients.Snapshot() {
		for _, sess := range state.Sessions() {
			if err := sess.Destroy(); err != nil {
				e.log.Warn("session teardown failed", slog.String("error", err.Error()))
			}
		}
	}
	for _, q := range queues {
		if err := q.Destroy(queue.DestroyOptions{Discard: true}); err != nil {
			e.log.Warn("queue teardown failed",
				slog.String("queue", q.Name()), slog.String("error", err.Error()))
		}
	}
	for _, msg := range retained {
		msg.Release()
	}

	e.limiter.Stop()
	e.pool.Release()

	if err := e.store.Close(); err != nil {
		return fmt.Errorf("engine: store close: %w", err)
	}
	e.log.Info("engine stopped")
	return nil
}

// checkLive gates mutating operations.
func (e *Engine) checkLive() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.messaging.Load() {
		return ErrMessagingNotStarted
	}
	return nil
}

// CreateClientState registers a client identity. With the steal option
// set, an existing holder of the id is taken over; its steal callback
// completes before this call returns.
func (e *Engine) CreateClientState(clientID string, opts client.Options) (*client.State, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if _, err := e.auth.Authorize(clientID, ActionCreateClient, clientID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAuthorized, err)
	}

	state, err := e.clients.Create(clientID, opts)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ClientAdded()
	}
	e.log.Debug("client-state created", slog.String("client_id", clientID),
		slog.Bool("durable", opts.Durable))
	return state, nil
}

// DestroyClientState removes a client identity. Non-graceful teardown
// publishes the will message.
func (e *Engine) DestroyClientState(clientID string, graceful, discardDurable bool) error {
	if err := e.clients.Destroy(clientID, graceful, discardDurable); err != nil {
		return err
	}
	e.limiter.Forget(clientID)
	if e.metrics != nil {
		e.metrics.ClientRemoved()
	}
	return nil
}

// ClientState looks up a live client-state.
func (e *Engine) ClientState(clientID string) (*client.State, error) {
	return e.clients.Get(clientID)
}

// CreateSession opens a protocol session on a client-state. Delivery is
// gated until the session's StartDelivery.
func (e *Engine) CreateSession(state *client.State) (*client.Session, error) {
	sess, err := state.CreateSession()
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.SessionAdded()
	}
	return sess, nil
}

// DestroySession tears down a session and everything it owns.
func (e *Engine) DestroySession(sess *client.Session) error {
	err := sess.Destroy()
	if e.metrics != nil {
		e.metrics.SessionRemoved()
	}
	return err
}

// publishWill publishes a client's will message during teardown. Wired
// into the client table.
func (e *Engine) publishWill(clientID string, will *client.WillMessage) {
	if e.closed.Load() {
		return
	}
	msg, err := message.New(will.Topic, will.Payload, message.Options{
		Reliability: message.AtLeastOnce,
	}, e.limits)
	if err != nil {
		e.log.Warn("will message rejected",
			slog.String("client_id", clientID), slog.String("error", err.Error()))
		return
	}
	defer msg.Release()

	if _, err := e.put(msg, nil); err != nil {
		e.log.Warn("will message publish failed",
			slog.String("client_id", clientID), slog.String("error", err.Error()))
	}
}

// expiryLoop periodically discards expired buffered messages.
func (e *Engine) expiryLoop(interval time.Duration) {
	defer e.expiryWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.expiryStop:
			return
		case <-ticker.C:
			e.ExpireMessages(time.Now())
		}
	}
}

// ExpireMessages sweeps all queues for expired buffered messages,
// returning the total discarded.
func (e *Engine) ExpireMessages(now time.Time) int {
	e.mu.RLock()
	queues := make([]*queue.Queue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.RUnlock()

	total := 0
	for _, q := range queues {
		total += q.ExpireRecords(now)
	}
	if total > 0 {
		if e.metrics != nil {
			e.metrics.RecordExpired(int64(total))
		}
		e.log.Debug("expired buffered messages", slog.Int("count", total))
	}
	return total
}
