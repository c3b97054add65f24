// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/absmach/tranmq/queue"
	"github.com/absmach/tranmq/transaction"
)

// QueueSnapshot is a point-in-time view of one queue. Snapshots are
// approximations: they are not transactionally consistent with
// concurrent mutation.
type QueueSnapshot struct {
	Name      string
	Topic     string
	Shared    bool
	Durable   bool
	Consumers int
	Stats     queue.StatsSnapshot
}

// QueueFilter selects queues for a snapshot query. Zero values match
// everything.
type QueueFilter struct {
	NamePrefix  string
	MinBuffered int64
	DurableOnly bool
}

// QueueSortKey orders snapshot results.
type QueueSortKey int

const (
	// SortByName orders lexically.
	SortByName QueueSortKey = iota
	// SortByBuffered orders by descending buffered depth.
	SortByBuffered
	// SortByEnqueued orders by descending total enqueued.
	SortByEnqueued
)

// QueueSnapshots returns filtered, sorted queue statistics. A positive
// limit truncates the result.
func (e *Engine) QueueSnapshots(filter QueueFilter, key QueueSortKey, limit int) []QueueSnapshot {
	e.mu.RLock()
	queues := make([]*queue.Queue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.RUnlock()

	out := make([]QueueSnapshot, 0, len(queues))
	for _, q := range queues {
		cfg := q.Config()
		if filter.NamePrefix != "" && !strings.HasPrefix(cfg.Name, filter.NamePrefix) {
			continue
		}
		if filter.DurableOnly && !cfg.Durable {
			continue
		}
		stats := q.Snapshot()
		if stats.Buffered < filter.MinBuffered {
			continue
		}
		out = append(out, QueueSnapshot{
			Name:      cfg.Name,
			Topic:     cfg.Topic,
			Shared:    cfg.Shared,
			Durable:   cfg.Durable,
			Consumers: q.ConsumerCount(),
			Stats:     stats,
		})
	}

	switch key {
	case SortByBuffered:
		sort.Slice(out, func(i, j int) bool { return out[i].Stats.Buffered > out[j].Stats.Buffered })
	case SortByEnqueued:
		sort.Slice(out, func(i, j int) bool { return out[i].Stats.Enqueued > out[j].Stats.Enqueued })
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TransactionSnapshot is a point-in-time view of one global
// transaction branch.
type TransactionSnapshot struct {
	XID            string
	State          transaction.State
	StateChangedAt time.Time
}

// TransactionSnapshots returns the global transactions ordered oldest
// state change first, the order an operator resolving stuck branches
// wants.
func (e *Engine) TransactionSnapshots(limit int) []TransactionSnapshot {
	txs := e.txns.InDoubt()

	out := make([]TransactionSnapshot, 0, len(txs))
	for _, tx := range txs {
		out = append(out, TransactionSnapshot{
			XID:            tx.XID().String(),
			State:          tx.State(),
			StateChangedAt: tx.StateChangedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StateChangedAt.Before(out[j].StateChangedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ClientSnapshot is a point-in-time view of one client-state.
type ClientSnapshot struct {
	ClientID     string
	Durable      bool
	Sessions     int
	Unreleased   int
	LastActiveAt time.Time
}

// ClientSnapshots returns the client-states ordered by id.
func (e *Engine) ClientSnapshots() []ClientSnapshot {
	states := e.clients.Snapshot()

	out := make([]ClientSnapshot, 0, len(states))
	for _, s := range states {
		out = append(out, ClientSnapshot{
			ClientID:     s.ID(),
			Durable:      s.Durable(),
			Sessions:     len(s.Sessions()),
			Unreleased:   len(s.Unreleased()),
			LastActiveAt: s.LastActiveAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
