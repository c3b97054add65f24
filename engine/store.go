// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/tranmq/storage"
)

// breakerStore wraps a store with a circuit breaker around unit-of-work
// commits, shedding load from a persistently failing store instead of
// queueing doomed work behind it.
type breakerStore struct {
	storage.Store
	cb *gobreaker.CircuitBreaker
}

func newBreakerStore(inner storage.Store, name string) *breakerStore {
	return &breakerStore{
		Store: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *breakerStore) Begin() (storage.UnitOfWork, error) {
	uow, err := s.Store.Begin()
	if err != nil {
		return nil, err
	}
	return &breakerUOW{UnitOfWork: uow, cb: s.cb}, nil
}

type breakerUOW struct {
	storage.UnitOfWork
	cb *gobreaker.CircuitBreaker
}

func (u *breakerUOW) Commit() error {
	_, err := u.cb.Execute(func() (any, error) {
		return nil, u.UnitOfWork.Commit()
	})
	return err
}
