// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed storage.Store. Records are
// stored as JSON under typed key prefixes; message payloads above a
// threshold are zstd-compressed.
package badger

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/absmach/tranmq/storage"
)

// Key prefixes for the record types.
const (
	prefixMessage      = "msg/"
	prefixDelivery     = "dlv/"
	prefixTransaction  = "txn/"
	prefixSubscription = "sub/"
	prefixClient       = "cli/"
)

var _ storage.Store = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data

	// SyncWrites fsyncs every commit. Required for the durability
	// guarantees of persistent messages; disable only for testing.
	SyncWrites bool

	// CompressionThreshold is the payload size in bytes above which
	// zstd compression is applied. Zero uses the default (1KB).
	CompressionThreshold int
}

// Store is the composite BadgerDB store.
type Store struct {
	db    *badger.DB
	codec *payloadCodec

	subscriptions *SubscriptionStore
	clients       *ClientStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	threshold := cfg.CompressionThreshold
	if threshold <= 0 {
		threshold = 1024
	}
	codec, err := newPayloadCodec(threshold)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		codec:    codec,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	s.subscriptions = &SubscriptionStore{db: db}
	s.clients = &ClientStore{db: db}

	go s.runGC()

	return s, nil
}

// Begin opens a durable unit of work backed by a badger transaction.
// Badger commits are atomic, so a failed commit never leaves partial
// persistence and is reported as a clean failure.
func (s *Store) Begin() (storage.UnitOfWork, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, storage.ErrClosed
	}
	return &unitOfWork{txn: s.db.NewTransaction(true), codec: s.codec}, nil
}

// Subscriptions returns the subscription-definition store.
func (s *Store) Subscriptions() storage.SubscriptionStore {
	return s.subscriptions
}

// Clients returns the client-state store.
func (s *Store) Clients() storage.ClientStore {
	return s.clients
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	s.codec.close()
	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns ErrNoRewrite when there is nothing to collect.
			for s.db.RunValueLogGC(0.5) == nil {
			}
		case <-s.gcStopCh:
			return
		}
	}
}

// payloadCodec applies zstd compression to payloads above the threshold.
type payloadCodec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newPayloadCodec(threshold int) (*payloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &payloadCodec{threshold: threshold, enc: enc, dec: dec}, nil
}

// encode returns the (possibly compressed) payload and a marker flag.
func (c *payloadCodec) encode(payload []byte) ([]byte, bool) {
	if len(payload) < c.threshold {
		return payload, false
	}
	return c.enc.EncodeAll(payload, nil), true
}

func (c *payloadCodec) decode(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	return c.dec.DecodeAll(data, nil)
}

func (c *payloadCodec) close() {
	c.enc.Close()
	c.dec.Close()
}
