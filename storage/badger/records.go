// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/tranmq/storage"
)

// storedMessage is the on-disk form of a storage.MessageRecord. Payload
// bytes live in Payload; Compressed marks zstd encoding.
type storedMessage struct {
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	Payload     []byte            `json:"payload,omitempty"`
	Compressed  bool              `json:"compressed,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Reliability byte              `json:"reliability"`
	Priority    uint8             `json:"priority"`
	Retained    bool              `json:"retained,omitempty"`
	Expiry      time.Time         `json:"expiry,omitempty"`
	PublishTime time.Time         `json:"publish_time"`
}

var _ storage.UnitOfWork = (*unitOfWork)(nil)

// unitOfWork wraps a badger read-write transaction.
type unitOfWork struct {
	txn   *badger.Txn
	codec *payloadCodec
	done  bool
}

func (u *unitOfWork) set(key string, v any) error {
	if u.done {
		return storage.ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return u.txn.Set([]byte(key), data)
}

func (u *unitOfWork) delete(key string) error {
	if u.done {
		return storage.ErrClosed
	}
	return u.txn.Delete([]byte(key))
}

func (u *unitOfWork) PutMessage(rec *storage.MessageRecord) error {
	payload, compressed := u.codec.encode(rec.Payload)
	return u.set(prefixMessage+rec.ID, &storedMessage{
		ID:          rec.ID,
		Destination: rec.Destination,
		Payload:     payload,
		Compressed:  compressed,
		Properties:  rec.Properties,
		Reliability: rec.Reliability,
		Priority:    rec.Priority,
		Retained:    rec.Retained,
		Expiry:      rec.Expiry,
		PublishTime: rec.PublishTime,
	})
}

func (u *unitOfWork) DeleteMessage(id string) error {
	return u.delete(prefixMessage + id)
}

func (u *unitOfWork) PutDelivery(rec *storage.DeliveryRecord) error {
	return u.set(prefixDelivery+rec.ID, rec)
}

func (u *unitOfWork) DeleteDelivery(id string) error {
	return u.delete(prefixDelivery + id)
}

func (u *unitOfWork) PutTransaction(rec *storage.TransactionRecord) error {
	return u.set(prefixTransaction+rec.XID, rec)
}

func (u *unitOfWork) DeleteTransaction(xid string) error {
	return u.delete(prefixTransaction + xid)
}

func (u *unitOfWork) Commit() error {
	if u.done {
		return storage.ErrClosed
	}
	u.done = true
	return u.txn.Commit()
}

func (u *unitOfWork) Rollback() error {
	if u.done {
		return storage.ErrClosed
	}
	u.done = true
	u.txn.Discard()
	return nil
}

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore persists subscription definitions.
type SubscriptionStore struct {
	db *badger.DB
}

func (s *SubscriptionStore) Save(rec *storage.SubscriptionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixSubscription+rec.Name), data)
	})
}

func (s *SubscriptionStore) Delete(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixSubscription + name))
	})
}

func (s *SubscriptionStore) List() ([]*storage.SubscriptionRecord, error) {
	var out []*storage.SubscriptionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixSubscription, func(val []byte) error {
			var rec storage.SubscriptionRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

var _ storage.ClientStore = (*ClientStore)(nil)

// ClientStore persists durable client-states.
type ClientStore struct {
	db *badger.DB
}

func (s *ClientStore) Save(rec *storage.ClientRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal client record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixClient+rec.ClientID), data)
	})
}

func (s *ClientStore) Get(clientID string) (*storage.ClientRecord, error) {
	var rec *storage.ClientRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixClient + clientID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			rec = &storage.ClientRecord{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *ClientStore) Delete(clientID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixClient + clientID))
	})
}

func (s *ClientStore) List() ([]*storage.ClientRecord, error) {
	var out []*storage.ClientRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixClient, func(val []byte) error {
			var rec storage.ClientRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// Recover replays persisted records in dependency order: clients,
// subscriptions, messages, deliveries, prepared transactions.
func (s *Store) Recover(h storage.RecoveryHandler) error {
	return s.db.View(func(txn *badger.Txn) error {
		if err := iteratePrefix(txn, prefixClient, func(val []byte) error {
			var rec storage.ClientRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			return h.OnClient(&rec)
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixSubscription, func(val []byte) error {
			var rec storage.SubscriptionRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			return h.OnSubscription(&rec)
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixMessage, func(val []byte) error {
			var stored storedMessage
			if err := json.Unmarshal(val, &stored); err != nil {
				return err
			}
			payload, err := s.codec.decode(stored.Payload, stored.Compressed)
			if err != nil {
				return fmt.Errorf("failed to decode payload: %w", err)
			}
			return h.OnMessage(&storage.MessageRecord{
				ID:          stored.ID,
				Destination: stored.Destination,
				Payload:     payload,
				Properties:  stored.Properties,
				Reliability: stored.Reliability,
				Priority:    stored.Priority,
				Retained:    stored.Retained,
				Expiry:      stored.Expiry,
				PublishTime: stored.PublishTime,
			})
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixDelivery, func(val []byte) error {
			var rec storage.DeliveryRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			return h.OnDelivery(&rec)
		}); err != nil {
			return err
		}

		return iteratePrefix(txn, prefixTransaction, func(val []byte) error {
			var rec storage.TransactionRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			return h.OnTransaction(&rec)
		})
	})
}

// iteratePrefix invokes fn with the value of every key under prefix.
func iteratePrefix(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
