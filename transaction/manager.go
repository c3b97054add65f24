// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"errors"
	"sort"
	"sync"

	"github.com/absmach/tranmq/storage"
)

// Manager errors.
var (
	ErrDuplicateXID   = errors.New("global transaction already exists for XID")
	ErrXIDNotFound    = errors.New("no global transaction for XID")
	ErrScanInProgress = errors.New("recovery scan already in progress for session")
	ErrNoScan         = errors.New("no recovery scan in progress for session")
)

// ScanFlag controls XARecover paging.
type ScanFlag int

const (
	// ScanStart begins a new scan, replacing any finished one.
	ScanStart ScanFlag = iota
	// ScanContinue resumes the scan from the previous position.
	ScanContinue
	// ScanEnd terminates the scan without reading further.
	ScanEnd
)

// Manager owns the global transaction table keyed by XID.
type Manager struct {
	mu     sync.Mutex
	store  storage.Store
	global map[string]*Transaction

	// Per-session recovery scan cursors. A session may run at most one
	// scan at a time.
	scans map[any]*scanCursor
}

type scanCursor struct {
	xids []string
	pos  int
}

// NewManager creates a global transaction manager.
func NewManager(store storage.Store) *Manager {
	return &Manager{
		store:  store,
		global: make(map[string]*Transaction),
		scans:  make(map[any]*scanCursor),
	}
}

// Create registers a new global transaction branch associated with the
// session token. With resume set, an existing suspended branch for the
// XID is re-associated instead.
func (m *Manager) Create(xid *XID, session any, resume bool) (*Transaction, error) {
	key := xid.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.global[key]; ok {
		if resume {
			if err := existing.Associate(session, true); err != nil {
				return nil, err
			}
			return existing, nil
		}
		return nil, ErrDuplicateXID
	}
	if resume {
		return nil, ErrXIDNotFound
	}

	t := NewGlobal(m.store, xid, session)
	m.global[key] = t
	return t, nil
}

// Get returns the branch for the XID.
func (m *Manager) Get(xid *XID) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.global[xid.String()]
	if !ok {
		return nil, ErrXIDNotFound
	}
	return t, nil
}

// Remove drops a completed branch from the table.
func (m *Manager) Remove(xid *XID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.global, xid.String())
}

// Restore re-registers an in-doubt or heuristically completed branch
// found during recovery replay.
func (m *Manager) Restore(rec *storage.TransactionRecord) (*Transaction, error) {
	xid, err := ParseXID(rec.XID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := restore(m.store, xid, State(rec.State))
	m.global[rec.XID] = t
	return t, nil
}

// InDoubt returns all branches currently prepared or heuristically
// completed, in XID order.
func (m *Manager) InDoubt() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inDoubtLocked()
}

func (m *Manager) inDoubtLocked() []*Transaction {
	keys := make([]string, 0, len(m.global))
	for key, t := range m.global {
		switch t.State() {
		case StatePrepared, StateHeuristicCommit, StateHeuristicRollback:
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make([]*Transaction, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.global[key])
	}
	return out
}

// Recover implements the XARecover paging protocol: the session opens a
// scan over the in-doubt XID set and drains it in pages of max entries.
// A short (or empty) page means the scan is complete and the cursor is
// released. Concurrent scans on one session are rejected.
func (m *Manager) Recover(session any, flag ScanFlag, max int) ([]*XID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch flag {
	case ScanStart:
		if _, ok := m.scans[session]; ok {
			return nil, ErrScanInProgress
		}
		inDoubt := m.inDoubtLocked()
		xids := make([]string, 0, len(inDoubt))
		for _, t := range inDoubt {
			xids = append(xids, t.xid.String())
		}
		m.scans[session] = &scanCursor{xids: xids}
	case ScanContinue:
		if _, ok := m.scans[session]; !ok {
			return nil, ErrNoScan
		}
	case ScanEnd:
		delete(m.scans, session)
		return nil, nil
	}

	cursor := m.scans[session]
	remaining := len(cursor.xids) - cursor.pos
	n := remaining
	if max > 0 && max < n {
		n = max
	}

	out := make([]*XID, 0, n)
	for i := 0; i < n; i++ {
		xid, err := ParseXID(cursor.xids[cursor.pos+i])
		if err != nil {
			delete(m.scans, session)
			return nil, err
		}
		out = append(out, xid)
	}
	cursor.pos += n

	if cursor.pos >= len(cursor.xids) {
		delete(m.scans, session)
	}
	return out, nil
}

// Count returns the number of registered global branches.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.global)
}
