package lock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Table is the process-wide lock table. Acquisition on conflict blocks the
// caller on a per-key waiter channel that is signalled when the conflicting
// entry is released or retired as stale; there is no polling loop.
type Table struct {
	mu      sync.Mutex
	entries map[Key]*entry
	byTxn   map[string]map[Key]struct{}
	waiters map[Key][]*waiter

	graph  *WaitGraph
	ttl    time.Duration
	logger *zap.Logger
}

// NewTable creates a lock table whose grants live for ttl before being
// treated as stale. The wait-for graph is shared with the deadlock detector.
func NewTable(ttl time.Duration, graph *WaitGraph, logger *zap.Logger) *Table {
	return &Table{
		entries: make(map[Key]*entry),
		byTxn:   make(map[string]map[Key]struct{}),
		waiters: make(map[Key][]*waiter),
		graph:   graph,
		ttl:     ttl,
		logger:  logger,
	}
}

// Acquire takes a lock on key for txnID, blocking while a conflicting lock
// is held. It returns ErrWaitTimeout if the lock cannot be acquired within
// timeout, or the context error if ctx is cancelled first. A transaction
// already holding a sufficient lock on key returns immediately; a sole
// shared holder requesting exclusive is upgraded in place.
func (t *Table) Acquire(ctx context.Context, txnID, userID string, key Key, mode Mode, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var w *waiter

	for {
		now := time.Now()
		t.mu.Lock()
		if w != nil && w.cancelled {
			t.removeWaiterLocked(key, w)
			t.graph.RemoveWaiter(txnID)
			t.mu.Unlock()
			return ErrWaitCancelled
		}
		t.dropIfExpiredLocked(key, now)

		e, held := t.entries[key]
		switch {
		case !held:
			t.grantLocked(txnID, userID, key, mode, now)
			t.finishWaitLocked(txnID, key, w)
			t.mu.Unlock()
			return nil

		case e.heldBy(txnID) && (e.mode == Exclusive || mode == Shared):
			// Already holds a sufficient lock.
			t.finishWaitLocked(txnID, key, w)
			t.mu.Unlock()
			return nil

		case e.heldBy(txnID) && mode == Exclusive && e.soleHolder(txnID):
			e.mode = Exclusive
			e.expiresAt = now.Add(t.ttl)
			t.finishWaitLocked(txnID, key, w)
			t.mu.Unlock()
			return nil

		case !e.heldBy(txnID) && e.compatible(mode):
			e.holders[txnID] = holder{userID: userID, acquiredAt: now}
			if exp := now.Add(t.ttl); exp.After(e.expiresAt) {
				e.expiresAt = exp
			}
			t.recordHeldLocked(txnID, key)
			t.finishWaitLocked(txnID, key, w)
			t.mu.Unlock()
			return nil
		}

		// Conflict: register as waiter and record wait-for edges.
		if w == nil {
			w = &waiter{txnID: txnID, mode: mode, wake: make(chan struct{}, 1)}
			t.waiters[key] = append(t.waiters[key], w)
		}
		for _, h := range e.holderIDs() {
			if h != txnID {
				t.graph.AddEdge(txnID, h)
			}
		}
		holderExpiry := e.expiresAt
		t.mu.Unlock()

		// Sleep until the holder's expiry, the acquisition deadline or a
		// release signal, whichever comes first.
		wakeAt := deadline
		if holderExpiry.Before(wakeAt) {
			wakeAt = holderExpiry
		}
		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
			if !time.Now().Before(deadline) {
				t.abandonWait(txnID, key, w)
				return ErrWaitTimeout
			}
		case <-ctx.Done():
			timer.Stop()
			t.abandonWait(txnID, key, w)
			return ctx.Err()
		}
	}
}

// Release drops txnID's grant on key, waking any waiters.
func (t *Table) Release(txnID string, key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(txnID, key)
}

// ReleaseAll drops every grant held by txnID, cancels its pending
// acquisitions, prunes all of its wait-graph edges and wakes the waiters of
// each affected key. It returns the released keys.
func (t *Table) ReleaseAll(txnID string) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]Key, 0, len(t.byTxn[txnID]))
	for key := range t.byTxn[txnID] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		t.releaseLocked(txnID, key)
	}
	for _, queue := range t.waiters {
		for _, w := range queue {
			if w.txnID == txnID {
				w.cancelled = true
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		}
	}
	t.graph.RemoveTransaction(txnID)
	return keys
}

// HeldKeys returns the keys currently held by txnID.
func (t *Table) HeldKeys(txnID string) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]Key, 0, len(t.byTxn[txnID]))
	for key := range t.byTxn[txnID] {
		keys = append(keys, key)
	}
	return keys
}

// Holders returns the transaction ids holding key, and the entry's mode.
// ok is false when the key is unlocked (or its entry has gone stale).
func (t *Table) Holders(key Key) (ids []string, mode Mode, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dropIfExpiredLocked(key, time.Now())
	e, held := t.entries[key]
	if !held {
		return nil, Shared, false
	}
	return e.holderIDs(), e.mode, true
}

// DropExpired retires every stale entry and wakes its waiters. The
// coordinator calls this from its background sweep; Acquire also retires
// stale entries lazily on access.
func (t *Table) DropExpired() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for key, e := range t.entries {
		if e.expired(now) {
			t.removeEntryLocked(key, e)
			dropped++
		}
	}
	return dropped
}

func (t *Table) grantLocked(txnID, userID string, key Key, mode Mode, now time.Time) {
	t.entries[key] = &entry{
		mode:      mode,
		holders:   map[string]holder{txnID: {userID: userID, acquiredAt: now}},
		expiresAt: now.Add(t.ttl),
	}
	t.recordHeldLocked(txnID, key)
}

func (t *Table) recordHeldLocked(txnID string, key Key) {
	if t.byTxn[txnID] == nil {
		t.byTxn[txnID] = make(map[Key]struct{})
	}
	t.byTxn[txnID][key] = struct{}{}
}

func (t *Table) releaseLocked(txnID string, key Key) {
	if e, held := t.entries[key]; held && e.heldBy(txnID) {
		delete(e.holders, txnID)
		if len(e.holders) == 0 {
			delete(t.entries, key)
		}
		t.wakeWaitersLocked(key)
	}
	if keys, ok := t.byTxn[txnID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.byTxn, txnID)
		}
	}
}

func (t *Table) dropIfExpiredLocked(key Key, now time.Time) {
	e, held := t.entries[key]
	if !held || !e.expired(now) {
		return
	}
	if t.logger != nil {
		t.logger.Debug("dropping stale lock",
			zap.String("key", string(key)),
			zap.Strings("holders", e.holderIDs()))
	}
	t.removeEntryLocked(key, e)
}

func (t *Table) removeEntryLocked(key Key, e *entry) {
	for txnID := range e.holders {
		if keys, ok := t.byTxn[txnID]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(t.byTxn, txnID)
			}
		}
	}
	delete(t.entries, key)
	t.wakeWaitersLocked(key)
}

func (t *Table) wakeWaitersLocked(key Key) {
	for _, w := range t.waiters[key] {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// finishWaitLocked removes the caller's waiter registration after a grant.
func (t *Table) finishWaitLocked(txnID string, key Key, w *waiter) {
	if w == nil {
		return
	}
	t.removeWaiterLocked(key, w)
	t.graph.RemoveWaiter(txnID)
}

func (t *Table) abandonWait(txnID string, key Key, w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeWaiterLocked(key, w)
	t.graph.RemoveWaiter(txnID)
}

func (t *Table) removeWaiterLocked(key Key, w *waiter) {
	queue := t.waiters[key]
	for i, other := range queue {
		if other == w {
			t.waiters[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(t.waiters[key]) == 0 {
		delete(t.waiters, key)
	}
}
