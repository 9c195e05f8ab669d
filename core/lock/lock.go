// Package lock implements the coordinator's in-memory lock table and the
// wait-for graph used for deadlock detection. Resource keys are
// "entityType:entityID" strings; a key carries at most one table entry at a
// time, which is either a single exclusive holder or a set of compatible
// shared holders.
package lock

import (
	"errors"
	"time"
)

// Mode is the lock mode requested by or granted to a transaction.
type Mode int

const (
	// Shared locks are compatible with other shared locks.
	Shared Mode = iota
	// Exclusive locks conflict with every other lock on the same key.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Key identifies a lockable resource ("entityType:entityID").
type Key string

// ErrWaitTimeout is returned when a lock could not be acquired before the
// acquisition deadline. The coordinator maps it to a retryable LOCK_TIMEOUT.
var ErrWaitTimeout = errors.New("lock: wait timed out")

// ErrWaitCancelled is returned when a blocked acquisition is abandoned
// because its transaction was finished, e.g. force-rolled-back as a deadlock
// victim while waiting.
var ErrWaitCancelled = errors.New("lock: wait cancelled")

// holder records one transaction's grant inside an entry.
type holder struct {
	userID     string
	acquiredAt time.Time
}

// entry is the single lock-table record for a key. Mode Exclusive implies
// exactly one holder.
type entry struct {
	mode      Mode
	holders   map[string]holder
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

func (e *entry) heldBy(txnID string) bool {
	_, ok := e.holders[txnID]
	return ok
}

func (e *entry) soleHolder(txnID string) bool {
	return len(e.holders) == 1 && e.heldBy(txnID)
}

// compatible reports whether a new request of mode m by requester can join
// this entry. Shared joins shared; everything else conflicts.
func (e *entry) compatible(m Mode) bool {
	return e.mode == Shared && m == Shared
}

func (e *entry) holderIDs() []string {
	ids := make([]string, 0, len(e.holders))
	for id := range e.holders {
		ids = append(ids, id)
	}
	return ids
}

// waiter is one blocked acquisition. wake is buffered so a release never
// blocks on a waiter that already gave up. cancelled is guarded by the
// table mutex.
type waiter struct {
	txnID     string
	mode      Mode
	wake      chan struct{}
	cancelled bool
}
