package txn

import (
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// StateMirror is the advisory cache collaborator: the coordinator mirrors
// each active transaction's status under its id with a TTL matching the
// transaction's own timeout, and deletes the entry when the transaction
// finishes. The mirror is for cross-process visibility only and is not
// required for correctness.
type StateMirror interface {
	Put(txnID string, status Status, ttl time.Duration)
	Delete(txnID string)
}

// NopMirror discards all mirror writes.
type NopMirror struct{}

func (NopMirror) Put(string, Status, time.Duration) {}
func (NopMirror) Delete(string)                     {}

// ExpireMirror keeps the mirrored statuses in an expiring in-process map.
type ExpireMirror struct {
	entries *expiremap.ExpireMap[string, Status]
}

// NewExpireMirror creates a mirror whose entries are culled every
// cullInterval and default to defaultTTL when a transaction has no timeout.
func NewExpireMirror(cullInterval, defaultTTL time.Duration) *ExpireMirror {
	return &ExpireMirror{
		entries: expiremap.NewEx[string, Status](cullInterval, defaultTTL),
	}
}

func (m *ExpireMirror) Put(txnID string, status Status, ttl time.Duration) {
	if ttl <= 0 {
		m.entries.Set(txnID, status)
		return
	}
	m.entries.SetEx(txnID, status, ttl)
}

func (m *ExpireMirror) Delete(txnID string) {
	m.entries.Delete(txnID)
}

// Get returns the mirrored status of a transaction, if still present.
func (m *ExpireMirror) Get(txnID string) (Status, bool) {
	s, ok := m.entries.Load(txnID)
	if !ok || s == nil {
		return Status{}, false
	}
	return *s, true
}

// Len returns the number of live mirror entries.
func (m *ExpireMirror) Len() int {
	return m.entries.Length()
}
