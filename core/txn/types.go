// Package txn implements the SIGEDEM transaction coordinator: an in-process
// component that groups entity mutations into atomic units with lock-based
// isolation, version-stamp conflict detection, deadlock detection with
// youngest-victim selection, LIFO rollback and a pluggable two-phase-commit
// transport for multi-participant scenarios.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/sigedem/txcoord/core/lock"
)

// EntityType enumerates the record kinds managed by SIGEDEM.
type EntityType string

const (
	EntityDemanda    EntityType = "demanda"
	EntityDocumento  EntityType = "documento"
	EntityOrgao      EntityType = "orgao"
	EntityAssunto    EntityType = "assunto"
	EntityProvedor   EntityType = "provedor"
	EntityAutoridade EntityType = "autoridade"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityDemanda, EntityDocumento, EntityOrgao, EntityAssunto,
		EntityProvedor, EntityAutoridade:
		return true
	}
	return false
}

// OperationKind is the logical mutation a single operation performs.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpRead   OperationKind = "read"
)

// IsolationLevel is carried on the transaction record. The lock table
// enforces the same shared/exclusive discipline for every level; the level
// is recorded for observability and for the stores that honour it.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "read_uncommitted"
	ReadCommitted   IsolationLevel = "read_committed"
	RepeatableRead  IsolationLevel = "repeatable_read"
	Serializable    IsolationLevel = "serializable"
)

// Image is the before/after snapshot of an entity's fields.
type Image map[string]any

// Operation is one logical entity mutation inside a transaction. Operations
// are immutable once appended to a transaction's log.
type Operation struct {
	ID       string
	Kind     OperationKind
	Entity   EntityType
	EntityID string
	Before   Image
	After    Image
	// BaseVersion is the entity version the caller read before mutating.
	// Zero skips the conflict check (creates, or callers without a read).
	BaseVersion uint64
	Timestamp   time.Time
	UserID      string
	Metadata    map[string]string
}

// ResourceKey is the lock-table key for the operation's target entity.
func (o Operation) ResourceKey() lock.Key {
	return lock.Key(fmt.Sprintf("%s:%s", o.Entity, o.EntityID))
}

// Transaction states.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StatePreparing = "preparing"
	StateCommitted = "committed"
	StateAborted   = "aborted"
	StateFailed    = "failed"
)

// State machine events.
const (
	eventActivate = "activate"
	eventPrepare  = "prepare"
	eventCommit   = "commit"
	eventAbort    = "abort"
	eventFail     = "fail"
)

func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: eventActivate, Src: []string{StatePending}, Dst: StateActive},
			{Name: eventPrepare, Src: []string{StateActive}, Dst: StatePreparing},
			{Name: eventCommit, Src: []string{StatePreparing}, Dst: StateCommitted},
			{Name: eventAbort, Src: []string{StateActive, StatePreparing}, Dst: StateAborted},
			{Name: eventFail, Src: []string{StateAborted}, Dst: StateFailed},
		},
		fsm.Callbacks{},
	)
}

// Transaction is the coordinator's record of one atomic unit. It is owned by
// the coordinator's record store and must only be mutated through the
// coordinator; external readers observe it via Status snapshots.
type Transaction struct {
	mu      sync.Mutex
	machine *fsm.FSM

	ID           string
	Isolation    IsolationLevel
	Operations   []Operation
	StartedAt    time.Time
	LastActivity time.Time
	Timeout      time.Duration
	UserID       string
	SessionID    string

	Name         string
	Priority     int
	RetryCount   int
	MaxRetries   int
	Participants []string
}

// State returns the current state-machine state.
func (t *Transaction) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.Current()
}

// transition fires a state-machine event, translating a rejected transition
// into an INVALID_STATE error.
func (t *Transaction) transition(ctx context.Context, event string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.machine.Event(ctx, event); err != nil {
		return wrapError(ErrInvalidState, t.ID,
			fmt.Sprintf("cannot %s from state %s", event, t.machine.Current()), err)
	}
	return nil
}

func (t *Transaction) appendOperation(op Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Operations = append(t.Operations, op)
	t.LastActivity = time.Now()
}

func (t *Transaction) operationsSnapshot() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]Operation, len(t.Operations))
	copy(ops, t.Operations)
	return ops
}

// Status is the read-only snapshot exposed to external observers and
// mirrored into the advisory cache.
type Status struct {
	ID             string        `json:"id"`
	State          string        `json:"state"`
	Isolation      string        `json:"isolation"`
	OperationCount int           `json:"operation_count"`
	Locks          []string      `json:"locks"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivity   time.Time     `json:"last_activity"`
	Timeout        time.Duration `json:"timeout"`
	UserID         string        `json:"user_id"`
	SessionID      string        `json:"session_id"`
	Name           string        `json:"name,omitempty"`
	Priority       int           `json:"priority,omitempty"`
}

func (t *Transaction) status(held []lock.Key) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	locks := make([]string, 0, len(held))
	for _, k := range held {
		locks = append(locks, string(k))
	}
	return Status{
		ID:             t.ID,
		State:          t.machine.Current(),
		Isolation:      string(t.Isolation),
		OperationCount: len(t.Operations),
		Locks:          locks,
		StartedAt:      t.StartedAt,
		LastActivity:   t.LastActivity,
		Timeout:        t.Timeout,
		UserID:         t.UserID,
		SessionID:      t.SessionID,
		Name:           t.Name,
		Priority:       t.Priority,
	}
}

// AffectedEntity describes one entity touched by a committed or rolled-back
// transaction.
type AffectedEntity struct {
	Entity   EntityType    `json:"entity"`
	EntityID string        `json:"entity_id"`
	Kind     OperationKind `json:"kind"`
}

// Metrics summarizes a finished transaction.
type Metrics struct {
	Duration       time.Duration `json:"duration"`
	OperationCount int           `json:"operation_count"`
}

// CommitResult is returned by Commit.
type CommitResult struct {
	Success          bool             `json:"success"`
	TransactionID    string           `json:"transaction_id"`
	AffectedEntities []AffectedEntity `json:"affected_entities"`
	Metrics          Metrics          `json:"metrics"`
}

// RollbackResult is returned by Rollback.
type RollbackResult struct {
	Success            bool             `json:"success"`
	TransactionID      string           `json:"transaction_id"`
	RollbackOperations []Operation      `json:"rollback_operations"`
	AffectedEntities   []AffectedEntity `json:"affected_entities"`
	Metrics            Metrics          `json:"metrics"`
}

// newTransactionID builds a collision-resistant id from the wall clock and a
// random suffix.
func newTransactionID() string {
	return fmt.Sprintf("txn_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

func newOperationID() string {
	return fmt.Sprintf("op_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
