package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/sigedem/txcoord/core/lock"
)

// Config holds the coordinator-wide tunables.
type Config struct {
	// DefaultTimeout is the per-transaction timeout applied when Begin
	// options carry none. It sizes the advisory mirror TTL.
	DefaultTimeout time.Duration
	// LockTimeout bounds every single lock acquisition.
	LockTimeout time.Duration
	// LockTTL is the lifetime of a granted lock before it is stale-dropped.
	LockTTL time.Duration
	// DeadlockInterval is the period of the background deadlock sweep.
	DeadlockInterval time.Duration
	// MaxRetries is the default retry budget for Execute.
	MaxRetries int
	// EnableTwoPhase turns on the two-phase path for transactions with
	// remote participants.
	EnableTwoPhase bool
	// SelfID identifies the local participant in Participants lists.
	SelfID string
}

func (c *Config) setDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	if c.DeadlockInterval <= 0 {
		c.DeadlockInterval = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SelfID == "" {
		c.SelfID = "self"
	}
}

// Dependencies are the coordinator's injected collaborators. Nil fields get
// no-op or in-memory defaults.
type Dependencies struct {
	Logger    *zap.Logger
	Meter     metric.Meter
	Applier   OperationApplier
	Versions  EntityVersions
	Analytics AnalyticsSink
	Mirror    StateMirror
	Transport ParticipantTransport
}

// Options customize one transaction at Begin time.
type Options struct {
	Isolation    IsolationLevel
	Timeout      time.Duration
	Name         string
	Priority     int
	MaxRetries   int
	Participants []string
}

// Stats is a point-in-time counter snapshot. Failed counts transactions in
// the terminal failed state, which stay in the record store awaiting
// out-of-band reconciliation and are not part of Active.
type Stats struct {
	Active     int   `json:"active"`
	Failed     int   `json:"failed"`
	Committed  int64 `json:"committed"`
	RolledBack int64 `json:"rolled_back"`
	Deadlocks  int64 `json:"deadlocks"`
}

// Coordinator orchestrates transactions: locking, conflict checks, commit
// (local or two-phase), rollback and deadlock sweeps. Construct it with
// NewCoordinator and pass it by reference; there is no package-level
// instance.
type Coordinator struct {
	cfg       Config
	logger    *zap.Logger
	applier   OperationApplier
	versions  EntityVersions
	analytics AnalyticsSink
	mirror    StateMirror
	transport ParticipantTransport

	graph *lock.WaitGraph
	locks *lock.Table

	mu      sync.RWMutex
	txns    map[string]*Transaction
	victims map[string]time.Time

	committed  atomic.Int64
	rolledBack atomic.Int64
	deadlocks  atomic.Int64

	activeGauge    metric.Int64UpDownCounter
	committedCtr   metric.Int64Counter
	rolledBackCtr  metric.Int64Counter
	deadlockCtr    metric.Int64Counter
	commitDuration metric.Float64Histogram

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewCoordinator builds a coordinator and starts its background deadlock
// sweep. Call Close to stop it.
func NewCoordinator(cfg Config, deps Dependencies) (*Coordinator, error) {
	cfg.setDefaults()

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Meter == nil {
		deps.Meter = noop.NewMeterProvider().Meter("")
	}
	if deps.Applier == nil {
		versions := NewMemoryVersions()
		deps.Applier = NewMemoryApplier(versions, deps.Logger)
		if deps.Versions == nil {
			deps.Versions = versions
		}
	}
	if deps.Analytics == nil {
		deps.Analytics = NopAnalytics{}
	}
	if deps.Mirror == nil {
		deps.Mirror = NopMirror{}
	}
	if deps.Transport == nil {
		deps.Transport = NewLoopbackTransport(deps.Logger)
	}

	graph := lock.NewWaitGraph()
	c := &Coordinator{
		cfg:       cfg,
		logger:    deps.Logger,
		applier:   deps.Applier,
		versions:  deps.Versions,
		analytics: deps.Analytics,
		mirror:    deps.Mirror,
		transport: deps.Transport,
		graph:     graph,
		locks:     lock.NewTable(cfg.LockTTL, graph, deps.Logger),
		txns:      make(map[string]*Transaction),
		victims:   make(map[string]time.Time),
		done:      make(chan struct{}),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	var err error
	if c.activeGauge, err = deps.Meter.Int64UpDownCounter("txcoord.transactions.active"); err != nil {
		return nil, err
	}
	if c.committedCtr, err = deps.Meter.Int64Counter("txcoord.transactions.committed"); err != nil {
		return nil, err
	}
	if c.rolledBackCtr, err = deps.Meter.Int64Counter("txcoord.transactions.rolled_back"); err != nil {
		return nil, err
	}
	if c.deadlockCtr, err = deps.Meter.Int64Counter("txcoord.deadlocks.detected"); err != nil {
		return nil, err
	}
	if c.commitDuration, err = deps.Meter.Float64Histogram("txcoord.commit.duration_seconds"); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.sweepLoop()
	return c, nil
}

// Begin starts a transaction for the given user/session and returns its id.
func (c *Coordinator) Begin(ctx context.Context, userID, sessionID string, opts *Options) (string, error) {
	t := &Transaction{
		machine:      newStateMachine(),
		ID:           newTransactionID(),
		Isolation:    ReadCommitted,
		StartedAt:    time.Now(),
		LastActivity: time.Now(),
		Timeout:      c.cfg.DefaultTimeout,
		UserID:       userID,
		SessionID:    sessionID,
		MaxRetries:   c.cfg.MaxRetries,
		Participants: []string{c.cfg.SelfID},
	}
	if opts != nil {
		if opts.Isolation != "" {
			t.Isolation = opts.Isolation
		}
		if opts.Timeout > 0 {
			t.Timeout = opts.Timeout
		}
		if opts.MaxRetries > 0 {
			t.MaxRetries = opts.MaxRetries
		}
		if len(opts.Participants) > 0 {
			t.Participants = opts.Participants
		}
		t.Name = opts.Name
		t.Priority = opts.Priority
	}

	if err := t.transition(ctx, eventActivate); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.txns[t.ID] = t
	c.mu.Unlock()

	c.activeGauge.Add(ctx, 1)
	c.mirror.Put(t.ID, t.status(nil), t.Timeout)
	c.analytics.Emit(EventTransactionStarted, map[string]any{
		"transaction_id": t.ID,
		"user_id":        userID,
		"session_id":     sessionID,
		"isolation":      string(t.Isolation),
	})
	c.logger.Debug("transaction started",
		zap.String("txn_id", t.ID), zap.String("user_id", userID))
	return t.ID, nil
}

// AddOperation appends one operation to an active transaction. It acquires
// the entity's lock (shared for reads, exclusive otherwise), blocking up to
// the configured lock timeout, then runs the conflict check and appends the
// fully-populated operation to the log.
func (c *Coordinator) AddOperation(ctx context.Context, txnID string, op Operation) error {
	t, err := c.get(txnID)
	if err != nil {
		return err
	}
	if state := t.State(); state != StateActive {
		return newError(ErrInvalidState, txnID,
			fmt.Sprintf("cannot add operation in state %s", state))
	}
	if !op.Entity.Valid() {
		return newError(ErrInvalidOperation, txnID,
			fmt.Sprintf("unknown entity type %q", op.Entity))
	}
	if op.EntityID == "" {
		return newError(ErrInvalidOperation, txnID, "operation requires an entity id")
	}

	mode := lock.Exclusive
	if op.Kind == OpRead {
		mode = lock.Shared
	}
	key := op.ResourceKey()

	if err := c.locks.Acquire(ctx, txnID, t.UserID, key, mode, c.cfg.LockTimeout); err != nil {
		switch {
		case errors.Is(err, lock.ErrWaitCancelled):
			// The wait was cancelled because the transaction was finished
			// while blocked, e.g. force-rolled-back as a deadlock victim.
			if c.isVictim(txnID) {
				return newError(ErrDeadlock, txnID,
					"transaction was rolled back as a deadlock victim")
			}
			if _, gerr := c.get(txnID); gerr != nil {
				return gerr
			}
			return newError(ErrInvalidState, txnID,
				"transaction finished while waiting for lock")
		case errors.Is(err, lock.ErrWaitTimeout):
			// The transaction may have vanished while blocked; report its
			// fate rather than a plain timeout.
			if _, gerr := c.get(txnID); gerr != nil {
				return gerr
			}
			return wrapError(ErrLockTimeout, txnID,
				fmt.Sprintf("could not lock %s within %s", key, c.cfg.LockTimeout), err)
		}
		return err
	}

	// The transaction may have been finished (e.g. as a deadlock victim)
	// while this call was blocked on the lock.
	if _, err := c.get(txnID); err != nil {
		c.locks.Release(txnID, key)
		return err
	}

	if err := checkConflict(c.versions, txnID, op); err != nil {
		return err
	}

	op.ID = newOperationID()
	op.Timestamp = time.Now()
	if op.UserID == "" {
		op.UserID = t.UserID
	}
	t.appendOperation(op)

	c.mirror.Put(t.ID, t.status(c.locks.HeldKeys(txnID)), t.Timeout)
	c.analytics.Emit(EventTransactionOperationAdded, map[string]any{
		"transaction_id": txnID,
		"operation_id":   op.ID,
		"kind":           string(op.Kind),
		"entity":         string(op.Entity),
		"entity_id":      op.EntityID,
	})
	return nil
}

// Commit drives the transaction through preparing to committed, applying
// every logged operation (locally, or via two-phase commit when remote
// participants are configured). Any failure triggers an automatic rollback
// before the error surfaces.
func (c *Coordinator) Commit(ctx context.Context, txnID string) (*CommitResult, error) {
	t, err := c.get(txnID)
	if err != nil {
		return nil, err
	}
	if err := t.transition(ctx, eventPrepare); err != nil {
		return nil, err
	}

	start := time.Now()
	ops := t.operationsSnapshot()

	if err := c.applyCommit(ctx, t, ops); err != nil {
		if _, rbErr := c.Rollback(ctx, txnID); rbErr != nil {
			c.logger.Error("automatic rollback after commit failure failed",
				zap.String("txn_id", txnID), zap.Error(rbErr))
		}
		if te, ok := AsTransactionError(err); ok {
			return nil, te
		}
		return nil, wrapError(ErrCommitFailed, txnID, "commit sequence failed", err)
	}

	if err := t.transition(ctx, eventCommit); err != nil {
		return nil, err
	}

	c.locks.ReleaseAll(txnID)
	c.remove(txnID)
	c.mirror.Delete(txnID)

	duration := time.Since(start)
	c.committed.Add(1)
	c.committedCtr.Add(ctx, 1)
	c.activeGauge.Add(ctx, -1)
	c.commitDuration.Record(ctx, duration.Seconds())
	c.analytics.Emit(EventTransactionCommitted, map[string]any{
		"transaction_id":  txnID,
		"operation_count": len(ops),
		"duration_ms":     duration.Milliseconds(),
	})
	c.logger.Info("transaction committed",
		zap.String("txn_id", txnID),
		zap.Int("operations", len(ops)),
		zap.Duration("duration", duration))

	return &CommitResult{
		Success:          true,
		TransactionID:    txnID,
		AffectedEntities: affectedEntities(ops),
		Metrics:          Metrics{Duration: duration, OperationCount: len(ops)},
	}, nil
}

// applyCommit runs the local apply, preceded by the two-phase exchange when
// the transaction has remote participants and 2PC is enabled.
func (c *Coordinator) applyCommit(ctx context.Context, t *Transaction, ops []Operation) error {
	remotes := c.remoteParticipants(t)
	if c.cfg.EnableTwoPhase && len(remotes) > 0 {
		if err := c.twoPhase(ctx, t.ID, remotes); err != nil {
			return err
		}
	}
	for _, op := range ops {
		if err := c.applier.Apply(ctx, op); err != nil {
			return fmt.Errorf("apply operation %s: %w", op.ID, err)
		}
	}
	return nil
}

// twoPhase sends PREPARE to every remote participant, then COMMIT. A
// failure during either phase aborts the already-prepared participants
// best-effort before returning.
func (c *Coordinator) twoPhase(ctx context.Context, txnID string, remotes []string) error {
	prepared := make([]string, 0, len(remotes))
	for _, p := range remotes {
		if err := c.transport.SendPrepare(ctx, p, txnID); err != nil {
			c.abortParticipants(ctx, txnID, prepared)
			return fmt.Errorf("prepare participant %s: %w", p, err)
		}
		prepared = append(prepared, p)
	}
	for _, p := range remotes {
		if err := c.transport.SendCommit(ctx, p, txnID); err != nil {
			c.abortParticipants(ctx, txnID, prepared)
			return fmt.Errorf("commit participant %s: %w", p, err)
		}
	}
	return nil
}

func (c *Coordinator) abortParticipants(ctx context.Context, txnID string, participants []string) {
	for _, p := range participants {
		if err := c.transport.SendAbort(ctx, p, txnID); err != nil {
			c.logger.Warn("participant abort failed",
				zap.String("txn_id", txnID),
				zap.String("participant", p),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) remoteParticipants(t *Transaction) []string {
	var remotes []string
	for _, p := range t.Participants {
		if p != c.cfg.SelfID {
			remotes = append(remotes, p)
		}
	}
	return remotes
}

// Rollback aborts the transaction and undoes its logged operations in LIFO
// order by synthesizing and applying their inverses. Reads produce no
// inverse. If an inverse cannot be applied the transaction moves to the
// terminal failed state and ROLLBACK_FAILED is returned: the affected
// entities must then be reconciled out-of-band.
func (c *Coordinator) Rollback(ctx context.Context, txnID string) (*RollbackResult, error) {
	t, err := c.get(txnID)
	if err != nil {
		return nil, err
	}
	if err := t.transition(ctx, eventAbort); err != nil {
		return nil, err
	}

	start := time.Now()
	ops := t.operationsSnapshot()
	inverses := make([]Operation, 0, len(ops))

	for i := len(ops) - 1; i >= 0; i-- {
		inv, ok := synthesizeInverse(ops[i])
		if !ok {
			continue
		}
		if err := c.applier.Apply(ctx, inv); err != nil {
			if ferr := t.transition(ctx, eventFail); ferr != nil {
				c.logger.Error("could not mark transaction failed",
					zap.String("txn_id", txnID), zap.Error(ferr))
			}
			c.analytics.Emit(EventTransactionRollbackFailed, map[string]any{
				"transaction_id": txnID,
				"operation_id":   ops[i].ID,
				"error":          err.Error(),
			})
			c.activeGauge.Add(ctx, -1)
			c.logger.Error("rollback failed, transaction requires reconciliation",
				zap.String("txn_id", txnID),
				zap.String("operation_id", ops[i].ID),
				zap.Error(err))
			// Locks stay held on purpose: the entity state is now unknown
			// and further writers must not touch it until reconciled.
			return nil, wrapError(ErrRollbackFailed, txnID,
				fmt.Sprintf("could not undo operation %s", ops[i].ID), err)
		}
		inverses = append(inverses, inv)
	}

	c.locks.ReleaseAll(txnID)
	c.remove(txnID)
	c.mirror.Delete(txnID)

	duration := time.Since(start)
	c.rolledBack.Add(1)
	c.rolledBackCtr.Add(ctx, 1)
	c.activeGauge.Add(ctx, -1)
	c.analytics.Emit(EventTransactionRolledBack, map[string]any{
		"transaction_id":  txnID,
		"operation_count": len(ops),
		"rollback_count":  len(inverses),
	})
	c.logger.Info("transaction rolled back",
		zap.String("txn_id", txnID),
		zap.Int("operations", len(ops)),
		zap.Int("inverses", len(inverses)))

	return &RollbackResult{
		Success:            true,
		TransactionID:      txnID,
		RollbackOperations: inverses,
		AffectedEntities:   affectedEntities(inverses),
		Metrics:            Metrics{Duration: duration, OperationCount: len(inverses)},
	}, nil
}

// Execute runs body inside a fresh transaction: begin, body, commit. On a
// retryable failure it rolls back and retries the whole cycle with
// exponential backoff (1s doubling, capped at 10s) up to the transaction's
// MaxRetries extra attempts. Non-retryable failures propagate immediately.
func (c *Coordinator) Execute(ctx context.Context, userID, sessionID string, opts *Options, body func(ctx context.Context, txnID string) error) error {
	maxRetries := c.cfg.MaxRetries
	if opts != nil && opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
		}

		lastErr = c.executeOnce(ctx, userID, sessionID, opts, body)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		c.logger.Warn("retrying transaction after retryable failure",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return lastErr
}

func (c *Coordinator) executeOnce(ctx context.Context, userID, sessionID string, opts *Options, body func(ctx context.Context, txnID string) error) error {
	txnID, err := c.Begin(ctx, userID, sessionID, opts)
	if err != nil {
		return err
	}

	if err := body(ctx, txnID); err != nil {
		if _, rbErr := c.Rollback(ctx, txnID); rbErr != nil {
			if te, ok := AsTransactionError(rbErr); !ok || te.Kind != ErrNotFound {
				c.logger.Error("rollback after body failure failed",
					zap.String("txn_id", txnID), zap.Error(rbErr))
			}
		}
		return err
	}

	_, err = c.Commit(ctx, txnID)
	return err
}

// Status returns a snapshot of the transaction's current state.
func (c *Coordinator) Status(txnID string) (Status, error) {
	t, err := c.get(txnID)
	if err != nil {
		return Status{}, err
	}
	return t.status(c.locks.HeldKeys(txnID)), nil
}

// ActiveTransactions returns snapshots of every transaction still in the
// record store, ordered by start time.
func (c *Coordinator) ActiveTransactions() []Status {
	c.mu.RLock()
	txns := make([]*Transaction, 0, len(c.txns))
	for _, t := range c.txns {
		txns = append(txns, t)
	}
	c.mu.RUnlock()

	sort.Slice(txns, func(i, j int) bool {
		return txns[i].StartedAt.Before(txns[j].StartedAt)
	})
	out := make([]Status, 0, len(txns))
	for _, t := range txns {
		out = append(out, t.status(c.locks.HeldKeys(t.ID)))
	}
	return out
}

// Stats returns the coordinator's counter snapshot.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	var active, failed int
	for _, t := range c.txns {
		if t.State() == StateFailed {
			failed++
		} else {
			active++
		}
	}
	c.mu.RUnlock()
	return Stats{
		Active:     active,
		Failed:     failed,
		Committed:  c.committed.Load(),
		RolledBack: c.rolledBack.Load(),
		Deadlocks:  c.deadlocks.Load(),
	}
}

// Close stops the background sweep and rolls back every remaining
// transaction best-effort. Terminally failed transactions are skipped; they
// cannot be rolled back and are left for out-of-band reconciliation.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		for _, status := range c.ActiveTransactions() {
			if status.State == StateFailed {
				continue
			}
			if _, err := c.Rollback(context.Background(), status.ID); err != nil {
				c.logger.Warn("rollback during shutdown failed",
					zap.String("txn_id", status.ID), zap.Error(err))
			}
		}
	})
}

// sweepLoop periodically retires stale locks and breaks deadlock cycles.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.DeadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.locks.DropExpired()
			c.detectDeadlocks()
			c.pruneVictims()
		}
	}
}

// detectDeadlocks walks the wait-for graph and forcibly rolls back the
// youngest transaction of each cycle. Rollback failures here are logged,
// not propagated.
func (c *Coordinator) detectDeadlocks() {
	cycles := c.graph.Cycles()
	if len(cycles) == 0 {
		return
	}

	seen := make(map[string]struct{})
	for _, cycle := range cycles {
		victim := c.chooseVictim(cycle)
		if victim == "" {
			continue
		}
		if _, done := seen[victim]; done {
			continue
		}
		seen[victim] = struct{}{}

		c.deadlocks.Add(1)
		c.deadlockCtr.Add(context.Background(), 1)
		c.analytics.Emit(EventDeadlockDetected, map[string]any{
			"cycle":  cycle,
			"victim": victim,
		})
		c.logger.Warn("deadlock detected, rolling back victim",
			zap.Strings("cycle", cycle),
			zap.String("victim", victim))

		c.mu.Lock()
		c.victims[victim] = time.Now()
		c.mu.Unlock()

		if _, err := c.Rollback(context.Background(), victim); err != nil {
			c.logger.Error("forced rollback of deadlock victim failed",
				zap.String("txn_id", victim), zap.Error(err))
		}
	}
}

// chooseVictim picks the transaction with the latest start timestamp, so
// older transactions keep their sunk work. Ties break on id order to keep
// sweeps deterministic.
func (c *Coordinator) chooseVictim(cycle []string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var victim *Transaction
	for _, id := range cycle {
		t, ok := c.txns[id]
		if !ok {
			continue
		}
		if victim == nil ||
			t.StartedAt.After(victim.StartedAt) ||
			(t.StartedAt.Equal(victim.StartedAt) && t.ID > victim.ID) {
			victim = t
		}
	}
	if victim == nil {
		return ""
	}
	return victim.ID
}

// pruneVictims forgets deadlock victims older than a minute.
func (c *Coordinator) pruneVictims() {
	cutoff := time.Now().Add(-time.Minute)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, when := range c.victims {
		if when.Before(cutoff) {
			delete(c.victims, id)
		}
	}
}

// get resolves a transaction id, reporting a recent deadlock victim as a
// retryable DEADLOCK rather than NOT_FOUND.
func (c *Coordinator) get(txnID string) (*Transaction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.txns[txnID]
	if !ok {
		if _, wasVictim := c.victims[txnID]; wasVictim {
			return nil, newError(ErrDeadlock, txnID, "transaction was rolled back as a deadlock victim")
		}
		return nil, newError(ErrNotFound, txnID, "transaction does not exist")
	}
	return t, nil
}

// isVictim reports whether txnID was recently sacrificed by the deadlock
// detector. The victims entry is written before the forced rollback starts,
// so a cancelled waiter observes it even if the rollback is still running.
func (c *Coordinator) isVictim(txnID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.victims[txnID]
	return ok
}

func (c *Coordinator) remove(txnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txns, txnID)
}

func affectedEntities(ops []Operation) []AffectedEntity {
	out := make([]AffectedEntity, 0, len(ops))
	for _, op := range ops {
		out = append(out, AffectedEntity{
			Entity:   op.Entity,
			EntityID: op.EntityID,
			Kind:     op.Kind,
		})
	}
	return out
}
