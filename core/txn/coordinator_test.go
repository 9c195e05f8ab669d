package txn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// captureSink records analytics events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []string
	props  []map[string]any
}

func (s *captureSink) Emit(event string, props map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.props = append(s.props, props)
}

func (s *captureSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

// fakeTransport records every participant message; failOn makes a specific
// phase/participant pair fail.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	failOn string
}

func (f *fakeTransport) send(phase, participantID, txnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := phase + ":" + participantID
	f.sent = append(f.sent, call)
	if f.failOn == call {
		return fmt.Errorf("injected %s failure", call)
	}
	return nil
}

func (f *fakeTransport) SendPrepare(_ context.Context, p, id string) error {
	return f.send("prepare", p, id)
}
func (f *fakeTransport) SendCommit(_ context.Context, p, id string) error {
	return f.send("commit", p, id)
}
func (f *fakeTransport) SendAbort(_ context.Context, p, id string) error {
	return f.send("abort", p, id)
}

func (f *fakeTransport) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// failingApplier fails every operation of the given kind; everything else
// goes to the wrapped applier.
type failingApplier struct {
	inner    OperationApplier
	failKind OperationKind
}

func (f *failingApplier) Apply(ctx context.Context, op Operation) error {
	if op.Kind == f.failKind {
		return fmt.Errorf("injected failure for %s", op.Kind)
	}
	return f.inner.Apply(ctx, op)
}

type testEnv struct {
	coord    *Coordinator
	applier  *MemoryApplier
	versions *MemoryVersions
	sink     *captureSink
}

// setupCoordinator builds a coordinator on the in-memory applier. Mutators
// customize Config and Dependencies before construction.
func setupCoordinator(t *testing.T, mutate ...func(*Config, *Dependencies)) *testEnv {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	versions := NewMemoryVersions()
	applier := NewMemoryApplier(versions, logger)
	sink := &captureSink{}

	cfg := Config{
		LockTimeout:      time.Second,
		DeadlockInterval: time.Hour, // tests drive sweeps explicitly unless overridden
		MaxRetries:       3,
	}
	deps := Dependencies{
		Logger:    logger,
		Applier:   applier,
		Versions:  versions,
		Analytics: sink,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	coord, err := NewCoordinator(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	return &testEnv{coord: coord, applier: applier, versions: versions, sink: sink}
}

func TestCommit_SingleCreate(t *testing.T) {
	env := setupCoordinator(t)
	ctx := t.Context()

	id, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: EntityDemanda, EntityID: "1", After: Image{"titulo": "A"},
	}))

	res, err := env.coord.Commit(ctx, id)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, id, res.TransactionID)
	require.Equal(t, []AffectedEntity{{Entity: EntityDemanda, EntityID: "1", Kind: OpCreate}},
		res.AffectedEntities)
	require.Equal(t, 1, res.Metrics.OperationCount)

	// The transaction is gone and its state was applied.
	_, err = env.coord.Status(id)
	requireKind(t, err, ErrNotFound)
	img, ok := env.applier.Get(EntityDemanda, "1")
	require.True(t, ok)
	require.Equal(t, Image{"titulo": "A"}, img)

	require.Equal(t, []string{
		EventTransactionStarted,
		EventTransactionOperationAdded,
		EventTransactionCommitted,
	}, env.sink.names())
}

func TestRollback_InversesRunInLIFOOrder(t *testing.T) {
	env := setupCoordinator(t)
	ctx := t.Context()

	// Seed demanda:1 so the update has something to modify.
	seedEntity(t, env, EntityDemanda, "1", Image{"titulo": "A"})

	id, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "1",
		Before: Image{"titulo": "A"}, After: Image{"titulo": "B"},
	}))
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: EntityDocumento, EntityID: "2", After: Image{"numero": "D1"},
	}))

	res, err := env.coord.Rollback(ctx, id)
	require.NoError(t, err)
	require.Len(t, res.RollbackOperations, 2)

	// LIFO: the create's inverse (delete documento:2) comes first.
	first, second := res.RollbackOperations[0], res.RollbackOperations[1]
	require.Equal(t, OpDelete, first.Kind)
	require.Equal(t, EntityDocumento, first.Entity)
	require.Equal(t, "2", first.EntityID)
	require.Equal(t, OpUpdate, second.Kind)
	require.Equal(t, Image{"titulo": "B"}, second.Before)
	require.Equal(t, Image{"titulo": "A"}, second.After)
}

func TestRollback_RestoresStateBeforeTransaction(t *testing.T) {
	env := setupCoordinator(t)
	ctx := t.Context()

	seedEntity(t, env, EntityDemanda, "1", Image{"titulo": "A"})
	seedEntity(t, env, EntityOrgao, "3", Image{"nome": "PF"})

	id, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "1",
		Before: Image{"titulo": "A"}, After: Image{"titulo": "B"},
	}))
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpDelete, Entity: EntityOrgao, EntityID: "3", Before: Image{"nome": "PF"},
	}))
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: EntityAssunto, EntityID: "7", After: Image{"descricao": "LGPD"},
	}))

	// The rollback must execute the inverses through the applier too, so
	// apply the originals first the way a commit would before failing.
	for _, op := range mustStatusOps(t, env.coord, id) {
		require.NoError(t, env.applier.Apply(ctx, op))
	}

	_, err = env.coord.Rollback(ctx, id)
	require.NoError(t, err)

	img, ok := env.applier.Get(EntityDemanda, "1")
	require.True(t, ok)
	require.Equal(t, Image{"titulo": "A"}, img)
	img, ok = env.applier.Get(EntityOrgao, "3")
	require.True(t, ok)
	require.Equal(t, Image{"nome": "PF"}, img)
	_, ok = env.applier.Get(EntityAssunto, "7")
	require.False(t, ok)
	require.Equal(t, 2, env.applier.Len())
}

func TestAddOperation_LockTimeoutIsRetryable(t *testing.T) {
	env := setupCoordinator(t, func(cfg *Config, _ *Dependencies) {
		cfg.LockTimeout = 100 * time.Millisecond
	})
	ctx := t.Context()

	t1, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, t1, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "5", After: Image{"titulo": "X"},
	}))

	t2, err := env.coord.Begin(ctx, "u2", "s2", nil)
	require.NoError(t, err)
	err = env.coord.AddOperation(ctx, t2, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "5", After: Image{"titulo": "Y"},
	})
	requireKind(t, err, ErrLockTimeout)
	require.True(t, IsRetryable(err))
}

func TestAddOperation_SharedReadsDoNotConflict(t *testing.T) {
	env := setupCoordinator(t, func(cfg *Config, _ *Dependencies) {
		cfg.LockTimeout = 100 * time.Millisecond
	})
	ctx := t.Context()

	t1, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	t2, err := env.coord.Begin(ctx, "u2", "s2", nil)
	require.NoError(t, err)

	read := Operation{Kind: OpRead, Entity: EntityDemanda, EntityID: "1"}
	require.NoError(t, env.coord.AddOperation(ctx, t1, read))
	require.NoError(t, env.coord.AddOperation(ctx, t2, read))

	// A writer behind two readers times out.
	t3, err := env.coord.Begin(ctx, "u3", "s3", nil)
	require.NoError(t, err)
	err = env.coord.AddOperation(ctx, t3, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "1", After: Image{"titulo": "Z"},
	})
	requireKind(t, err, ErrLockTimeout)
}

func TestAddOperation_ConflictOnStaleVersion(t *testing.T) {
	env := setupCoordinator(t)
	ctx := t.Context()

	seedEntity(t, env, EntityDemanda, "1", Image{"titulo": "A"}) // version 1
	seedUpdate(t, env, EntityDemanda, "1", Image{"titulo": "B"}) // version 2

	id, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	err = env.coord.AddOperation(ctx, id, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "1",
		BaseVersion: 1, After: Image{"titulo": "C"},
	})
	requireKind(t, err, ErrConflict)
	require.False(t, IsRetryable(err))

	// With the current version the same write goes through.
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "1",
		BaseVersion: 2, After: Image{"titulo": "C"},
	}))
}

func TestAddOperation_MalformedOperationRejected(t *testing.T) {
	env := setupCoordinator(t)
	ctx := t.Context()

	id, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)

	err = env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: EntityType("planeta"), EntityID: "1",
	})
	requireKind(t, err, ErrInvalidOperation)
	require.False(t, IsRetryable(err))

	err = env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: EntityDemanda,
	})
	requireKind(t, err, ErrInvalidOperation)
}

func TestStatus_ReportsHeldLocks(t *testing.T) {
	env := setupCoordinator(t)
	ctx := t.Context()

	id, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)

	status, err := env.coord.Status(id)
	require.NoError(t, err)
	require.Empty(t, status.Locks)

	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "1", After: Image{"titulo": "A"},
	}))
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpRead, Entity: EntityOrgao, EntityID: "3",
	}))

	status, err = env.coord.Status(id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"demanda:1", "orgao:3"}, status.Locks)
}

func TestAddOperation_UnknownTransaction(t *testing.T) {
	env := setupCoordinator(t)
	err := env.coord.AddOperation(t.Context(), "txn_missing", Operation{
		Kind: OpRead, Entity: EntityDemanda, EntityID: "1",
	})
	requireKind(t, err, ErrNotFound)
}

func TestRollbackFailed_TransactionIsTerminal(t *testing.T) {
	env := setupCoordinator(t, func(_ *Config, deps *Dependencies) {
		deps.Applier = &failingApplier{inner: deps.Applier, failKind: OpDelete}
	})
	ctx := t.Context()

	id, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: EntityDemanda, EntityID: "9", After: Image{"titulo": "A"},
	}))

	// The create's inverse is a delete, which the applier rejects.
	_, err = env.coord.Rollback(ctx, id)
	requireKind(t, err, ErrRollbackFailed)
	require.False(t, IsRetryable(err))

	status, err := env.coord.Status(id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, status.State)

	// No further operations are accepted.
	err = env.coord.AddOperation(ctx, id, Operation{
		Kind: OpRead, Entity: EntityDemanda, EntityID: "9",
	})
	requireKind(t, err, ErrInvalidState)

	// And a second rollback cannot restart either.
	_, err = env.coord.Rollback(ctx, id)
	requireKind(t, err, ErrInvalidState)

	// The failed transaction is counted separately from active work but
	// stays visible for reconciliation.
	stats := env.coord.Stats()
	require.Equal(t, 0, stats.Active)
	require.Equal(t, 1, stats.Failed)
	require.Len(t, env.coord.ActiveTransactions(), 1)

	// Shutdown leaves it alone instead of retrying the rollback.
	env.coord.Close()
	status, err = env.coord.Status(id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, status.State)
}

func TestDeadlockDetection_YoungestTransactionLoses(t *testing.T) {
	env := setupCoordinator(t)
	ctx := t.Context()

	t1, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond) // t2 must be strictly younger
	t2, err := env.coord.Begin(ctx, "u2", "s2", nil)
	require.NoError(t, err)

	env.coord.graph.AddEdge(t1, t2)
	env.coord.graph.AddEdge(t2, t1)
	env.coord.detectDeadlocks()

	// t2 started later, so it is the victim and was rolled back.
	_, err = env.coord.Status(t2)
	requireKind(t, err, ErrDeadlock)
	_, err = env.coord.Status(t1)
	require.NoError(t, err)

	require.Equal(t, int64(1), env.coord.Stats().Deadlocks)
	require.Contains(t, env.sink.names(), EventDeadlockDetected)
}

func TestDeadlock_RealLockCycleIsBroken(t *testing.T) {
	env := setupCoordinator(t, func(cfg *Config, _ *Dependencies) {
		cfg.DeadlockInterval = 50 * time.Millisecond
		cfg.LockTimeout = 5 * time.Second
	})
	ctx := t.Context()

	seedEntity(t, env, EntityDemanda, "1", Image{"titulo": "A"})
	seedEntity(t, env, EntityDemanda, "2", Image{"titulo": "B"})

	t1, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond) // t2 must be strictly younger
	t2, err := env.coord.Begin(ctx, "u2", "s2", nil)
	require.NoError(t, err)

	require.NoError(t, env.coord.AddOperation(ctx, t1, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "1",
		Before: Image{"titulo": "A"}, After: Image{"titulo": "X"},
	}))
	require.NoError(t, env.coord.AddOperation(ctx, t2, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "2",
		Before: Image{"titulo": "B"}, After: Image{"titulo": "Y"},
	}))

	start := time.Now()
	errs := make(chan error, 2)
	go func() {
		errs <- env.coord.AddOperation(ctx, t1, Operation{
			Kind: OpUpdate, Entity: EntityDemanda, EntityID: "2",
			Before: Image{"titulo": "B"}, After: Image{"titulo": "X2"},
		})
	}()
	go func() {
		errs <- env.coord.AddOperation(ctx, t2, Operation{
			Kind: OpUpdate, Entity: EntityDemanda, EntityID: "1",
			Before: Image{"titulo": "A"}, After: Image{"titulo": "Y2"},
		})
	}()

	// The sweeper must pick exactly one victim (the younger t2); the
	// victim's blocked add fails with DEADLOCK and the other add goes
	// through once the victim's locks are released.
	var failures, successes int
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				requireKind(t, err, ErrDeadlock)
				require.True(t, IsRetryable(err))
				failures++
			} else {
				successes++
			}
		case <-time.After(10 * time.Second):
			t.Fatal("deadlock was not broken")
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, failures)

	// The victim's caller is told promptly, not after the full lock timeout.
	require.Less(t, time.Since(start), 3*time.Second,
		"victim's blocked caller should fail as soon as it is sacrificed")

	// t1 survived, t2 was rolled back.
	_, err = env.coord.Status(t1)
	require.NoError(t, err)
	_, err = env.coord.Status(t2)
	requireKind(t, err, ErrDeadlock)
}

func TestExecute_RetriesRetryableFailures(t *testing.T) {
	env := setupCoordinator(t)

	var delays []time.Duration
	env.coord.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	attempts := 0
	err := env.coord.Execute(t.Context(), "u1", "s1", nil,
		func(ctx context.Context, txnID string) error {
			attempts++
			if attempts <= 3 {
				return newError(ErrLockTimeout, txnID, "synthetic contention")
			}
			return env.coord.AddOperation(ctx, txnID, Operation{
				Kind: OpCreate, Entity: EntityDemanda, EntityID: "1", After: Image{"titulo": "A"},
			})
		})
	require.NoError(t, err)
	require.Equal(t, 4, attempts, "maxRetries failures plus the final success")
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	_, ok := env.applier.Get(EntityDemanda, "1")
	require.True(t, ok)
}

func TestExecute_NonRetryableFailsImmediately(t *testing.T) {
	env := setupCoordinator(t)
	env.coord.sleep = func(context.Context, time.Duration) error {
		t.Fatal("must not back off for non-retryable errors")
		return nil
	}

	attempts := 0
	err := env.coord.Execute(t.Context(), "u1", "s1", nil,
		func(_ context.Context, txnID string) error {
			attempts++
			return newError(ErrConflict, txnID, "stale read")
		})
	requireKind(t, err, ErrConflict)
	require.Equal(t, 1, attempts)
}

func TestExecute_BackoffIsCappedAtTenSeconds(t *testing.T) {
	env := setupCoordinator(t, func(cfg *Config, _ *Dependencies) {
		cfg.MaxRetries = 6
	})

	var delays []time.Duration
	env.coord.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	err := env.coord.Execute(t.Context(), "u1", "s1", nil,
		func(_ context.Context, txnID string) error {
			return newError(ErrLockTimeout, txnID, "always busy")
		})
	requireKind(t, err, ErrLockTimeout)
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, delays)
}

func TestCommit_TwoPhaseSendsPrepareThenCommit(t *testing.T) {
	transport := &fakeTransport{}
	env := setupCoordinator(t, func(cfg *Config, deps *Dependencies) {
		cfg.EnableTwoPhase = true
		deps.Transport = transport
	})
	ctx := t.Context()

	id, err := env.coord.Begin(ctx, "u1", "s1", &Options{
		Participants: []string{"self", "node-b", "node-c"},
	})
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: EntityDemanda, EntityID: "1", After: Image{"titulo": "A"},
	}))

	_, err = env.coord.Commit(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{
		"prepare:node-b", "prepare:node-c",
		"commit:node-b", "commit:node-c",
	}, transport.calls())
}

func TestCommit_TwoPhaseFailureAbortsAndRollsBack(t *testing.T) {
	transport := &fakeTransport{failOn: "commit:node-c"}
	env := setupCoordinator(t, func(cfg *Config, deps *Dependencies) {
		cfg.EnableTwoPhase = true
		deps.Transport = transport
	})
	ctx := t.Context()

	id, err := env.coord.Begin(ctx, "u1", "s1", &Options{
		Participants: []string{"self", "node-b", "node-c"},
	})
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: EntityDemanda, EntityID: "1", After: Image{"titulo": "A"},
	}))

	_, err = env.coord.Commit(ctx, id)
	requireKind(t, err, ErrCommitFailed)

	// Both prepared participants received an abort and the transaction is
	// gone without having touched local state.
	require.Contains(t, transport.calls(), "abort:node-b")
	require.Contains(t, transport.calls(), "abort:node-c")
	_, err = env.coord.Status(id)
	requireKind(t, err, ErrNotFound)
	_, ok := env.applier.Get(EntityDemanda, "1")
	require.False(t, ok)
}

func TestCommit_ReleasesLocksAndRemovesTransaction(t *testing.T) {
	env := setupCoordinator(t, func(cfg *Config, _ *Dependencies) {
		cfg.LockTimeout = 100 * time.Millisecond
	})
	ctx := t.Context()

	t1, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, t1, Operation{
		Kind: OpCreate, Entity: EntityDemanda, EntityID: "1", After: Image{"titulo": "A"},
	}))

	_, err = env.coord.Commit(ctx, t1)
	require.NoError(t, err)
	require.Empty(t, env.coord.ActiveTransactions())

	// The lock is free for the next transaction.
	t2, err := env.coord.Begin(ctx, "u2", "s2", nil)
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, t2, Operation{
		Kind: OpUpdate, Entity: EntityDemanda, EntityID: "1", After: Image{"titulo": "B"},
	}))
}

func TestMirror_TracksTransactionLifecycle(t *testing.T) {
	mirror := NewExpireMirror(time.Minute, time.Minute)
	env := setupCoordinator(t, func(_ *Config, deps *Dependencies) {
		deps.Mirror = mirror
	})
	ctx := t.Context()

	id, err := env.coord.Begin(ctx, "u1", "s1", &Options{Timeout: time.Minute})
	require.NoError(t, err)

	status, ok := mirror.Get(id)
	require.True(t, ok)
	require.Equal(t, StateActive, status.State)

	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: EntityDemanda, EntityID: "1", After: Image{"titulo": "A"},
	}))
	status, ok = mirror.Get(id)
	require.True(t, ok)
	require.Equal(t, 1, status.OperationCount)

	_, err = env.coord.Commit(ctx, id)
	require.NoError(t, err)
	_, ok = mirror.Get(id)
	require.False(t, ok)
}

func TestStats_CountersAdvance(t *testing.T) {
	env := setupCoordinator(t)
	ctx := t.Context()

	id, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	_, err = env.coord.Commit(ctx, id)
	require.NoError(t, err)

	id, err = env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	_, err = env.coord.Rollback(ctx, id)
	require.NoError(t, err)

	stats := env.coord.Stats()
	require.Equal(t, 0, stats.Active)
	require.Equal(t, int64(1), stats.Committed)
	require.Equal(t, int64(1), stats.RolledBack)
}

func TestActiveTransactions_OrderedByStart(t *testing.T) {
	env := setupCoordinator(t)
	ctx := t.Context()

	t1, err := env.coord.Begin(ctx, "u1", "s1", nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	t2, err := env.coord.Begin(ctx, "u2", "s2", nil)
	require.NoError(t, err)

	active := env.coord.ActiveTransactions()
	require.Len(t, active, 2)
	require.Equal(t, t1, active[0].ID)
	require.Equal(t, t2, active[1].ID)
}

// --- helpers ---

func requireKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	require.Error(t, err)
	te, ok := AsTransactionError(err)
	require.True(t, ok, "expected a TransactionError, got %T: %v", err, err)
	require.Equal(t, kind, te.Kind)
}

// seedEntity commits a create so the entity exists with version 1.
func seedEntity(t *testing.T, env *testEnv, entity EntityType, entityID string, img Image) {
	t.Helper()
	ctx := context.Background()
	id, err := env.coord.Begin(ctx, "seed", "seed", nil)
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpCreate, Entity: entity, EntityID: entityID, After: img,
	}))
	_, err = env.coord.Commit(ctx, id)
	require.NoError(t, err)
}

// seedUpdate commits an update, bumping the entity's version.
func seedUpdate(t *testing.T, env *testEnv, entity EntityType, entityID string, img Image) {
	t.Helper()
	ctx := context.Background()
	id, err := env.coord.Begin(ctx, "seed", "seed", nil)
	require.NoError(t, err)
	require.NoError(t, env.coord.AddOperation(ctx, id, Operation{
		Kind: OpUpdate, Entity: entity, EntityID: entityID, After: img,
	}))
	_, err = env.coord.Commit(ctx, id)
	require.NoError(t, err)
}

// mustStatusOps returns a copy of the transaction's logged operations.
func mustStatusOps(t *testing.T, c *Coordinator, txnID string) []Operation {
	t.Helper()
	txn, err := c.get(txnID)
	require.NoError(t, err)
	return txn.operationsSnapshot()
}
