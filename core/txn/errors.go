package txn

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transaction failure. Every kind has a fixed
// retryable policy: lock timeouts and deadlock victims may be retried by the
// caller, everything else may not.
type ErrorKind string

const (
	// ErrNotFound: the referenced transaction id does not exist.
	ErrNotFound ErrorKind = "NOT_FOUND"
	// ErrInvalidState: the transaction is not in the state the operation requires.
	ErrInvalidState ErrorKind = "INVALID_STATE"
	// ErrInvalidOperation: the operation itself is malformed (unknown entity
	// type, missing entity id).
	ErrInvalidOperation ErrorKind = "INVALID_OPERATION"
	// ErrLockTimeout: a resource lock could not be acquired in time.
	ErrLockTimeout ErrorKind = "LOCK_TIMEOUT"
	// ErrDeadlock: the transaction was chosen as a deadlock victim.
	ErrDeadlock ErrorKind = "DEADLOCK"
	// ErrConflict: the version-stamp check rejected the operation; the caller
	// must re-read and resubmit with fresh data.
	ErrConflict ErrorKind = "CONFLICT"
	// ErrCommitFailed: the commit sequence failed; a rollback was already
	// attempted before this error surfaced.
	ErrCommitFailed ErrorKind = "COMMIT_FAILED"
	// ErrRollbackFailed: a rollback itself could not complete. The
	// transaction is left in the terminal failed state and its resources
	// must be reconciled out-of-band.
	ErrRollbackFailed ErrorKind = "ROLLBACK_FAILED"
)

// retryableKinds is the fixed policy table; see ErrorKind.
var retryableKinds = map[ErrorKind]bool{
	ErrLockTimeout: true,
	ErrDeadlock:    true,
}

// TransactionError is the typed failure value for every coordinator
// operation. Callers branch on Kind or on Retryable; Execute is the only
// place in this package that interprets Retryable itself.
type TransactionError struct {
	Kind      ErrorKind
	TxnID     string
	Retryable bool
	Message   string
	Err       error
}

func (e *TransactionError) Error() string {
	msg := fmt.Sprintf("txn %s: %s: %s", e.TxnID, e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Is lets errors.Is match on a kind-only template, e.g.
// errors.Is(err, &TransactionError{Kind: ErrConflict}).
func (e *TransactionError) Is(target error) bool {
	t, ok := target.(*TransactionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.TxnID == "" || t.TxnID == e.TxnID)
}

func newError(kind ErrorKind, txnID, msg string) *TransactionError {
	return &TransactionError{
		Kind:      kind,
		TxnID:     txnID,
		Retryable: retryableKinds[kind],
		Message:   msg,
	}
}

func wrapError(kind ErrorKind, txnID, msg string, err error) *TransactionError {
	e := newError(kind, txnID, msg)
	e.Err = err
	return e
}

// AsTransactionError unwraps err to a *TransactionError, if it carries one.
func AsTransactionError(err error) (*TransactionError, bool) {
	var te *TransactionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsRetryable reports whether err is a transaction error marked retryable.
func IsRetryable(err error) bool {
	te, ok := AsTransactionError(err)
	return ok && te.Retryable
}
