package txn

import (
	"context"

	"go.uber.org/zap"
)

// ParticipantTransport carries the two-phase-commit messages to remote
// participants. The coordinator's control flow only needs these three sends;
// any RPC or messaging channel can back them.
type ParticipantTransport interface {
	SendPrepare(ctx context.Context, participantID, txnID string) error
	SendCommit(ctx context.Context, participantID, txnID string) error
	SendAbort(ctx context.Context, participantID, txnID string) error
}

// LoopbackTransport acknowledges every message locally. It is the default
// for the single-participant deployments SIGEDEM actually runs; the messages
// are logged so a 2PC dry run is observable.
type LoopbackTransport struct {
	logger *zap.Logger
}

// NewLoopbackTransport creates the default transport.
func NewLoopbackTransport(logger *zap.Logger) *LoopbackTransport {
	return &LoopbackTransport{logger: logger}
}

func (t *LoopbackTransport) send(phase, participantID, txnID string) error {
	t.logger.Debug("loopback participant message",
		zap.String("phase", phase),
		zap.String("participant", participantID),
		zap.String("txn_id", txnID))
	return nil
}

func (t *LoopbackTransport) SendPrepare(_ context.Context, participantID, txnID string) error {
	return t.send("PREPARE", participantID, txnID)
}

func (t *LoopbackTransport) SendCommit(_ context.Context, participantID, txnID string) error {
	return t.send("COMMIT", participantID, txnID)
}

func (t *LoopbackTransport) SendAbort(_ context.Context, participantID, txnID string) error {
	return t.send("ABORT", participantID, txnID)
}
