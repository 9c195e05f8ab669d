package txn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sigedem/txcoord/pkg/connection"
)

// participantMessage is one newline-delimited JSON frame of the TCP
// participant protocol.
type participantMessage struct {
	Phase       string `json:"phase"` // PREPARE, COMMIT or ABORT
	TxnID       string `json:"txn_id"`
	Participant string `json:"participant"`
}

// participantReply is the participant's single-line response.
type participantReply struct {
	Status  string `json:"status"` // OK or ERROR
	Message string `json:"message,omitempty"`
}

// TCPTransport sends participant messages over pooled TCP connections,
// one newline-delimited JSON frame and reply per message.
type TCPTransport struct {
	pool      *connection.PoolManager
	endpoints map[string]string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewTCPTransport creates a transport for the given participant-id to
// address mapping. timeout bounds each round trip.
func NewTCPTransport(endpoints map[string]string, timeout time.Duration, logger *zap.Logger) *TCPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPTransport{
		pool:      connection.NewPoolManager(4, timeout),
		endpoints: endpoints,
		timeout:   timeout,
		logger:    logger,
	}
}

func (t *TCPTransport) SendPrepare(ctx context.Context, participantID, txnID string) error {
	return t.roundTrip(ctx, "PREPARE", participantID, txnID)
}

func (t *TCPTransport) SendCommit(ctx context.Context, participantID, txnID string) error {
	return t.roundTrip(ctx, "COMMIT", participantID, txnID)
}

func (t *TCPTransport) SendAbort(ctx context.Context, participantID, txnID string) error {
	return t.roundTrip(ctx, "ABORT", participantID, txnID)
}

// Close releases all pooled connections.
func (t *TCPTransport) Close() {
	t.pool.Close()
}

func (t *TCPTransport) roundTrip(ctx context.Context, phase, participantID, txnID string) error {
	addr, ok := t.endpoints[participantID]
	if !ok {
		return fmt.Errorf("unknown participant %q", participantID)
	}

	conn, err := t.pool.Get(addr)
	if err != nil {
		return fmt.Errorf("dial participant %s: %w", participantID, err)
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.ForceClose()
		return err
	}

	frame, err := json.Marshal(participantMessage{
		Phase:       phase,
		TxnID:       txnID,
		Participant: participantID,
	})
	if err != nil {
		conn.Close()
		return err
	}
	frame = append(frame, '\n')

	if _, err := conn.Write(frame); err != nil {
		conn.ForceClose()
		return fmt.Errorf("send %s to %s: %w", phase, participantID, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		conn.ForceClose()
		return fmt.Errorf("read %s reply from %s: %w", phase, participantID, err)
	}

	var reply participantReply
	if err := json.Unmarshal(line, &reply); err != nil {
		conn.ForceClose()
		return fmt.Errorf("decode %s reply from %s: %w", phase, participantID, err)
	}
	conn.Close()

	if reply.Status != "OK" {
		return fmt.Errorf("participant %s rejected %s: %s", participantID, phase, reply.Message)
	}

	t.logger.Debug("participant message acknowledged",
		zap.String("phase", phase),
		zap.String("participant", participantID),
		zap.String("txn_id", txnID))
	return nil
}
