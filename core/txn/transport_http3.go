package txn

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// HTTP3TransportConfig controls the HTTP/3 participant transport.
type HTTP3TransportConfig struct {
	// Endpoints maps participant ids to host:port addresses.
	Endpoints map[string]string
	// TLS is the client mTLS configuration (see pkg/tlsutil).
	TLS *tls.Config
	// MaxRetries is the number of extra attempts per message.
	MaxRetries int
	// InitialBackoff is the base delay between attempts (default 100ms).
	InitialBackoff time.Duration
	// MaxBackoff caps the delay (default 5s).
	MaxBackoff time.Duration
	// JitterFrac randomizes each delay by ±frac (default 0.2).
	JitterFrac float64
}

func (c *HTTP3TransportConfig) setDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.JitterFrac <= 0 {
		c.JitterFrac = 0.2
	}
}

// HTTP3Transport delivers participant messages as JSON POSTs over HTTP/3,
// retrying transient failures with jittered exponential backoff.
type HTTP3Transport struct {
	cfg    HTTP3TransportConfig
	client *http.Client
	rt     *http3.Transport
	logger *zap.Logger
	rnd    *rand.Rand
}

// NewHTTP3Transport creates the transport. The participant side is expected
// to serve POST /2pc/{prepare,commit,abort} over HTTP/3.
func NewHTTP3Transport(cfg HTTP3TransportConfig, logger *zap.Logger) (*HTTP3Transport, error) {
	cfg.setDefaults()
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("http3 transport requires at least one endpoint")
	}
	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: &quic.Config{}}
	return &HTTP3Transport{
		cfg:    cfg,
		client: &http.Client{Transport: rt},
		rt:     rt,
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (t *HTTP3Transport) SendPrepare(ctx context.Context, participantID, txnID string) error {
	return t.post(ctx, "prepare", participantID, txnID)
}

func (t *HTTP3Transport) SendCommit(ctx context.Context, participantID, txnID string) error {
	return t.post(ctx, "commit", participantID, txnID)
}

func (t *HTTP3Transport) SendAbort(ctx context.Context, participantID, txnID string) error {
	return t.post(ctx, "abort", participantID, txnID)
}

// Close tears down the underlying QUIC connections.
func (t *HTTP3Transport) Close() error {
	return t.rt.Close()
}

func (t *HTTP3Transport) post(ctx context.Context, phase, participantID, txnID string) error {
	addr, ok := t.cfg.Endpoints[participantID]
	if !ok {
		return fmt.Errorf("unknown participant %q", participantID)
	}
	url := fmt.Sprintf("https://%s/2pc/%s", addr, phase)

	body, err := json.Marshal(participantMessage{
		Phase:       strings.ToUpper(phase),
		TxnID:       txnID,
		Participant: participantID,
	})
	if err != nil {
		return err
	}

	backoff := t.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(t.jitter(backoff)):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > t.cfg.MaxBackoff {
				backoff = t.cfg.MaxBackoff
			}
		}

		lastErr = t.once(ctx, url, body)
		if lastErr == nil {
			t.logger.Debug("participant message acknowledged",
				zap.String("phase", phase),
				zap.String("participant", participantID),
				zap.String("txn_id", txnID),
				zap.Int("attempt", attempt))
			return nil
		}
		t.logger.Warn("participant message failed",
			zap.String("phase", phase),
			zap.String("participant", participantID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return fmt.Errorf("send %s to %s: %w", phase, participantID, lastErr)
}

func (t *HTTP3Transport) once(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("participant returned %d: %s", resp.StatusCode, string(payload))
	}
	return nil
}

// jitter randomizes d by ±JitterFrac.
func (t *HTTP3Transport) jitter(d time.Duration) time.Duration {
	frac := t.cfg.JitterFrac
	delta := (t.rnd.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}
