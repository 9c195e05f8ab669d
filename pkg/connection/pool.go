// Package connection provides a thread-safe TCP connection pool. It manages
// and reuses connections to multiple remote hosts, which is what the
// coordinator's TCP participant transport uses to talk to each participant
// without redialing per message.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn is a wrapper around net.Conn that includes a reference to the
// pool it belongs to, so releasing the connection is a plain Close.
type PooledConn struct {
	net.Conn
	pool *participantPool
}

// Close returns the connection to the pool. It doesn't actually close the
// underlying TCP connection. To force-close, use ForceClose().
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying TCP connection permanently and does not
// return it to the pool. Use it after a protocol error left the connection
// in an unknown state.
func (c *PooledConn) ForceClose() error {
	p := c.pool
	c.pool = nil
	if p != nil {
		p.discard()
	}
	return c.Conn.Close()
}

// participantPool manages a pool of connections for a single remote address.
type participantPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int
	address  string
}

// PoolManager manages one participantPool per remote host.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*participantPool
	maxSize int
	timeout time.Duration
}

// NewPoolManager creates a new manager for connection pools. maxSize is the
// maximum number of open connections per participant, timeout the dial
// timeout for new connections.
func NewPoolManager(maxSize int, timeout time.Duration) *PoolManager {
	return &PoolManager{
		pools:   make(map[string]*participantPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get retrieves a connection from the pool for the specified address,
// creating the pool on first use.
func (m *PoolManager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			factory := func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, m.timeout)
			}
			pool = &participantPool{
				conns:   make(chan net.Conn, m.maxSize),
				factory: factory,
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}

	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (p *participantPool) get() (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.numConns < p.maxSize {
			conn, err := p.factory()
			if err != nil {
				return nil, err
			}
			p.numConns++
			return conn, nil
		}
		// Pool is full, block and wait for a connection to be returned.
		return <-p.conns, nil
	}
}

func (p *participantPool) put(conn net.Conn) {
	if conn == nil {
		return
	}

	select {
	case p.conns <- conn:
	default:
		p.mu.Lock()
		conn.Close()
		p.numConns--
		p.mu.Unlock()
	}
}

func (p *participantPool) discard() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

// Close shuts down the entire pool manager, closing all connections.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*participantPool)
}

func (p *participantPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
