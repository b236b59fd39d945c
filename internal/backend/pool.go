package backend

import (
	"sync"

	"go.uber.org/zap"
)

// Pool hands out one *Conn per back-end address, created lazily and kept
// alive for the life of the proxy (back ends come and go by epoch, not by
// connection churn).
type Pool struct {
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewPool returns an empty pool.
func NewPool(logger *zap.Logger) *Pool {
	return &Pool{logger: logger, conns: make(map[string]*Conn)}
}

// Get returns the connection for addr, dialing lazily on first use.
func (p *Pool) Get(addr string) *Conn {
	p.mu.RLock()
	c, ok := p.conns[addr]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.conns[addr]; ok {
		return c
	}
	c = NewConn(addr, p.logger)
	p.conns[addr] = c
	return c
}

// Forward sends args to addr and blocks for the reply. asking prefixes the
// request with a single-use ASKING whose reply is discarded by the
// connection's reader.
func (p *Pool) Forward(addr string, args [][]byte, asking bool) Reply {
	replyCh := make(chan Reply, 1)
	p.Get(addr).Send(Request{Args: args, Asking: asking, ReplyCh: replyCh})
	return <-replyCh
}

// Close tears down every connection in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = make(map[string]*Conn)
}
