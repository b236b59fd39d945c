// Package backend manages pooled connections to the real Redis-compatible
// back ends this proxy forwards to. One *Conn per (address) pair owns a
// dedicated writer goroutine and reader goroutine cooperating over a
// redigo.Conn, exactly the way redigo documents safe concurrent pipelining:
// one goroutine calls Send+Flush, a different one calls Receive, and the two
// never touch the wire at the same time.
package backend

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"

	"github.com/undermoon-go/proxy/internal/metrics"
	proxerrors "github.com/undermoon-go/proxy/pkg/errors"
	"github.com/undermoon-go/proxy/pkg/protocolbuf"
)

// Request is one command to forward, optionally preceded by a single ASKING
// whose reply the caller never sees.
type Request struct {
	Args    [][]byte
	Asking  bool
	ReplyCh chan Reply
}

// Reply is what comes back for a Request: either a decoded redigo reply or
// an error that means the connection (and everything still queued on it)
// must be considered failed.
type Reply struct {
	Value interface{}
	Err   error
}

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = 2 * time.Second
	defaultTimeout = time.Second
	queueDepth     = 1024
)

// Conn is a single logical connection to one back-end address. It owns its
// own redigo.Conn and reconnects transparently; callers only ever see
// Request/Reply. A failed request gets one Reply whose Err is
// proxerrors.ErrBackendUnavailable, proxerrors.ErrClosed (the Conn was
// closed) or the underlying read error, and then its ReplyCh is closed.
type Conn struct {
	addr    string
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool

	reqCh chan Request
	done  chan struct{}
}

// NewConn starts a connection to addr and returns immediately; dialing and
// reconnecting both happen in the background run loop.
func NewConn(addr string, logger *zap.Logger) *Conn {
	c := &Conn{
		addr:    addr,
		logger:  logger,
		timeout: defaultTimeout,
		reqCh:   make(chan Request, queueDepth),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Send enqueues req for this back end. It never blocks on the network; it
// only blocks if the internal queue (queueDepth deep) is full, which bounds
// how far a slow back end can let a client get ahead.
func (c *Conn) Send(req Request) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		req.ReplyCh <- Reply{Err: proxerrors.ErrClosed}
		close(req.ReplyCh)
		return
	}
	c.mu.Unlock()
	c.reqCh <- req
}

// Close stops the connection's run loop and fails every request still
// queued or in flight.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

// run is the connection's whole lifecycle: dial, spin up writer+reader,
// wait for either to die, back off, redial.
func (c *Conn) run() {
	backoff := initialBackoff
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, err := redis.DialTimeout("tcp", c.addr, c.timeout, c.timeout, c.timeout)
		if err != nil {
			metrics.RecordBackendError(c.addr)
			c.logger.Warn("backend dial failed", zap.String("addr", c.addr), zap.Error(err))
			drain(c.reqCh, proxerrors.ErrBackendUnavailable)
			if !c.sleep(backoff) {
				drain(c.reqCh, proxerrors.ErrClosed)
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		metrics.BackendConnections.WithLabelValues(c.addr).Inc()
		backoff = initialBackoff

		c.serve(conn)
		metrics.BackendConnections.WithLabelValues(c.addr).Dec()

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	// jitter in [0.5, 1.5) of double the previous backoff, capped at maxBackoff
	jitter := 0.5 + rand.Float64()
	next := time.Duration(float64(d*2) * jitter)
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// serve drains c.reqCh over one live redigo.Conn until either the
// connection breaks or the pool is closed, then drains whatever is still
// queued with a failure reply so no caller blocks forever.
func (c *Conn) serve(conn redis.Conn) {
	defer conn.Close()

	pending := make(chan Request, queueDepth)
	writerErr := make(chan error, 1)
	readerErr := make(chan error, 1)

	go c.writer(conn, pending, writerErr)
	go c.reader(conn, pending, readerErr)

	var err error
	select {
	case err = <-writerErr:
	case err = <-readerErr:
	case <-c.done:
		err = proxerrors.ErrClosed
	}
	if err != nil && err != proxerrors.ErrClosed {
		metrics.RecordBackendError(c.addr)
		c.logger.Warn("backend connection lost", zap.String("addr", c.addr), zap.Error(err))
	}
	conn.Close()
	drain(pending, proxerrors.ErrBackendUnavailable)
	drain(c.reqCh, proxerrors.ErrBackendUnavailable)
}

// writer pulls requests off c.reqCh, issues ASKING+Send for any asking
// request, and hands the request to pending for the reader to match against
// the reply stream in FIFO order. It flushes after every request, so a
// single request is never held up waiting for more to batch.
func (c *Conn) writer(conn redis.Conn, pending chan<- Request, errCh chan<- error) {
	for {
		var req Request
		select {
		case req = <-c.reqCh:
		case <-c.done:
			errCh <- proxerrors.ErrClosed
			return
		}

		if req.Asking {
			if err := conn.Send("ASKING"); err != nil {
				errCh <- err
				req.ReplyCh <- Reply{Err: proxerrors.ErrBackendUnavailable}
				close(req.ReplyCh)
				return
			}
			pending <- Request{Args: [][]byte{[]byte("ASKING")}, ReplyCh: nil}
		}

		cmd := string(req.Args[0])
		rest := protocolbuf.GetSendArgs(len(req.Args) - 1)
		for _, a := range req.Args[1:] {
			rest = append(rest, a)
		}
		sendErr := conn.Send(cmd, rest...)
		protocolbuf.PutSendArgs(rest)
		if sendErr != nil {
			errCh <- sendErr
			req.ReplyCh <- Reply{Err: proxerrors.ErrBackendUnavailable}
			close(req.ReplyCh)
			return
		}
		pending <- req

		if err := conn.Flush(); err != nil {
			errCh <- err
			return
		}
	}
}

// reader matches replies to pending requests strictly in FIFO order, which
// is what guarantees a pipelined client sees its own replies in the order it
// sent the commands.
func (c *Conn) reader(conn redis.Conn, pending <-chan Request, errCh chan<- error) {
	for {
		var req Request
		select {
		case req = <-pending:
		case <-c.done:
			errCh <- proxerrors.ErrClosed
			return
		}

		val, err := conn.Receive()
		if req.ReplyCh == nil {
			// The ASKING pseudo-request's reply is discarded by design.
			if err != nil {
				errCh <- err
				return
			}
			continue
		}
		if err != nil {
			req.ReplyCh <- Reply{Err: err}
			close(req.ReplyCh)
			errCh <- err
			return
		}
		req.ReplyCh <- Reply{Value: val}
		close(req.ReplyCh)
	}
}

func drain(pending <-chan Request, err error) {
	for {
		select {
		case req := <-pending:
			if req.ReplyCh != nil {
				req.ReplyCh <- Reply{Err: err}
				close(req.ReplyCh)
			}
		default:
			return
		}
	}
}
