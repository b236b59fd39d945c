package protocol

import (
	"net"

	"github.com/tidwall/redcon"
)

// writeOp records one call made against a fakeConn, letting tests assert on
// exactly what a handler wrote without needing a real socket round trip.
type writeOp struct {
	kind string
	s    string
	b    []byte
	n    int64
}

// fakeConn is a minimal redcon.Conn double: every Write* call is appended to
// ops instead of going anywhere near a wire, so Server methods that take a
// redcon.Conn can be exercised directly in unit tests.
type fakeConn struct {
	ctx interface{}
	ops []writeOp
}

func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:0" }
func (c *fakeConn) Close() error       { return nil }

func (c *fakeConn) WriteError(msg string)       { c.ops = append(c.ops, writeOp{kind: "error", s: msg}) }
func (c *fakeConn) WriteString(str string)      { c.ops = append(c.ops, writeOp{kind: "string", s: str}) }
func (c *fakeConn) WriteBulk(bulk []byte)       { c.ops = append(c.ops, writeOp{kind: "bulk", b: append([]byte(nil), bulk...)}) }
func (c *fakeConn) WriteBulkString(bulk string) { c.ops = append(c.ops, writeOp{kind: "bulkstring", s: bulk}) }
func (c *fakeConn) WriteInt(num int)            { c.ops = append(c.ops, writeOp{kind: "int", n: int64(num)}) }
func (c *fakeConn) WriteInt64(num int64)        { c.ops = append(c.ops, writeOp{kind: "int64", n: num}) }
func (c *fakeConn) WriteUint64(num uint64)      { c.ops = append(c.ops, writeOp{kind: "uint64", n: int64(num)}) }
func (c *fakeConn) WriteArray(count int)        { c.ops = append(c.ops, writeOp{kind: "array", n: int64(count)}) }
func (c *fakeConn) WriteNull()                  { c.ops = append(c.ops, writeOp{kind: "null"}) }
func (c *fakeConn) WriteRaw(data []byte)        { c.ops = append(c.ops, writeOp{kind: "raw", b: append([]byte(nil), data...)}) }
func (c *fakeConn) WriteAny(any interface{})    { c.ops = append(c.ops, writeOp{kind: "any"}) }

func (c *fakeConn) Context() interface{}     { return c.ctx }
func (c *fakeConn) SetContext(v interface{}) { c.ctx = v }
func (c *fakeConn) SetReadBuffer(bytes int)  {}
func (c *fakeConn) ShareBuffer()             {}
func (c *fakeConn) NetConn() net.Conn        { return nil }

func (c *fakeConn) Detach() redcon.DetachedConn      { return nil }
func (c *fakeConn) ReadPipeline() []redcon.Command   { return nil }
func (c *fakeConn) PeekPipeline() []redcon.Command   { return nil }

// lastOfKind returns the most recent op of the given kind, or (writeOp{},
// false) if none was written.
func (c *fakeConn) lastOfKind(kind string) (writeOp, bool) {
	for i := len(c.ops) - 1; i >= 0; i-- {
		if c.ops[i].kind == kind {
			return c.ops[i], true
		}
	}
	return writeOp{}, false
}

func (c *fakeConn) lastError() string {
	op, _ := c.lastOfKind("error")
	return op.s
}

func (c *fakeConn) lastBulk() []byte {
	op, _ := c.lastOfKind("bulk")
	return op.b
}
