package protocol

import (
	"github.com/tidwall/redcon"
)

// Static RESP responses for the handful of replies this proxy answers
// directly rather than forwarding: OK/PONG acknowledgements for AUTH,
// ASKING, and the keyless commands. Every other reply either comes back
// decoded from a back end (reply.go) or is a dynamically addressed
// MOVED/ASK/CROSSSLOT error, neither of which is cacheable.
var (
	RespOK   = []byte("+OK\r\n")
	RespPONG = []byte("+PONG\r\n")
)

// WriteOK writes a static OK response.
func WriteOK(conn redcon.Conn) {
	conn.WriteRaw(RespOK)
}

// WritePONG writes a static PONG response.
func WritePONG(conn redcon.Conn) {
	conn.WriteRaw(RespPONG)
}

// WriteError writes an "ERR "-prefixed error response with the given
// message.
func WriteError(conn redcon.Conn, msg string) {
	conn.WriteError("ERR " + msg)
}
