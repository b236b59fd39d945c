package protocol

import (
	"github.com/gomodule/redigo/redis"
	"github.com/tidwall/redcon"
)

// writeRedigoReply re-encodes a decoded redigo reply back into RESP on the
// client connection. redigo already normalizes simple strings, bulk
// strings, integers, errors, nil and arrays into a small set of Go types;
// this just mirrors them back out rather than re-parsing raw bytes.
func writeRedigoReply(conn redcon.Conn, v interface{}) {
	switch r := v.(type) {
	case nil:
		conn.WriteNull()
	case int64:
		conn.WriteInt64(r)
	case []byte:
		conn.WriteBulk(r)
	case string:
		conn.WriteString(r)
	case redis.Error:
		conn.WriteError(string(r))
	case []interface{}:
		conn.WriteArray(len(r))
		for _, item := range r {
			writeRedigoReply(conn, item)
		}
	default:
		conn.WriteError("ERR unexpected backend reply type")
	}
}
