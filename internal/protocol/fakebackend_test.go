package protocol

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal RESP request/reply stub standing in for a real
// Redis-compatible back end: it accepts exactly one connection, decodes each
// pipelined request array the way redigo's Send+Flush encodes it, and
// answers with whatever respond returns, verbatim, as raw RESP bytes.
func fakeBackend(t *testing.T, respond func(args []string) string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			args, err := readRESPArray(r)
			if err != nil {
				return
			}
			if _, err := conn.Write([]byte(respond(args))); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

// readRESPArray decodes one "*N\r\n$len\r\nbytes\r\n..." request frame, the
// format redigo's Conn.Send/Flush writes for every command.
func readRESPArray(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '*' {
		return nil, io.ErrUnexpectedEOF
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		lenLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		lenLine = strings.TrimRight(lenLine, "\r\n")
		if len(lenLine) == 0 || lenLine[0] != '$' {
			return nil, io.ErrUnexpectedEOF
		}
		l, err := strconv.Atoi(lenLine[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, l+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		out[i] = string(buf[:l])
	}
	return out, nil
}
