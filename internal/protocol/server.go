package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/undermoon-go/proxy/internal/backend"
	"github.com/undermoon-go/proxy/internal/classify"
	"github.com/undermoon-go/proxy/internal/cluster"
	"github.com/undermoon-go/proxy/internal/cluster/hash"
	"github.com/undermoon-go/proxy/internal/metrics"
	proxbytes "github.com/undermoon-go/proxy/pkg/bytes"
	proxerrors "github.com/undermoon-go/proxy/pkg/errors"
)

// Server is the client-facing RESP listener: it accepts connections with
// redcon, classifies every command, resolves its destination against the
// current metadata snapshot, and either answers directly, forwards to a
// back end, or redirects the client with MOVED/ASK.
type Server struct {
	addr    string
	store   *cluster.Store
	control *cluster.Handler
	pool    *backend.Pool
	logger  *zap.Logger
}

// NewServer wires a Server; control and pool may be used concurrently by
// many sessions and are expected to already be fully constructed.
func NewServer(addr string, store *cluster.Store, control *cluster.Handler, pool *backend.Pool, logger *zap.Logger) *Server {
	return &Server{addr: addr, store: store, control: control, pool: pool, logger: logger}
}

// ListenAndServe runs the RESP server until the process is stopped.
func (s *Server) ListenAndServe() error {
	return redcon.ListenAndServe(s.addr,
		s.handle,
		func(conn redcon.Conn) bool {
			conn.SetContext(&Session{})
			metrics.RecordConnection(1)
			return true
		},
		func(conn redcon.Conn, err error) {
			metrics.RecordConnection(-1)
		},
	)
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	start := time.Now()
	sess, _ := conn.Context().(*Session)
	if sess == nil {
		sess = &Session{}
		conn.SetContext(sess)
	}

	// Uppercase the command name in place (it is never read again in its
	// original casing) and alias it back to a string with no allocation,
	// instead of strings.ToUpper(string(...)) copying it twice.
	proxbytes.ToUpperInPlace(cmd.Args[0])
	name := proxbytes.BytesToString(cmd.Args[0])
	asking := sess.TakeAsking()

	if name == "ASKING" {
		sess.SetAsking()
		WriteOK(conn)
		return
	}

	result := classify.Classify(cmd.Args)
	status := "ok"
	defer func() {
		metrics.RecordCommand(strings.ToLower(name), status, time.Since(start))
	}()

	switch result.Kind {
	case classify.KindKeyless:
		s.handleKeyless(conn, name, cmd.Args)
		return
	case classify.KindAuth:
		if len(cmd.Args) < 2 {
			WriteError(conn, "wrong number of arguments for 'auth' command")
			status = "error"
			return
		}
		sess.Dbname = string(cmd.Args[1])
		WriteOK(conn)
		return
	case classify.KindControl:
		s.control.HandleUMCTL(conn, cmd.Args[1:])
		return
	case classify.KindClusterIntrospection:
		s.handleCluster(conn, sess, cmd.Args)
		return
	case classify.KindReject:
		WriteError(conn, "this command is not supported in cluster mode")
		status = "error"
		return
	}

	// KindForward or KindUnknown: route by key.
	if sess.Dbname == "" {
		conn.WriteError(proxerrors.ErrNoAuth.Error())
		status = "error"
		return
	}
	if len(result.Keys) == 0 {
		WriteError(conn, "this command requires a key")
		status = "error"
		return
	}

	slot, ok := sameSlot(result.Keys)
	if !ok {
		conn.WriteError(proxerrors.ErrCrossSlot.Error())
		status = "crossslot"
		return
	}

	snap := s.store.Snapshot()
	m, ok := snap.SlotMaps[sess.Dbname]
	if !ok {
		WriteError(conn, proxerrors.ErrUnknownDB.Error())
		status = "error"
		return
	}
	dest := m.Lookup(slot)

	if err := s.route(conn, dest, slot, cmd.Args, asking); err != nil {
		status = s.writeRouteError(conn, err)
	}
}

// route resolves dest to an action and either writes a successful reply
// itself (the DestLocal/DestImporting-with-ASKING cases, via forward) or
// returns an error describing the redirect or failure the caller must
// write. Redirects are plain errors wrapping the pkg/errors sentinels so
// writeRouteError can recover the RESP verb with errors.Is instead of the
// caller tracking it out of band.
func (s *Server) route(conn redcon.Conn, dest cluster.Destination, slot uint16, args [][]byte, asking bool) error {
	switch dest.Kind {
	case cluster.DestLocal:
		return s.forward(conn, dest.LocalBackend, args, false)

	case cluster.DestPeer:
		return fmt.Errorf("%w %d %s", proxerrors.ErrMoved, slot, dest.PeerProxy)

	case cluster.DestMigrating:
		return s.forwardMigrating(conn, dest, slot, args)

	case cluster.DestImporting:
		return s.forwardImporting(conn, dest, slot, args, asking)

	default:
		return fmt.Errorf("internal: unroutable slot")
	}
}

// writeRouteError writes the RESP reply for an error returned by route and
// reports the metrics status label for it.
func (s *Server) writeRouteError(conn redcon.Conn, err error) string {
	switch {
	case errors.Is(err, proxerrors.ErrMoved):
		metrics.RecordRedirect("moved")
		conn.WriteError(err.Error())
		return "moved"
	case errors.Is(err, proxerrors.ErrAsk):
		metrics.RecordRedirect("ask")
		conn.WriteError(err.Error())
		return "ask"
	case errors.Is(err, proxerrors.ErrBackendUnavailable):
		WriteError(conn, "backend unavailable")
		return "error"
	default:
		WriteError(conn, err.Error())
		return "error"
	}
}

func (s *Server) forwardMigrating(conn redcon.Conn, dest cluster.Destination, slot uint16, args [][]byte) error {
	key := firstKey(args)
	exists := s.pool.Forward(dest.LocalBackend, [][]byte{[]byte("EXISTS"), key}, false)
	if exists.Err == nil {
		if n, convErr := asInt64(exists.Value); convErr == nil && n > 0 {
			return s.forward(conn, dest.LocalBackend, args, false)
		}
	}
	return fmt.Errorf("%w %d %s", proxerrors.ErrAsk, slot, dest.Migration.DstProxy)
}

func (s *Server) forwardImporting(conn redcon.Conn, dest cluster.Destination, slot uint16, args [][]byte, asking bool) error {
	if !asking {
		return fmt.Errorf("%w %d %s", proxerrors.ErrMoved, slot, dest.Migration.SrcProxy)
	}
	return s.forward(conn, dest.LocalBackend, args, true)
}

// forward sends args to addr and writes the decoded reply directly; it only
// returns an error (wrapping proxerrors.ErrBackendUnavailable) when nothing
// has been written yet, so the caller knows a reply still needs writing.
func (s *Server) forward(conn redcon.Conn, addr string, args [][]byte, asking bool) error {
	reply := s.pool.Forward(addr, args, asking)
	if reply.Err != nil {
		return fmt.Errorf("%w", proxerrors.ErrBackendUnavailable)
	}
	writeRedigoReply(conn, reply.Value)
	return nil
}

func (s *Server) handleKeyless(conn redcon.Conn, name string, args [][]byte) {
	switch name {
	case "PING":
		if len(args) > 1 {
			conn.WriteBulk(args[1])
		} else {
			WritePONG(conn)
		}
	case "ECHO":
		if len(args) > 1 {
			conn.WriteBulk(args[1])
		} else {
			WriteError(conn, "wrong number of arguments for 'echo' command")
		}
	case "SELECT":
		WriteOK(conn)
	case "QUIT":
		WriteOK(conn)
		conn.Close()
	case "HELLO", "COMMAND", "LOLWUT":
		WriteOK(conn)
	default:
		conn.WriteError("ERR unknown command")
	}
}

func (s *Server) handleCluster(conn redcon.Conn, sess *Session, args [][]byte) {
	if len(args) < 2 {
		WriteError(conn, "wrong number of arguments for 'cluster' command")
		return
	}
	sub := strings.ToUpper(string(args[1]))
	switch sub {
	case "NODES":
		s.control.ClusterNodes(conn, sess.Dbname)
	case "SLOTS":
		s.control.ClusterSlots(conn, sess.Dbname)
	case "KEYSLOT":
		if len(args) < 3 {
			WriteError(conn, "wrong number of arguments")
			return
		}
		conn.WriteInt(int(hash.KeySlot(proxbytes.BytesToString(args[2]))))
	case "INFO":
		conn.WriteBulkString("cluster_enabled:1\r\ncluster_state:ok\r\n")
	default:
		conn.WriteError("ERR unknown CLUSTER subcommand '" + sub + "'")
	}
}

func firstKey(args [][]byte) []byte {
	if len(args) < 2 {
		return nil
	}
	return args[1]
}

func sameSlot(keys [][]byte) (uint16, bool) {
	if len(keys) == 0 {
		return 0, false
	}
	slot := hash.KeySlot(proxbytes.BytesToString(keys[0]))
	for _, k := range keys[1:] {
		if hash.KeySlot(proxbytes.BytesToString(k)) != slot {
			return 0, false
		}
	}
	return slot, true
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer reply")
	}
}
