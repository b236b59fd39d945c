package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/undermoon-go/proxy/internal/backend"
	"github.com/undermoon-go/proxy/internal/cluster"
	"github.com/undermoon-go/proxy/internal/cluster/hash"
	proxerrors "github.com/undermoon-go/proxy/pkg/errors"
)

func cmdArgs(strs ...string) [][]byte {
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out
}

func newTestServer() *Server {
	store := cluster.NewStore()
	control := cluster.NewHandler(store, "127.0.0.1:6379", nil)
	pool := backend.NewPool(zap.NewNop())
	return NewServer("127.0.0.1:0", store, control, pool, zap.NewNop())
}

// --- route() -----------------------------------------------------------

func TestRouteDestPeerReturnsMoved(t *testing.T) {
	s := newTestServer()
	conn := &fakeConn{}
	dest := cluster.Destination{Kind: cluster.DestPeer, PeerProxy: "127.0.0.1:7000"}

	err := s.route(conn, dest, 1234, cmdArgs("GET", "k1"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proxerrors.ErrMoved))
	assert.Equal(t, "MOVED 1234 127.0.0.1:7000", err.Error())
}

func TestWriteRouteErrorMovedSetsStatusAndWritesReply(t *testing.T) {
	s := newTestServer()
	routeConn := &fakeConn{}
	dest := cluster.Destination{Kind: cluster.DestPeer, PeerProxy: "127.0.0.1:7000"}
	routeErr := s.route(routeConn, dest, 1234, cmdArgs("GET", "k1"), false)
	require.Error(t, routeErr)

	replyConn := &fakeConn{}
	status := s.writeRouteError(replyConn, routeErr)
	assert.Equal(t, "moved", status)
	assert.Equal(t, "MOVED 1234 127.0.0.1:7000", replyConn.lastError())
}

// --- forwardMigrating() -------------------------------------------------

func TestForwardMigratingAsksWhenKeyAlreadyMoved(t *testing.T) {
	addr, stop := fakeBackend(t, func(args []string) string {
		switch args[0] {
		case "EXISTS":
			return ":0\r\n"
		default:
			return "+OK\r\n"
		}
	})
	defer stop()

	s := newTestServer()
	conn := &fakeConn{}
	dest := cluster.Destination{
		Kind:         cluster.DestMigrating,
		LocalBackend: addr,
		Migration:    &cluster.MigrationMeta{DstProxy: "127.0.0.1:7000"},
	}

	err := s.route(conn, dest, 77, cmdArgs("GET", "k1"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proxerrors.ErrAsk))
	assert.Equal(t, "ASK 77 127.0.0.1:7000", err.Error())
}

func TestForwardMigratingServesLocallyWhenKeyStillPresent(t *testing.T) {
	addr, stop := fakeBackend(t, func(args []string) string {
		switch args[0] {
		case "EXISTS":
			return ":1\r\n"
		case "GET":
			return "$3\r\nbar\r\n"
		default:
			return "+OK\r\n"
		}
	})
	defer stop()

	s := newTestServer()
	conn := &fakeConn{}
	dest := cluster.Destination{
		Kind:         cluster.DestMigrating,
		LocalBackend: addr,
		Migration:    &cluster.MigrationMeta{DstProxy: "127.0.0.1:7000"},
	}

	err := s.route(conn, dest, 77, cmdArgs("GET", "k1"), false)
	require.NoError(t, err)
	assert.Equal(t, []byte("bar"), conn.lastBulk())
}

// --- forwardImporting() -------------------------------------------------

func TestForwardImportingWithoutAskingReturnsMoved(t *testing.T) {
	s := newTestServer()
	conn := &fakeConn{}
	dest := cluster.Destination{
		Kind:      cluster.DestImporting,
		Migration: &cluster.MigrationMeta{SrcProxy: "127.0.0.1:6000"},
	}

	err := s.route(conn, dest, 55, cmdArgs("GET", "k1"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proxerrors.ErrMoved), "an Importing range without ASKING must still redirect to the source")
	assert.Equal(t, "MOVED 55 127.0.0.1:6000", err.Error())
}

func TestForwardImportingWithAskingServesLocally(t *testing.T) {
	addr, stop := fakeBackend(t, func(args []string) string {
		switch args[0] {
		case "ASKING":
			return "+OK\r\n"
		case "GET":
			return "$3\r\nbaz\r\n"
		default:
			return "+OK\r\n"
		}
	})
	defer stop()

	s := newTestServer()
	conn := &fakeConn{}
	dest := cluster.Destination{
		Kind:         cluster.DestImporting,
		LocalBackend: addr,
		Migration:    &cluster.MigrationMeta{SrcProxy: "127.0.0.1:6000"},
	}

	err := s.route(conn, dest, 55, cmdArgs("GET", "k1"), true)
	require.NoError(t, err)
	assert.Equal(t, []byte("baz"), conn.lastBulk())
}

// --- sameSlot / CROSSSLOT -------------------------------------------------

func TestSameSlotHashtagForcesSameSlot(t *testing.T) {
	slot, ok := sameSlot([][]byte{[]byte("{user1000}.following"), []byte("{user1000}.followers")})
	assert.True(t, ok)
	assert.Equal(t, hash.KeySlot("user1000"), slot)
}

func TestSameSlotDifferentKeysRejected(t *testing.T) {
	_, ok := sameSlot([][]byte{[]byte("foo"), []byte("bar")})
	assert.False(t, ok, "foo and bar do not share a hashtag and should not collide in slot")
}

// --- handle(): full session pipeline --------------------------------------

func TestHandleRedirectsMovedForPeerOwnedSlot(t *testing.T) {
	store := cluster.NewStore()
	control := cluster.NewHandler(store, "127.0.0.1:6379", nil)
	conn := &fakeConn{}
	control.HandleUMCTL(conn, cmdArgs("SETDB", "1", "NOFLAG", "PEER", "mydb", "127.0.0.1:7000", "1", "0-16383"))
	require.Equal(t, "OK", mustLastString(t, conn))

	s := NewServer("127.0.0.1:0", store, control, backend.NewPool(zap.NewNop()), zap.NewNop())
	sess := &Session{Dbname: "mydb"}
	client := &fakeConn{ctx: sess}

	s.handle(client, redcon.Command{Args: cmdArgs("GET", "somekey")})

	errMsg := client.lastError()
	require.NotEmpty(t, errMsg)
	assert.Contains(t, errMsg, "MOVED")
	assert.Contains(t, errMsg, "127.0.0.1:7000")
}

func TestHandleRejectsCrossSlotMultiKeyCommand(t *testing.T) {
	store := cluster.NewStore()
	control := cluster.NewHandler(store, "127.0.0.1:6379", nil)
	conn := &fakeConn{}
	control.HandleUMCTL(conn, cmdArgs("SETDB", "1", "NOFLAG", "mydb", "127.0.0.1:6379", "1", "0-16383"))
	require.Equal(t, "OK", mustLastString(t, conn))

	s := NewServer("127.0.0.1:0", store, control, backend.NewPool(zap.NewNop()), zap.NewNop())
	sess := &Session{Dbname: "mydb"}
	client := &fakeConn{ctx: sess}

	s.handle(client, redcon.Command{Args: cmdArgs("MSET", "foo", "1", "bar", "2")})

	assert.Contains(t, client.lastError(), "CROSSSLOT")
}

func TestHandleRejectsUnauthenticatedForwardCommand(t *testing.T) {
	s := newTestServer()
	client := &fakeConn{ctx: &Session{}}

	s.handle(client, redcon.Command{Args: cmdArgs("GET", "somekey")})

	assert.Equal(t, proxerrors.ErrNoAuth.Error(), client.lastError())
}

func mustLastString(t *testing.T, c *fakeConn) string {
	t.Helper()
	op, ok := c.lastOfKind("string")
	if !ok {
		// WriteOK in responses.go writes through WriteRaw, which this helper
		// ignores; HandleUMCTL answers "OK" via conn.WriteString, which it sees.
		t.Fatalf("no string reply written")
	}
	return op.s
}
