package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxerrors "github.com/undermoon-go/proxy/pkg/errors"
)

func fullMap(t *testing.T, dbname string, epoch uint64, addr string) *SlotMap {
	t.Helper()
	b := newSlotMapBuilder(dbname, epoch)
	require.NoError(t, b.assign(SlotRange{Lo: 0, Hi: 16383}, Destination{Kind: DestLocal, LocalBackend: addr}))
	m, err := b.build()
	require.NoError(t, err)
	return m
}

func TestApplySetDBAcceptsHigherEpoch(t *testing.T) {
	s := NewStore()
	m1 := fullMap(t, "mydb", 1, "127.0.0.1:6379")
	require.NoError(t, s.ApplySetDB(1, FlagNone, map[string]*SlotMap{"mydb": m1}, map[string]DBConfig{}))
	assert.Equal(t, uint64(1), s.Snapshot().Epoch)

	m2 := fullMap(t, "mydb", 2, "127.0.0.1:6380")
	require.NoError(t, s.ApplySetDB(2, FlagNone, map[string]*SlotMap{"mydb": m2}, map[string]DBConfig{}))
	assert.Equal(t, uint64(2), s.Snapshot().Epoch)
	assert.Equal(t, "127.0.0.1:6380", s.Snapshot().SlotMaps["mydb"].Lookup(0).LocalBackend)
}

func TestApplySetDBRejectsStaleEpoch(t *testing.T) {
	s := NewStore()
	m1 := fullMap(t, "mydb", 1, "127.0.0.1:6379")
	require.NoError(t, s.ApplySetDB(1, FlagNone, map[string]*SlotMap{"mydb": m1}, map[string]DBConfig{}))

	m2 := fullMap(t, "mydb", 1, "127.0.0.1:6380")
	err := s.ApplySetDB(1, FlagNone, map[string]*SlotMap{"mydb": m2}, map[string]DBConfig{})
	assert.ErrorIs(t, err, proxerrors.ErrStaleEpoch)
	// Snapshot is unchanged.
	assert.Equal(t, "127.0.0.1:6379", s.Snapshot().SlotMaps["mydb"].Lookup(0).LocalBackend)
	assert.Equal(t, uint64(1), s.Snapshot().Epoch)
}

func TestApplySetDBForceAcceptsEqualEpochButNeverLowersStored(t *testing.T) {
	s := NewStore()
	m1 := fullMap(t, "mydb", 5, "127.0.0.1:6379")
	require.NoError(t, s.ApplySetDB(5, FlagNone, map[string]*SlotMap{"mydb": m1}, map[string]DBConfig{}))

	m2 := fullMap(t, "mydb", 5, "127.0.0.1:9999")
	require.NoError(t, s.ApplySetDB(5, FlagForce, map[string]*SlotMap{"mydb": m2}, map[string]DBConfig{}))
	assert.Equal(t, uint64(5), s.Snapshot().Epoch, "FORCE never lowers the stored epoch")
	assert.Equal(t, "127.0.0.1:9999", s.Snapshot().SlotMaps["mydb"].Lookup(0).LocalBackend)
}

func TestApplySetDBAllOrNothingOnBuildFailureUpstream(t *testing.T) {
	// The builder itself (exercised via Handler in control_test.go) is what
	// rejects partial coverage; ApplySetDB's own contract is just: whatever
	// map it's handed replaces every dbname atomically, or (on stale epoch)
	// nothing changes at all.
	s := NewStore()
	before := s.Snapshot()
	m1 := fullMap(t, "mydb", 1, "127.0.0.1:6379")
	err := s.ApplySetDB(0, FlagNone, map[string]*SlotMap{"mydb": m1}, map[string]DBConfig{})
	assert.ErrorIs(t, err, proxerrors.ErrStaleEpoch)
	assert.Same(t, before, s.Snapshot())
}

func TestApplySetReplPreservesSlotMapsAndViceVersa(t *testing.T) {
	s := NewStore()
	m1 := fullMap(t, "mydb", 1, "127.0.0.1:6379")
	require.NoError(t, s.ApplySetDB(1, FlagNone, map[string]*SlotMap{"mydb": m1}, map[string]DBConfig{}))

	view := ReplicationView{"mydb": {{Dbname: "mydb", Role: RoleMaster, Node: "127.0.0.1:6379"}}}
	require.NoError(t, s.ApplySetRepl(2, FlagNone, view))

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Epoch)
	assert.Contains(t, snap.SlotMaps, "mydb", "SETREPL must not disturb the slot map")
	assert.Len(t, snap.Repl["mydb"], 1)

	m2 := fullMap(t, "mydb", 3, "127.0.0.1:6381")
	require.NoError(t, s.ApplySetDB(3, FlagNone, map[string]*SlotMap{"mydb": m2}, map[string]DBConfig{}))
	assert.Len(t, s.Snapshot().Repl["mydb"], 1, "SETDB must not disturb the replication view")
}

func TestSnapshotNeverObservesTornEpoch(t *testing.T) {
	// Every slot within one *Snapshot carries the same outer Epoch; a
	// session that reads one Snapshot for the whole command can never see
	// a mix of old/new epochs across two slot lookups.
	s := NewStore()
	b := newSlotMapBuilder("mydb", 1)
	require.NoError(t, b.assign(SlotRange{Lo: 0, Hi: 8000}, Destination{Kind: DestLocal, LocalBackend: "a"}))
	require.NoError(t, b.assign(SlotRange{Lo: 8001, Hi: 16383}, Destination{Kind: DestLocal, LocalBackend: "b"}))
	m, err := b.build()
	require.NoError(t, err)
	require.NoError(t, s.ApplySetDB(1, FlagNone, map[string]*SlotMap{"mydb": m}, map[string]DBConfig{}))

	snap := s.Snapshot()
	assert.Equal(t, snap.Epoch, snap.SlotMaps["mydb"].Epoch)
}
