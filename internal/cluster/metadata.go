package cluster

import (
	"sync"
	"sync/atomic"

	"github.com/undermoon-go/proxy/internal/metrics"
	proxerrors "github.com/undermoon-go/proxy/pkg/errors"
)

// Flags are the UMCTL FORCE/NOFLAG modifiers.
type Flags uint8

const (
	FlagNone  Flags = 0
	FlagForce Flags = 1 << 0
)

// DBConfig is the free-form per-dbname config carried by UMCTL SETDB's
// CONFIG section. The data plane does not interpret it; it is kept in the
// Snapshot as-is, and no UMCTL reply returns it (LISTDB lists dbnames only).
type DBConfig map[string]string

// Snapshot is the complete, immutable metadata a session or control handler
// reasons about for one instant: every dbname's slot map, the replication
// view, and the epoch they were built under. A session holds a *Snapshot for
// the duration of exactly one command, so two slot lookups for the same
// request always agree on epoch.
type Snapshot struct {
	Epoch    uint64
	SlotMaps map[string]*SlotMap
	Repl     ReplicationView
	Configs  map[string]DBConfig
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		SlotMaps: make(map[string]*SlotMap),
		Repl:     make(ReplicationView),
		Configs:  make(map[string]DBConfig),
	}
}

// Store holds the single published Snapshot and enforces epoch discipline on
// every update. Reads are lock-free; writes are serialized against each
// other but never block a reader, and the swap is a single atomic pointer
// store so no reader ever observes a partially-updated snapshot.
type Store struct {
	writeMu sync.Mutex
	cur     atomic.Pointer[Snapshot]
}

// NewStore returns a Store with an empty snapshot at epoch 0.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(emptySnapshot())
	return s
}

// Snapshot returns the currently published metadata snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.cur.Load()
}

// acceptEpoch applies the epoch-monotonicity rule shared by SETDB and
// SETREPL: accept if FORCE is set or epoch strictly exceeds the stored one.
// The returned epoch is the new stored epoch, which never decreases.
func acceptEpoch(stored, incoming uint64, flags Flags) (uint64, error) {
	if flags&FlagForce == 0 && incoming <= stored {
		return stored, proxerrors.ErrStaleEpoch
	}
	if incoming > stored {
		return incoming, nil
	}
	return stored, nil
}

// ApplySetDB installs a fresh set of per-dbname slot maps, all-or-nothing.
// dbSlotMaps and configs must already be fully built and validated (coverage,
// non-overlap) by the caller (the control handler) before this is called;
// this method's only remaining job is the epoch check and the atomic swap.
func (s *Store) ApplySetDB(epoch uint64, flags Flags, dbSlotMaps map[string]*SlotMap, configs map[string]DBConfig) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.cur.Load()
	newEpoch, err := acceptEpoch(old.Epoch, epoch, flags)
	if err != nil {
		return err
	}

	next := &Snapshot{
		Epoch:    newEpoch,
		SlotMaps: dbSlotMaps,
		Repl:     old.Repl,
		Configs:  configs,
	}
	s.cur.Store(next)
	metrics.RecordEpoch(newEpoch)
	return nil
}

// ApplySetRepl installs a fresh replication view, all-or-nothing, under the
// same epoch discipline as ApplySetDB.
func (s *Store) ApplySetRepl(epoch uint64, flags Flags, repl ReplicationView) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.cur.Load()
	newEpoch, err := acceptEpoch(old.Epoch, epoch, flags)
	if err != nil {
		return err
	}

	next := &Snapshot{
		Epoch:    newEpoch,
		SlotMaps: old.SlotMaps,
		Repl:     cloneReplicationView(repl),
		Configs:  old.Configs,
	}
	s.cur.Store(next)
	metrics.RecordEpoch(newEpoch)
	return nil
}
