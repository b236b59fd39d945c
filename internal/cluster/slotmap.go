// Package cluster holds the proxy's view of sharding metadata: the
// per-dbname slot map, the replication view, and the epoch-gated store that
// publishes them. The metadata types are pure data plus the rules for
// replacing them; the control handler (control.go) writes client replies and
// the migration engine (migration.go) talks to back ends.
package cluster

import (
	"fmt"

	"github.com/undermoon-go/proxy/internal/cluster/hash"
)

// DestKind is the role a slot plays for this proxy.
type DestKind int

const (
	// DestLocal forwards the command to a local back end.
	DestLocal DestKind = iota
	// DestPeer redirects the client to another proxy with MOVED.
	DestPeer
	// DestMigrating means this proxy is the source of an in-flight range move.
	DestMigrating
	// DestImporting means this proxy is the destination of an in-flight range move.
	DestImporting
)

func (k DestKind) String() string {
	switch k {
	case DestLocal:
		return "local"
	case DestPeer:
		return "peer"
	case DestMigrating:
		return "migrating"
	case DestImporting:
		return "importing"
	default:
		return "unknown"
	}
}

// MigrationMeta describes one side of an in-flight slot range transfer.
// It is shared, byte-for-byte, between the Migrating and Importing
// destinations that tag the same range on the source and destination proxy.
type MigrationMeta struct {
	Epoch      uint64
	SrcProxy   string
	SrcBackend string
	DstProxy   string
	DstBackend string
}

// Destination is where a single slot routes to, for one dbname.
type Destination struct {
	Kind DestKind

	// LocalBackend is set when Kind == DestLocal, DestMigrating (the source's
	// own backend) or DestImporting (the destination's own backend).
	LocalBackend string

	// PeerProxy is set when Kind == DestPeer.
	PeerProxy string

	// Migration carries the epoch and both endpoints' addresses when
	// Kind is DestMigrating or DestImporting.
	Migration *MigrationMeta
}

// SlotRange is a closed interval of slots, lo <= hi, both within [0, SlotCount).
type SlotRange struct {
	Lo, Hi uint16
}

func (r SlotRange) valid() bool {
	return r.Lo <= r.Hi && r.Hi < hash.SlotCount
}

// SlotMap is an immutable, total mapping from slot to Destination for one
// dbname, tagged with the epoch it was built under. Once built it is never
// mutated; a new epoch produces a new SlotMap value.
type SlotMap struct {
	Dbname string
	Epoch  uint64
	slots  [hash.SlotCount]Destination
}

// Lookup returns the destination for slot.
func (m *SlotMap) Lookup(slot uint16) Destination {
	return m.slots[slot]
}

// Ranges returns the slot map collapsed into contiguous same-destination
// ranges, in ascending slot order. Used to synthesize CLUSTER NODES/SLOTS.
func (m *SlotMap) Ranges() []SlotMapRange {
	var out []SlotMapRange
	var cur *SlotMapRange
	for s := 0; s < hash.SlotCount; s++ {
		d := m.slots[s]
		if cur != nil && sameDest(cur.Dest, d) {
			cur.Range.Hi = uint16(s)
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		cur = &SlotMapRange{Range: SlotRange{Lo: uint16(s), Hi: uint16(s)}, Dest: d}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// SlotMapRange is one contiguous run of slots sharing a destination.
type SlotMapRange struct {
	Range SlotRange
	Dest  Destination
}

func sameDest(a, b Destination) bool {
	if a.Kind != b.Kind || a.LocalBackend != b.LocalBackend || a.PeerProxy != b.PeerProxy {
		return false
	}
	if (a.Migration == nil) != (b.Migration == nil) {
		return false
	}
	if a.Migration == nil {
		return true
	}
	return *a.Migration == *b.Migration
}

// slotMapBuilder accumulates per-slot assignments while detecting overlap,
// then yields a SlotMap only if every slot in [0, SlotCount) was assigned
// exactly once.
type slotMapBuilder struct {
	dbname   string
	epoch    uint64
	assigned [hash.SlotCount]bool
	dests    [hash.SlotCount]Destination
}

func newSlotMapBuilder(dbname string, epoch uint64) *slotMapBuilder {
	return &slotMapBuilder{dbname: dbname, epoch: epoch}
}

func (b *slotMapBuilder) assign(r SlotRange, d Destination) error {
	if !r.valid() {
		return fmt.Errorf("dbname %q: slot range %d-%d out of bounds", b.dbname, r.Lo, r.Hi)
	}
	for s := r.Lo; ; s++ {
		if b.assigned[s] {
			return fmt.Errorf("dbname %q: slot %d assigned more than once", b.dbname, s)
		}
		b.assigned[s] = true
		b.dests[s] = d
		if s == r.Hi {
			break
		}
	}
	return nil
}

func (b *slotMapBuilder) build() (*SlotMap, error) {
	for s := 0; s < hash.SlotCount; s++ {
		if !b.assigned[s] {
			return nil, fmt.Errorf("dbname %q: slot %d not covered", b.dbname, s)
		}
	}
	m := &SlotMap{Dbname: b.dbname, Epoch: b.epoch}
	copy(m.slots[:], b.dests[:])
	return m, nil
}
