package cluster

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"

	proxbytes "github.com/undermoon-go/proxy/pkg/bytes"
	proxerrors "github.com/undermoon-go/proxy/pkg/errors"
	"github.com/undermoon-go/proxy/pkg/protocolbuf"
)

// MigrationStarter is implemented by the migration engine; the control
// handler calls it whenever a SETDB installs a fresh Migrating range so the
// key-copy task can begin, and to cancel tasks the new snapshot no longer
// names.
type MigrationStarter interface {
	Reconcile(old, next *Snapshot)
	// Progress reports drain status for UMCTL INFOREPL.
	Progress() []MigrationProgress
}

// MigrationProgress describes one in-flight range for UMCTL INFOREPL.
type MigrationProgress struct {
	Dbname       string
	Range        SlotRange
	Epoch        uint64
	DstProxy     string
	KeysRemaining int64
	Drained      bool
}

// Handler parses and validates UMCTL verbs, drives the Store, and answers
// CLUSTER NODES/SLOTS from the published snapshot. It is the data plane's
// only entry point for externally-driven configuration changes.
type Handler struct {
	store     *Store
	selfProxy string
	migration MigrationStarter
}

// NewHandler builds a control handler bound to store and this proxy's own
// address (used to validate migrating/importing peer-direction and to
// identify "myself" in CLUSTER NODES).
func NewHandler(store *Store, selfProxy string, migration MigrationStarter) *Handler {
	return &Handler{store: store, selfProxy: selfProxy, migration: migration}
}

// HandleUMCTL dispatches one UMCTL subcommand, writing the RESP reply.
func (h *Handler) HandleUMCTL(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'umctl' command")
		return
	}
	proxbytes.ToUpperInPlace(args[0])
	sub := proxbytes.BytesToString(args[0])
	rest := args[1:]

	switch sub {
	case "SETDB":
		h.handleSetDB(conn, rest)
	case "SETREPL":
		h.handleSetRepl(conn, rest)
	case "LISTDB":
		h.handleListDB(conn)
	case "CLEARDB":
		h.handleClearDB(conn)
	case "INFOREPL":
		h.handleInfoRepl(conn)
	default:
		conn.WriteError("ERR unknown UMCTL subcommand '" + sub + "'")
	}
}

// --- tokenizer -------------------------------------------------------------

type cursor struct {
	toks [][]byte
	pos  int
}

func (c *cursor) done() bool { return c.pos >= len(c.toks) }

func (c *cursor) peek() (string, bool) {
	if c.done() {
		return "", false
	}
	return string(c.toks[c.pos]), true
}

func (c *cursor) next() (string, bool) {
	v, ok := c.peek()
	if ok {
		c.pos++
	}
	return v, ok
}

func (c *cursor) nextUint(label string) (uint64, error) {
	v, ok := c.next()
	if !ok {
		return 0, fmt.Errorf("missing %s", label)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", label, v)
	}
	return n, nil
}

func parseRange(tok string) (SlotRange, error) {
	lo, hi, ok := strings.Cut(tok, "-")
	if !ok {
		return SlotRange{}, fmt.Errorf("invalid range %q", tok)
	}
	loN, err := strconv.ParseUint(lo, 10, 16)
	if err != nil {
		return SlotRange{}, fmt.Errorf("invalid range %q", tok)
	}
	hiN, err := strconv.ParseUint(hi, 10, 16)
	if err != nil {
		return SlotRange{}, fmt.Errorf("invalid range %q", tok)
	}
	r := SlotRange{Lo: uint16(loN), Hi: uint16(hiN)}
	if !r.valid() {
		return SlotRange{}, fmt.Errorf("range %q out of bounds", tok)
	}
	return r, nil
}

// slotSpec is the parsed form of one slot_spec grammar production.
type slotSpec struct {
	tag    string // "", "migrating", "importing"
	ranges []SlotRange
	mig    MigrationMeta
}

func parseSlotSpec(c *cursor) (slotSpec, error) {
	var spec slotSpec
	tok, ok := c.peek()
	if !ok {
		return spec, fmt.Errorf("missing slot_spec")
	}
	lower := strings.ToLower(tok)
	if lower == "migrating" || lower == "importing" {
		spec.tag = lower
		c.next()
	}

	count, err := c.nextUint("slot_spec count")
	if err != nil {
		return spec, err
	}
	spec.ranges = make([]SlotRange, 0, count)
	for i := uint64(0); i < count; i++ {
		tok, ok := c.next()
		if !ok {
			return spec, fmt.Errorf("missing range in slot_spec")
		}
		r, err := parseRange(tok)
		if err != nil {
			return spec, err
		}
		spec.ranges = append(spec.ranges, r)
	}

	if spec.tag != "" {
		epoch, err := c.nextUint("migration epoch")
		if err != nil {
			return spec, err
		}
		srcProxy, ok := c.next()
		if !ok {
			return spec, fmt.Errorf("missing src_proxy")
		}
		srcBackend, ok := c.next()
		if !ok {
			return spec, fmt.Errorf("missing src_backend")
		}
		dstProxy, ok := c.next()
		if !ok {
			return spec, fmt.Errorf("missing dst_proxy")
		}
		dstBackend, ok := c.next()
		if !ok {
			return spec, fmt.Errorf("missing dst_backend")
		}
		spec.mig = MigrationMeta{
			Epoch:      epoch,
			SrcProxy:   srcProxy,
			SrcBackend: srcBackend,
			DstProxy:   dstProxy,
			DstBackend: dstBackend,
		}
	}
	return spec, nil
}

// --- SETDB -----------------------------------------------------------------

func (h *Handler) handleSetDB(conn redcon.Conn, args [][]byte) {
	dbSlotMaps, configs, epoch, flags, err := h.parseSetDB(args)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}

	old := h.store.Snapshot()
	if err := h.checkDrainGuard(old, dbSlotMaps); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	if err := h.store.ApplySetDB(epoch, flags, dbSlotMaps, configs); err != nil {
		if err == proxerrors.ErrStaleEpoch {
			conn.WriteError("ERR stale epoch")
		} else {
			conn.WriteError("ERR " + err.Error())
		}
		return
	}
	if h.migration != nil {
		h.migration.Reconcile(old, h.store.Snapshot())
	}
	conn.WriteString("OK")
}

// checkDrainGuard enforces spec.md §4.7's completion rule: a range this
// proxy is the Migrating source for may only be retired (replaced by
// anything other than the same Migrating destination) once the migration
// engine has observed a full drained scan pass for that exact range and
// epoch. Without this, an incoming SETDB could swap ownership away from a
// still-copying source and lose writes the key-copy task hasn't moved yet.
// next carries the slot maps a SETDB is about to install; old is the
// snapshot they would replace.
func (h *Handler) checkDrainGuard(old *Snapshot, next map[string]*SlotMap) error {
	if h.migration == nil {
		return nil
	}

	drained := make(map[taskKey]bool)
	for _, p := range h.migration.Progress() {
		drained[taskKey{dbname: p.Dbname, lo: p.Range.Lo, hi: p.Range.Hi, epoch: p.Epoch}] = p.Drained
	}

	for db, m := range old.SlotMaps {
		for _, sr := range m.Ranges() {
			if sr.Dest.Kind != DestMigrating || sr.Dest.Migration == nil {
				continue
			}
			if rangeStillMigrating(next[db], sr.Range, *sr.Dest.Migration) {
				continue
			}
			key := taskKey{dbname: db, lo: sr.Range.Lo, hi: sr.Range.Hi, epoch: sr.Dest.Migration.Epoch}
			if !drained[key] {
				return fmt.Errorf("dbname %q: range %d-%d is still migrating and has not drained", db, sr.Range.Lo, sr.Range.Hi)
			}
		}
	}
	return nil
}

// rangeStillMigrating reports whether m still carries the same Migrating
// assignment for r that meta describes. A nil m (dbname dropped entirely)
// never counts as still migrating.
func rangeStillMigrating(m *SlotMap, r SlotRange, meta MigrationMeta) bool {
	if m == nil {
		return false
	}
	d := m.Lookup(r.Lo)
	return d.Kind == DestMigrating && d.Migration != nil && *d.Migration == meta
}

func (h *Handler) parseSetDB(args [][]byte) (map[string]*SlotMap, map[string]DBConfig, uint64, Flags, error) {
	c := &cursor{toks: args}

	epoch, err := c.nextUint("epoch")
	if err != nil {
		return nil, nil, 0, 0, err
	}
	flagsTok, ok := c.next()
	if !ok {
		return nil, nil, 0, 0, fmt.Errorf("missing flags")
	}
	flags, err := parseFlags(flagsTok)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	builders := make(map[string]*slotMapBuilder)
	builder := func(db string) *slotMapBuilder {
		b, ok := builders[db]
		if !ok {
			b = newSlotMapBuilder(db, epoch)
			builders[db] = b
		}
		return b
	}

	configs := make(map[string]DBConfig)

	// Main (local backend) entries.
	for {
		tok, ok := c.peek()
		if !ok {
			break
		}
		up := strings.ToUpper(tok)
		if up == "PEER" || up == "CONFIG" {
			break
		}
		db, _ := c.next()
		addr, ok := c.next()
		if !ok {
			return nil, nil, 0, 0, fmt.Errorf("dbname %q: missing backend address", db)
		}
		spec, err := parseSlotSpec(c)
		if err != nil {
			return nil, nil, 0, 0, fmt.Errorf("dbname %q: %w", db, err)
		}
		if err := assignSpec(builder(db), spec, addr, h.selfProxy, true); err != nil {
			return nil, nil, 0, 0, err
		}
	}

	// PEER entries.
	if tok, ok := c.peek(); ok && strings.ToUpper(tok) == "PEER" {
		c.next()
		for {
			tok, ok := c.peek()
			if !ok {
				break
			}
			if strings.ToUpper(tok) == "CONFIG" {
				break
			}
			db, _ := c.next()
			addr, ok := c.next()
			if !ok {
				return nil, nil, 0, 0, fmt.Errorf("dbname %q: missing peer address", db)
			}
			spec, err := parseSlotSpec(c)
			if err != nil {
				return nil, nil, 0, 0, fmt.Errorf("dbname %q: %w", db, err)
			}
			if err := assignSpec(builder(db), spec, addr, h.selfProxy, false); err != nil {
				return nil, nil, 0, 0, err
			}
		}
	}

	// CONFIG entries.
	if tok, ok := c.peek(); ok && strings.ToUpper(tok) == "CONFIG" {
		c.next()
		for !c.done() {
			db, _ := c.next()
			field, ok := c.next()
			if !ok {
				return nil, nil, 0, 0, fmt.Errorf("dbname %q: missing config field", db)
			}
			value, ok := c.next()
			if !ok {
				return nil, nil, 0, 0, fmt.Errorf("dbname %q: missing config value", db)
			}
			cfg, ok := configs[db]
			if !ok {
				cfg = DBConfig{}
				configs[db] = cfg
			}
			cfg[field] = value
		}
	}

	dbSlotMaps := make(map[string]*SlotMap, len(builders))
	for db, b := range builders {
		m, err := b.build()
		if err != nil {
			return nil, nil, 0, 0, proxerrors.ErrInvalidSlotMap
		}
		dbSlotMaps[db] = m
	}
	return dbSlotMaps, configs, epoch, flags, nil
}

// assignSpec turns one parsed slot_spec into Destination assignments on b.
// isMain distinguishes the main (local backend) list from the PEER list,
// which decides what a bare, untagged spec means.
func assignSpec(b *slotMapBuilder, spec slotSpec, addr, selfProxy string, isMain bool) error {
	var dest Destination
	switch spec.tag {
	case "migrating":
		if spec.mig.DstProxy == selfProxy || spec.mig.DstProxy == "" {
			return fmt.Errorf("migrating range must name a peer destination")
		}
		meta := spec.mig
		dest = Destination{Kind: DestMigrating, LocalBackend: addr, Migration: &meta}
	case "importing":
		if spec.mig.SrcProxy == selfProxy || spec.mig.SrcProxy == "" {
			return fmt.Errorf("importing range must name a peer source")
		}
		meta := spec.mig
		dest = Destination{Kind: DestImporting, LocalBackend: addr, Migration: &meta}
	default:
		if isMain {
			dest = Destination{Kind: DestLocal, LocalBackend: addr}
		} else {
			dest = Destination{Kind: DestPeer, PeerProxy: addr}
		}
	}
	for _, r := range spec.ranges {
		if err := b.assign(r, dest); err != nil {
			return err
		}
	}
	return nil
}

func parseFlags(tok string) (Flags, error) {
	switch strings.ToUpper(tok) {
	case "NOFLAG", "":
		return FlagNone, nil
	case "FORCE":
		return FlagForce, nil
	default:
		return 0, fmt.Errorf("invalid flags %q", tok)
	}
}

// --- SETREPL -----------------------------------------------------------------

func (h *Handler) handleSetRepl(conn redcon.Conn, args [][]byte) {
	repl, epoch, flags, err := h.parseSetRepl(args)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	if err := h.store.ApplySetRepl(epoch, flags, repl); err != nil {
		if err == proxerrors.ErrStaleEpoch {
			conn.WriteError("ERR stale epoch")
		} else {
			conn.WriteError("ERR " + err.Error())
		}
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) parseSetRepl(args [][]byte) (ReplicationView, uint64, Flags, error) {
	c := &cursor{toks: args}

	epoch, err := c.nextUint("epoch")
	if err != nil {
		return nil, 0, 0, err
	}
	flagsTok, ok := c.next()
	if !ok {
		return nil, 0, 0, fmt.Errorf("missing flags")
	}
	flags, err := parseFlags(flagsTok)
	if err != nil {
		return nil, 0, 0, err
	}

	view := make(ReplicationView)
	for !c.done() {
		roleTok, _ := c.next()
		var role Role
		switch strings.ToLower(roleTok) {
		case "master":
			role = RoleMaster
		case "replica":
			role = RoleReplica
		default:
			return nil, 0, 0, fmt.Errorf("invalid role %q", roleTok)
		}
		db, ok := c.next()
		if !ok {
			return nil, 0, 0, fmt.Errorf("missing dbname")
		}
		node, ok := c.next()
		if !ok {
			return nil, 0, 0, fmt.Errorf("dbname %q: missing node address", db)
		}
		peerCount, err := c.nextUint("peer_count")
		if err != nil {
			return nil, 0, 0, err
		}
		rec := ReplicationRecord{Dbname: db, Role: role, Node: node}
		for i := uint64(0); i < peerCount; i++ {
			peerNode, ok := c.next()
			if !ok {
				return nil, 0, 0, fmt.Errorf("dbname %q: missing peer_node", db)
			}
			peerProxy, ok := c.next()
			if !ok {
				return nil, 0, 0, fmt.Errorf("dbname %q: missing peer_proxy", db)
			}
			rec.Peers = append(rec.Peers, PeerLink{PeerNode: peerNode, PeerProxy: peerProxy})
		}
		view[db] = append(view[db], rec)
	}
	return view, epoch, flags, nil
}

// --- LISTDB / CLEARDB / INFOREPL -------------------------------------------

func (h *Handler) handleListDB(conn redcon.Conn) {
	snap := h.store.Snapshot()
	names := make([]string, 0, len(snap.SlotMaps))
	for db := range snap.SlotMaps {
		names = append(names, db)
	}
	sort.Strings(names)
	conn.WriteArray(len(names))
	for _, db := range names {
		conn.WriteBulkString(db)
	}
}

func (h *Handler) handleClearDB(conn redcon.Conn) {
	old := h.store.Snapshot()
	if err := h.checkDrainGuard(old, map[string]*SlotMap{}); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	if err := h.store.ApplySetDB(old.Epoch, FlagForce, map[string]*SlotMap{}, map[string]DBConfig{}); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	if h.migration != nil {
		h.migration.Reconcile(old, h.store.Snapshot())
	}
	conn.WriteString("OK")
}

func (h *Handler) handleInfoRepl(conn redcon.Conn) {
	snap := h.store.Snapshot()

	dbs := make([]string, 0, len(snap.Repl))
	for db := range snap.Repl {
		dbs = append(dbs, db)
	}
	sort.Strings(dbs)

	var progress []MigrationProgress
	if h.migration != nil {
		progress = h.migration.Progress()
	}

	conn.WriteArray(len(dbs) + 1)
	for _, db := range dbs {
		recs := snap.Repl[db]
		conn.WriteArray(2 + len(recs))
		conn.WriteBulkString(db)
		conn.WriteArray(0) // empty placeholder element; the records follow directly
		for _, rec := range recs {
			conn.WriteArray(3)
			conn.WriteBulkString(rec.Role.String())
			conn.WriteBulkString(rec.Node)
			conn.WriteArray(len(rec.Peers))
			for _, p := range rec.Peers {
				conn.WriteArray(2)
				conn.WriteBulkString(p.PeerNode)
				conn.WriteBulkString(p.PeerProxy)
			}
		}
	}
	conn.WriteArray(len(progress))
	for _, p := range progress {
		conn.WriteArray(5)
		conn.WriteBulkString(p.Dbname)
		conn.WriteBulkString(fmt.Sprintf("%d-%d", p.Range.Lo, p.Range.Hi))
		conn.WriteInt64(int64(p.Epoch))
		conn.WriteBulkString(p.DstProxy)
		if p.Drained {
			conn.WriteBulkString("drained")
		} else {
			conn.WriteBulkString("migrating")
		}
	}
}

// --- CLUSTER NODES / SLOTS --------------------------------------------------

// nodeID derives a stable, 40-character synthetic cluster node id from a
// dbname and proxy address, padding a short hash with underscores the way
// real Redis Cluster node ids are fixed-width hex.
func nodeID(dbname, proxyAddr string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(dbname))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(proxyAddr))
	sum := fmt.Sprintf("%016x", h.Sum64())
	id := sum + strings.Repeat("_", 40-len(sum))
	return id[:40]
}

// proxyGroup is one line's worth of ranges owned (or still nominally owned)
// by a single proxy address, for CLUSTER NODES/SLOTS synthesis.
type proxyGroup struct {
	addr   string
	ranges []SlotRange
}

func groupByOwner(m *SlotMap, selfProxy string) []proxyGroup {
	owner := func(d Destination) string {
		switch d.Kind {
		case DestLocal, DestMigrating:
			return selfProxy
		case DestPeer:
			return d.PeerProxy
		case DestImporting:
			if d.Migration != nil {
				return d.Migration.SrcProxy
			}
			return selfProxy
		default:
			return selfProxy
		}
	}

	groups := make(map[string][]SlotRange)
	var order []string
	for _, r := range m.Ranges() {
		addr := owner(r.Dest)
		if _, ok := groups[addr]; !ok {
			order = append(order, addr)
		}
		groups[addr] = append(groups[addr], r.Range)
	}

	out := make([]proxyGroup, 0, len(order))
	for _, addr := range order {
		out = append(out, proxyGroup{addr: addr, ranges: groups[addr]})
	}
	return out
}

// ClusterNodes writes the synthesized CLUSTER NODES reply for dbname.
func (h *Handler) ClusterNodes(conn redcon.Conn, dbname string) {
	snap := h.store.Snapshot()
	m, ok := snap.SlotMaps[dbname]
	if !ok {
		conn.WriteBulkString("")
		return
	}

	buf := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(buf)
	for _, g := range groupByOwner(m, h.selfProxy) {
		flags := "master"
		if g.addr == h.selfProxy {
			flags = "myself,master"
		}
		var rangeStrs []string
		for _, r := range g.ranges {
			if r.Lo == r.Hi {
				rangeStrs = append(rangeStrs, strconv.FormatUint(uint64(r.Lo), 10))
			} else {
				rangeStrs = append(rangeStrs, fmt.Sprintf("%d-%d", r.Lo, r.Hi))
			}
		}
		fmt.Fprintf(buf, "%s %s %s - 0 0 %d connected %s\n",
			nodeID(dbname, g.addr), g.addr, flags, snap.Epoch, strings.Join(rangeStrs, " "))
	}
	conn.WriteBulkString(buf.String())
}

// ClusterSlots writes the synthesized CLUSTER SLOTS reply for dbname.
func (h *Handler) ClusterSlots(conn redcon.Conn, dbname string) {
	snap := h.store.Snapshot()
	m, ok := snap.SlotMaps[dbname]
	if !ok {
		conn.WriteArray(0)
		return
	}

	groups := groupByOwner(m, h.selfProxy)
	total := 0
	for _, g := range groups {
		total += len(g.ranges)
	}
	conn.WriteArray(total)
	for _, g := range groups {
		host, port := splitHostPort(g.addr)
		for _, r := range g.ranges {
			conn.WriteArray(3)
			conn.WriteInt64(int64(r.Lo))
			conn.WriteInt64(int64(r.Hi))
			conn.WriteArray(3)
			conn.WriteBulkString(host)
			conn.WriteInt64(int64(port))
			conn.WriteBulkString(nodeID(dbname, g.addr))
		}
	}
}

func splitHostPort(addr string) (string, int) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
