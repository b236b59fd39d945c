package cluster

import (
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"

	"github.com/undermoon-go/proxy/internal/backend"
	"github.com/undermoon-go/proxy/internal/cluster/hash"
	"github.com/undermoon-go/proxy/internal/metrics"
	proxbytes "github.com/undermoon-go/proxy/pkg/bytes"
	"github.com/undermoon-go/proxy/pkg/protocolbuf"
)

// scanBatch is how many keys the engine asks the source back end for per
// SCAN round trip while hunting for keys in a migrating range.
const scanBatch = 500

// Engine drives the key-copy side of every in-flight MIGRATING/IMPORTING
// range this proxy is the source for. It never touches routing: a session
// still decides ASK/MOVED/local purely from the slot map, independent of
// how far a migration has gotten. Engine only empties the source back end so
// the control plane can eventually flip ownership with a fresh UMCTL SETDB.
type Engine struct {
	pool      *backend.Pool
	logger    *zap.Logger
	ratePerS  int
	bytesPerS int64

	mu    sync.Mutex
	tasks map[taskKey]*task
}

type taskKey struct {
	dbname string
	lo, hi uint16
	epoch  uint64
}

type task struct {
	dbname string
	r      SlotRange
	meta   MigrationMeta

	cancel chan struct{}
	start  time.Time

	mu            sync.Mutex
	keysRemaining int64
	bytesCopied   int64
	drained       bool
}

// NewEngine builds a migration engine bound to the back-end pool it reads
// and writes through. ratePerS bounds how many keys per second each task
// scans for, and bytesPerS bounds the total payload volume DUMP/RESTORE may
// move per task per second; both exist to keep migration from starving
// client traffic, since a range of very large values could saturate a back
// end's bandwidth well before it hit the keys/sec ceiling.
func NewEngine(pool *backend.Pool, logger *zap.Logger, ratePerS int, bytesPerS int64) *Engine {
	if ratePerS <= 0 {
		ratePerS = 2000
	}
	if bytesPerS <= 0 {
		bytesPerS = 50 << 20 // 50MB/s
	}
	return &Engine{pool: pool, logger: logger, ratePerS: ratePerS, bytesPerS: bytesPerS, tasks: make(map[taskKey]*task)}
}

// Reconcile is called after every successful SETDB. It starts a task for
// every Migrating range newly present in next and cancels any task whose
// range is no longer Migrating (the control plane moved on, by epoch or by
// completion).
func (e *Engine) Reconcile(old, next *Snapshot) {
	wanted := make(map[taskKey]*task)

	for db, m := range next.SlotMaps {
		for _, sr := range m.Ranges() {
			if sr.Dest.Kind != DestMigrating || sr.Dest.Migration == nil {
				continue
			}
			k := taskKey{dbname: db, lo: sr.Range.Lo, hi: sr.Range.Hi, epoch: sr.Dest.Migration.Epoch}
			wanted[k] = &task{dbname: db, r: sr.Range, meta: *sr.Dest.Migration, start: time.Now()}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for k, t := range e.tasks {
		if _, ok := wanted[k]; !ok {
			close(t.cancel)
			delete(e.tasks, k)
		}
	}
	for k, t := range wanted {
		if _, ok := e.tasks[k]; ok {
			continue
		}
		t.cancel = make(chan struct{})
		e.tasks[k] = t
		go e.run(t)
	}
}

// Progress reports drain status for every task still tracked, for UMCTL
// INFOREPL.
func (e *Engine) Progress() []MigrationProgress {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]MigrationProgress, 0, len(e.tasks))
	for _, t := range e.tasks {
		t.mu.Lock()
		out = append(out, MigrationProgress{
			Dbname:        t.dbname,
			Range:         t.r,
			Epoch:         t.meta.Epoch,
			DstProxy:      t.meta.DstProxy,
			KeysRemaining: t.keysRemaining,
			Drained:       t.drained,
		})
		t.mu.Unlock()
	}
	return out
}

// run repeatedly scans the source back end for keys in t.r until a full
// pass moves nothing, at which point the range is considered drained:
// clients may still write to the source while MIGRATING is in effect, so a
// single pass is not sufficient proof of completion.
func (e *Engine) run(t *task) {
	interval := time.Second / time.Duration(max(1, e.ratePerS/scanBatch))

	for {
		select {
		case <-t.cancel:
			return
		default:
		}

		moved, err := e.scanPass(t)
		if err != nil {
			e.logger.Warn("migration scan pass failed",
				zap.String("dbname", t.dbname), zap.Error(err))
			select {
			case <-t.cancel:
				return
			case <-time.After(interval):
			}
			continue
		}

		t.mu.Lock()
		t.drained = moved == 0
		t.mu.Unlock()

		if moved == 0 {
			// Drained; the control plane decides when to publish a new
			// SETDB that retires this range. Keep polling lightly so a
			// burst of late writes is still caught.
			select {
			case <-t.cancel:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case <-t.cancel:
			return
		case <-time.After(interval):
		}
	}
}

func (e *Engine) scanPass(t *task) (int, error) {
	cursor := "0"
	moved := 0
	for {
		select {
		case <-t.cancel:
			return moved, nil
		default:
		}

		reply := e.pool.Forward(t.meta.SrcBackend, [][]byte{
			[]byte("SCAN"), []byte(cursor), []byte("COUNT"), []byte("500"),
		}, false)
		if reply.Err != nil {
			return moved, reply.Err
		}
		next, keys, err := parseScanReply(reply.Value)
		if err != nil {
			return moved, err
		}
		cursor = next

		for _, key := range keys {
			if !inRange(hash.KeySlot(string(key)), t.r) {
				continue
			}
			if e.migrateKey(t, key) {
				moved++
			}
		}

		t.mu.Lock()
		t.keysRemaining = int64(len(keys))
		t.mu.Unlock()

		if cursor == "0" {
			return moved, nil
		}

		// Pace SCAN round trips so the task stays near ratePerS keys/sec.
		select {
		case <-t.cancel:
			return moved, nil
		case <-time.After(time.Second / time.Duration(max(1, e.ratePerS/scanBatch))):
		}
	}
}

func inRange(slot uint16, r SlotRange) bool {
	return slot >= r.Lo && slot <= r.Hi
}

// migrateKey copies one key from the source to the destination backend via
// DUMP+RESTORE and deletes it from the source once the destination
// acknowledges it, so a crash mid-copy never loses the key: it is left on the
// source, or on both sides if the crash falls between RESTORE and DEL.
// The DUMP payload is staged through the protocolbuf slab pool rather than
// handed to RESTORE as redigo's own freshly-allocated reply buffer, since
// this loop is the single highest-throughput byte-copying path in the
// proxy.
func (e *Engine) migrateKey(t *task, key []byte) bool {
	dump := e.pool.Forward(t.meta.SrcBackend, [][]byte{[]byte("DUMP"), key}, false)
	if dump.Err != nil || dump.Value == nil {
		return false
	}
	payload, err := redis.Bytes(dump.Value, nil)
	if err != nil {
		return false
	}

	buf := protocolbuf.GetSlice(len(payload))
	copy(buf, payload)
	defer protocolbuf.PutSlice(buf)

	e.throttleBytes(t, len(buf))

	pttl := e.pool.Forward(t.meta.SrcBackend, [][]byte{[]byte("PTTL"), key}, false)
	ttlMs, _ := redis.Int64(pttl.Value, pttl.Err)
	if ttlMs < 0 {
		ttlMs = 0
	}

	restore := e.pool.Forward(t.meta.DstBackend, [][]byte{
		[]byte("RESTORE"), key, proxbytes.FormatInt(nil, ttlMs), buf, []byte("REPLACE"),
	}, false)
	if restore.Err != nil {
		return false
	}

	del := e.pool.Forward(t.meta.SrcBackend, [][]byte{[]byte("DEL"), key}, false)
	if del.Err != nil {
		return false
	}

	metrics.RecordMigratedKeys(t.dbname, 1)
	return true
}

// throttleBytes enforces the engine's bytesPerS ceiling as a running average
// over the task's whole lifetime: if the bytes copied so far would have
// taken longer than they actually did at the configured rate, it sleeps off
// the difference before the caller issues the next RESTORE. This mirrors
// run's keys/sec interval throttle but accounts for payload size instead of
// a fixed per-key cost, since one huge value can carry as much load as
// hundreds of tiny ones.
func (e *Engine) throttleBytes(t *task, n int) {
	t.mu.Lock()
	t.bytesCopied += int64(n)
	copied := t.bytesCopied
	t.mu.Unlock()

	budget := time.Duration(copied) * time.Second / time.Duration(e.bytesPerS)
	if elapsed := time.Since(t.start); elapsed < budget {
		select {
		case <-t.cancel:
		case <-time.After(budget - elapsed):
		}
	}
}

func parseScanReply(v interface{}) (cursor string, keys [][]byte, err error) {
	vals, err := redis.Values(v, nil)
	if err != nil {
		return "", nil, err
	}
	if len(vals) != 2 {
		return "", nil, redis.ErrNil
	}
	cursor, err = redis.String(vals[0], nil)
	if err != nil {
		return "", nil, err
	}
	rawKeys, err := redis.Values(vals[1], nil)
	if err != nil {
		return "", nil, err
	}
	keys = make([][]byte, 0, len(rawKeys))
	for _, rk := range rawKeys {
		b, err := redis.Bytes(rk, nil)
		if err != nil {
			return "", nil, err
		}
		keys = append(keys, b)
	}
	return cursor, keys, nil
}
