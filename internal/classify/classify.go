// Package classify decides, for one incoming command, which keys it
// touches (if any) and how the session should handle it: answer locally,
// hand off to the control or cluster-introspection handler, or forward to a
// back end after resolving the key's slot.
package classify

import (
	"strconv"

	proxbytes "github.com/undermoon-go/proxy/pkg/bytes"
)

// Kind is the high-level disposition of a command.
type Kind int

const (
	// KindForward means the command carries one or more keys that must all
	// hash to the same slot; the session resolves that slot's destination
	// and forwards the command verbatim.
	KindForward Kind = iota
	// KindKeyless means the command needs no key and no back end: the
	// session answers it directly (PING, ECHO, SELECT, QUIT, ...).
	KindKeyless
	// KindAuth means the command selects the dbname for the rest of the
	// session's lifetime.
	KindAuth
	// KindControl means the command is UMCTL and must go to the control
	// handler, never to a back end.
	KindControl
	// KindClusterIntrospection means the command is CLUSTER NODES/SLOTS/...
	// and is synthesized from the metadata snapshot, never forwarded.
	KindClusterIntrospection
	// KindUnknown means the command isn't in the table; the session treats
	// unrecognized commands conservatively, as if their first argument were
	// a single key, unless descriptor lookup says to reject outright.
	KindUnknown
	// KindReject means the command is known but categorically unsupported
	// by a cluster-mode proxy (needs a whole-keyspace view this proxy
	// cannot provide, e.g. FLUSHALL across every back end, or KEYS).
	KindReject
)

// descriptor is one command's key-position geometry, modeled on the table
// Redis Cluster itself uses to route commands.
type descriptor struct {
	firstKey int // 1-based index of the first key argument; 0 means no keys
	lastKey  int // 1-based index of the last key argument; negative counts from the end
	step     int // stride between consecutive keys, minimum 1
	readOnly bool
}

var table = map[string]descriptor{
	// strings
	"GET":    {1, 1, 1, true},
	"SET":    {1, 1, 1, false},
	"SETNX":  {1, 1, 1, false},
	"SETEX":  {1, 1, 1, false},
	"PSETEX": {1, 1, 1, false},
	"GETSET": {1, 1, 1, false},
	"GETDEL": {1, 1, 1, false},
	"APPEND": {1, 1, 1, false},
	"STRLEN": {1, 1, 1, true},
	"INCR":   {1, 1, 1, false},
	"DECR":   {1, 1, 1, false},
	"INCRBY": {1, 1, 1, false},
	"DECRBY": {1, 1, 1, false},
	"MGET":   {1, -1, 1, true},
	"MSET":   {1, -1, 2, false},
	"MSETNX": {1, -1, 2, false},

	// generic key commands
	"DEL":       {1, -1, 1, false},
	"UNLINK":    {1, -1, 1, false},
	"EXISTS":    {1, -1, 1, true},
	"EXPIRE":    {1, 1, 1, false},
	"PEXPIRE":   {1, 1, 1, false},
	"EXPIREAT":  {1, 1, 1, false},
	"PEXPIREAT": {1, 1, 1, false},
	"TTL":       {1, 1, 1, true},
	"PTTL":      {1, 1, 1, true},
	"PERSIST":   {1, 1, 1, false},
	"TYPE":      {1, 1, 1, true},
	"RENAME":    {1, 2, 1, false},
	"RENAMENX":  {1, 2, 1, false},
	"DUMP":      {1, 1, 1, true},
	"RESTORE":   {1, 1, 1, false},
	"TOUCH":     {1, -1, 1, true},
	"COPY":      {1, 2, 1, false},

	// hashes
	"HSET":         {1, 1, 1, false},
	"HSETNX":       {1, 1, 1, false},
	"HGET":         {1, 1, 1, true},
	"HMSET":        {1, 1, 1, false},
	"HMGET":        {1, 1, 1, true},
	"HDEL":         {1, 1, 1, false},
	"HGETALL":      {1, 1, 1, true},
	"HLEN":         {1, 1, 1, true},
	"HEXISTS":      {1, 1, 1, true},
	"HKEYS":        {1, 1, 1, true},
	"HVALS":        {1, 1, 1, true},
	"HINCRBY":      {1, 1, 1, false},
	"HINCRBYFLOAT": {1, 1, 1, false},

	// lists
	"LPUSH":  {1, 1, 1, false},
	"RPUSH":  {1, 1, 1, false},
	"LPUSHX": {1, 1, 1, false},
	"RPUSHX": {1, 1, 1, false},
	"LPOP":   {1, 1, 1, false},
	"RPOP":   {1, 1, 1, false},
	"LRANGE": {1, 1, 1, true},
	"LLEN":   {1, 1, 1, true},
	"LINDEX": {1, 1, 1, true},
	"LSET":   {1, 1, 1, false},
	"LTRIM":  {1, 1, 1, false},
	"LREM":   {1, 1, 1, false},

	// sets
	"SADD":        {1, 1, 1, false},
	"SREM":        {1, 1, 1, false},
	"SMEMBERS":    {1, 1, 1, true},
	"SISMEMBER":   {1, 1, 1, true},
	"SMISMEMBER":  {1, 1, 1, true},
	"SCARD":       {1, 1, 1, true},
	"SPOP":        {1, 1, 1, false},
	"SRANDMEMBER": {1, 1, 1, true},
	"SINTER":      {1, -1, 1, true},
	"SUNION":      {1, -1, 1, true},
	"SDIFF":       {1, -1, 1, true},
	"SINTERSTORE": {1, -1, 1, false},
	"SUNIONSTORE": {1, -1, 1, false},
	"SDIFFSTORE":  {1, -1, 1, false},

	// sorted sets
	"ZADD":             {1, 1, 1, false},
	"ZREM":             {1, 1, 1, false},
	"ZSCORE":           {1, 1, 1, true},
	"ZINCRBY":          {1, 1, 1, false},
	"ZCARD":            {1, 1, 1, true},
	"ZCOUNT":           {1, 1, 1, true},
	"ZRANGE":           {1, 1, 1, true},
	"ZREVRANGE":        {1, 1, 1, true},
	"ZRANGEBYSCORE":    {1, 1, 1, true},
	"ZREVRANGEBYSCORE": {1, 1, 1, true},
	"ZRANK":            {1, 1, 1, true},
	"ZREVRANK":         {1, 1, 1, true},

	// bit ops
	"SETBIT":   {1, 1, 1, false},
	"GETBIT":   {1, 1, 1, true},
	"BITCOUNT": {1, 1, 1, true},
	"BITPOS":   {1, 1, 1, true},

	// introspection: the key follows a subcommand
	"OBJECT": {2, 2, 1, true},

	// commands a single-shard back end cannot serve truthfully through a
	// sharded proxy: they need a whole-keyspace view.
	"KEYS":      {},
	"FLUSHALL":  {},
	"FLUSHDB":   {},
	"DBSIZE":    {},
	"RANDOMKEY": {},
	"SCAN":      {},
	"SWAPDB":    {},
	"WAIT":      {},
}

var rejected = map[string]bool{
	"KEYS": true, "FLUSHALL": true, "FLUSHDB": true, "DBSIZE": true,
	"RANDOMKEY": true, "SCAN": true, "SWAPDB": true, "WAIT": true,
}

var keyless = map[string]bool{
	"PING": true, "ECHO": true, "SELECT": true, "QUIT": true,
	"HELLO": true, "COMMAND": true, "LOLWUT": true,
}

// Result is the outcome of classifying one command.
type Result struct {
	Kind     Kind
	Keys     [][]byte
	ReadOnly bool
}

// Classify inspects args[0] (the command name) and, for key-bearing
// commands, args[1:] to extract every key the command touches.
func Classify(args [][]byte) Result {
	if len(args) == 0 {
		return Result{Kind: KindUnknown}
	}
	proxbytes.ToUpperInPlace(args[0])
	name := proxbytes.BytesToString(args[0])

	switch name {
	case "UMCTL":
		return Result{Kind: KindControl}
	case "CLUSTER":
		return Result{Kind: KindClusterIntrospection}
	case "AUTH":
		return Result{Kind: KindAuth}
	case "EVAL", "EVALSHA":
		return classifyEval(args)
	}
	if keyless[name] {
		return Result{Kind: KindKeyless}
	}
	if rejected[name] {
		return Result{Kind: KindReject}
	}

	d, ok := table[name]
	if !ok {
		// Conservative default: treat arg 1 as a single key, unless there
		// isn't one, in which case there's nothing to route on.
		if len(args) < 2 {
			return Result{Kind: KindUnknown}
		}
		return Result{Kind: KindUnknown, Keys: [][]byte{args[1]}, ReadOnly: false}
	}

	keys := extractKeys(args, d)
	return Result{Kind: KindForward, Keys: keys, ReadOnly: d.readOnly}
}

// classifyEval extracts EVAL/EVALSHA's keys, which live at a different
// position than every other data command: `EVAL script numkeys key
// [key ...] arg [arg ...]` puts the first key at argument index 3, with
// numkeys (args[2]) naming how many follow. A static {firstKey,lastKey,step}
// descriptor can't express a count that comes from the command itself, so
// this is handled as a special case rather than a table entry.
func classifyEval(args [][]byte) Result {
	if len(args) < 3 {
		return Result{Kind: KindForward}
	}
	numKeys, err := strconv.Atoi(proxbytes.BytesToString(args[2]))
	if err != nil || numKeys <= 0 {
		return Result{Kind: KindForward}
	}
	last := 3 + numKeys
	if last > len(args) {
		last = len(args)
	}
	keys := make([][]byte, 0, last-3)
	for i := 3; i < last; i++ {
		keys = append(keys, args[i])
	}
	return Result{Kind: KindForward, Keys: keys}
}

func extractKeys(args [][]byte, d descriptor) [][]byte {
	if d.firstKey == 0 || d.firstKey >= len(args) {
		return nil
	}
	last := d.lastKey
	if last < 0 {
		last = len(args) + last
	}
	if last >= len(args) {
		last = len(args) - 1
	}
	step := d.step
	if step < 1 {
		step = 1
	}

	var keys [][]byte
	for i := d.firstKey; i <= last; i += step {
		keys = append(keys, args[i])
	}
	return keys
}
