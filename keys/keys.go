// Package keys defines the logical key space and its order-preserving
// binary encoding. Every byte stored through the kv layer is addressed
// by one of these key types.
//
// All keys start with '/' followed by namespace and database segments,
// so the key space of one (namespace, database) pair is a contiguous
// byte range and transactions against different pairs never touch the
// same keys. Within a database:
//
//	/*{ns}*{db}!tb{tb}            table definition
//	/*{ns}*{db}*{tb}!ix{ix}       index definition
//	/*{ns}*{db}*{tb}*{id}         record
//	/*{ns}*{db}*{tb}+{ix}*{fs}    index entry (unique)
//	/*{ns}*{db}*{tb}+{ix}*{fs}{id} index entry (non-unique)
//	/*{ns}*{db}*{tb}~{id}{d}{et}{fid} graph edge reference
//	/*{ns}*{db}#{ts}{seq}         change-feed entry
//
// Segments are 0x00-terminated with embedded zeros escaped, record ids
// and index field tuples use the val ordered encoding, so a prefix
// scan over any partial key yields exactly its logical children.
package keys

import (
	"encoding/binary"
	"fmt"

	"github.com/tetradb/tetra/val"
)

const (
	kInit    = '/'
	kSep     = '*'
	kIndex   = '+'
	kGraph   = '~'
	kMeta    = '!'
	kChanges = '#'
)

// Direction of a graph edge reference relative to the record that owns
// the key.
type Direction uint8

const (
	DirOut Direction = 'o' // record is the edge's in-side, far side is out
	DirIn  Direction = 'i' // record is the edge's out-side, far side is in
)

func (d Direction) String() string {
	if d == DirOut {
		return "->"
	}
	return "<-"
}

// Database identifies a (namespace, database) pair, the unit of
// isolation.
type Database struct {
	NS string
	DB string
}

func (k Database) prefix(buf []byte) []byte {
	buf = append(buf, kInit, kSep)
	buf = val.AppendSegment(buf, []byte(k.NS))
	buf = append(buf, kSep)
	return val.AppendSegment(buf, []byte(k.DB))
}

// Prefix returns the byte prefix owned by this database.
func (k Database) Prefix() []byte { return k.prefix(nil) }

// Table identifies a table within a database.
type Table struct {
	Database
	TB string
}

func (k Table) prefix(buf []byte) []byte {
	buf = k.Database.prefix(buf)
	buf = append(buf, kSep)
	return val.AppendSegment(buf, []byte(k.TB))
}

// Prefix returns the byte prefix under which the table's record keys
// live.
func (k Table) Prefix() []byte {
	return append(k.prefix(nil), kSep)
}

// TableDef is the key holding a table's definition document.
type TableDef struct {
	Database
	TB string
}

func (k TableDef) Encode() []byte {
	buf := k.Database.prefix(nil)
	buf = append(buf, kMeta, 't', 'b')
	return val.AppendSegment(buf, []byte(k.TB))
}

// TableDefPrefix is the prefix under which all of a database's table
// definitions live.
func TableDefPrefix(db Database) []byte {
	return append(db.prefix(nil), kMeta, 't', 'b')
}

// DecodeTableDef parses a key produced by TableDef.Encode.
func DecodeTableDef(key []byte) (TableDef, error) {
	var k TableDef
	rest, err := k.Database.decode(key)
	if err != nil {
		return k, err
	}
	rest, err = expect(rest, kMeta, 't', 'b')
	if err != nil {
		return k, err
	}
	tb, rest, err := val.TakeSegment(rest)
	if err != nil || len(rest) != 0 {
		return k, fmt.Errorf("keys: malformed table definition key")
	}
	k.TB = string(tb)
	return k, nil
}

// IndexDef is the key holding an index's definition document.
type IndexDef struct {
	Table
	IX string
}

func (k IndexDef) Encode() []byte {
	buf := k.Table.prefix(nil)
	buf = append(buf, kMeta, 'i', 'x')
	return val.AppendSegment(buf, []byte(k.IX))
}

// IndexDefPrefix is the prefix under which a table's index definitions
// live.
func IndexDefPrefix(tb Table) []byte {
	return append(tb.prefix(nil), kMeta, 'i', 'x')
}

// IndexVersion is the key DDL bumps whenever a table's index
// definitions change. Writers read it before consulting cached
// definitions, so an in-flight record write conflicts with concurrent
// DDL on the same table instead of committing stale index entries.
func IndexVersion(tb Table) []byte {
	return append(tb.prefix(nil), kMeta, 'i', 'v')
}

// DecodeIndexDef parses a key produced by IndexDef.Encode.
func DecodeIndexDef(key []byte) (IndexDef, error) {
	var k IndexDef
	rest, err := k.Table.decode(key)
	if err != nil {
		return k, err
	}
	rest, err = expect(rest, kMeta, 'i', 'x')
	if err != nil {
		return k, err
	}
	ix, rest, err := val.TakeSegment(rest)
	if err != nil || len(rest) != 0 {
		return k, fmt.Errorf("keys: malformed index definition key")
	}
	k.IX = string(ix)
	return k, nil
}

// Record addresses a single record.
type Record struct {
	Table
	ID val.Value
}

func RecordKey(ns, db string, thing val.Thing) Record {
	return Record{Table{Database{ns, db}, thing.Table}, thing.ID}
}

func (k Record) Thing() val.Thing {
	return val.Thing{Table: k.TB, ID: k.ID}
}

func (k Record) Encode() []byte {
	buf := k.Table.prefix(nil)
	buf = append(buf, kSep)
	return val.AppendOrdered(buf, k.ID)
}

// DecodeRecord parses a key produced by Record.Encode.
func DecodeRecord(key []byte) (Record, error) {
	var k Record
	rest, err := k.Table.decode(key)
	if err != nil {
		return k, err
	}
	rest, err = expect(rest, kSep)
	if err != nil {
		return k, err
	}
	id, rest, err := val.DecodeOrdered(rest)
	if err != nil {
		return k, fmt.Errorf("keys: malformed record key: %w", err)
	}
	if len(rest) != 0 {
		return k, fmt.Errorf("keys: trailing bytes in record key")
	}
	k.ID = id
	return k, nil
}

// Index addresses one secondary index entry. Fields holds the indexed
// value tuple; ID is set for non-unique indexes only (unique entries
// carry the record key in the entry value instead).
type Index struct {
	Table
	IX     string
	Fields val.Array
	ID     val.Value
}

// EntryPrefix is the prefix of all entries of one index.
func IndexEntryPrefix(tb Table, ix string) []byte {
	buf := tb.prefix(nil)
	buf = append(buf, kIndex)
	buf = val.AppendSegment(buf, []byte(ix))
	return append(buf, kSep)
}

func (k Index) Encode() []byte {
	buf := IndexEntryPrefix(k.Table, k.IX)
	buf = val.AppendOrdered(buf, k.Fields)
	if k.ID != nil {
		buf = val.AppendOrdered(buf, k.ID)
	}
	return buf
}

// DecodeIndex parses a key produced by Index.Encode. The trailing
// record id is returned when present (non-unique indexes).
func DecodeIndex(key []byte) (Index, error) {
	var k Index
	rest, err := k.Table.decode(key)
	if err != nil {
		return k, err
	}
	rest, err = expect(rest, kIndex)
	if err != nil {
		return k, err
	}
	ix, rest, err := val.TakeSegment(rest)
	if err != nil {
		return k, fmt.Errorf("keys: malformed index key: %w", err)
	}
	k.IX = string(ix)
	rest, err = expect(rest, kSep)
	if err != nil {
		return k, err
	}
	fields, rest, err := val.DecodeOrdered(rest)
	if err != nil {
		return k, fmt.Errorf("keys: malformed index fields: %w", err)
	}
	arr, ok := fields.(val.Array)
	if !ok {
		return k, fmt.Errorf("keys: index fields are %s, expected array", fields.Kind())
	}
	k.Fields = arr
	if len(rest) > 0 {
		id, rest, err := val.DecodeOrdered(rest)
		if err != nil {
			return k, fmt.Errorf("keys: malformed index record id: %w", err)
		}
		if len(rest) != 0 {
			return k, fmt.Errorf("keys: trailing bytes in index key")
		}
		k.ID = id
	}
	return k, nil
}

// Graph addresses an edge reference of a record: from record ID, an
// edge of table ET leads to the far-side Thing FT. Two Graph keys are
// written per edge record (one per direction) so traversal in either
// direction is a single prefix scan.
type Graph struct {
	Table
	ID  val.Value // record on this side
	Dir Direction
	ET  string    // edge table
	FID val.Value // edge record id
	FT  val.Thing // record on the far side
}

// GraphPrefix scans all edge references of one record, optionally
// narrowed to one direction and edge table.
func GraphPrefix(tb Table, id val.Value) []byte {
	buf := tb.prefix(nil)
	buf = append(buf, kGraph)
	return val.AppendOrdered(buf, id)
}

func GraphDirPrefix(tb Table, id val.Value, dir Direction, et string) []byte {
	buf := GraphPrefix(tb, id)
	buf = append(buf, byte(dir))
	return val.AppendSegment(buf, []byte(et))
}

func (k Graph) Encode() []byte {
	buf := GraphDirPrefix(k.Table, k.ID, k.Dir, k.ET)
	buf = val.AppendOrdered(buf, k.FID)
	buf = val.AppendSegment(buf, []byte(k.FT.Table))
	return val.AppendOrdered(buf, k.FT.ID)
}

// DecodeGraph parses a key produced by Graph.Encode.
func DecodeGraph(key []byte) (Graph, error) {
	var k Graph
	rest, err := k.Table.decode(key)
	if err != nil {
		return k, err
	}
	rest, err = expect(rest, kGraph)
	if err != nil {
		return k, err
	}
	k.ID, rest, err = val.DecodeOrdered(rest)
	if err != nil {
		return k, fmt.Errorf("keys: malformed graph key id: %w", err)
	}
	if len(rest) == 0 {
		return k, fmt.Errorf("keys: truncated graph key")
	}
	switch Direction(rest[0]) {
	case DirOut, DirIn:
		k.Dir = Direction(rest[0])
	default:
		return k, fmt.Errorf("keys: invalid graph direction 0x%02x", rest[0])
	}
	et, rest, err := val.TakeSegment(rest[1:])
	if err != nil {
		return k, fmt.Errorf("keys: malformed graph edge table: %w", err)
	}
	k.ET = string(et)
	k.FID, rest, err = val.DecodeOrdered(rest)
	if err != nil {
		return k, fmt.Errorf("keys: malformed graph edge id: %w", err)
	}
	ft, rest, err := val.TakeSegment(rest)
	if err != nil {
		return k, fmt.Errorf("keys: malformed graph far table: %w", err)
	}
	fid, rest, err := val.DecodeOrdered(rest)
	if err != nil || len(rest) != 0 {
		return k, fmt.Errorf("keys: malformed graph far id")
	}
	k.FT = val.Thing{Table: string(ft), ID: fid}
	return k, nil
}

// ChangesPrefix is the prefix of a database's change-feed entries. The
// kv layer completes keys under this prefix with an 8-byte big-endian
// versionstamp and a 4-byte in-transaction sequence at commit time, so
// the feed scans in commit order.
func ChangesPrefix(db Database) []byte {
	return append(db.prefix(nil), kChanges)
}

// ChangesFrom returns the first change-feed key at or after ts.
func ChangesFrom(db Database, ts uint64) []byte {
	return binary.BigEndian.AppendUint64(ChangesPrefix(db), ts)
}

// DecodeChangeSuffix splits the versionstamp and sequence from a
// change-feed key's suffix (the part after ChangesPrefix).
func DecodeChangeSuffix(suffix []byte) (ts uint64, seq uint32, err error) {
	if len(suffix) != 12 {
		return 0, 0, fmt.Errorf("keys: malformed change-feed suffix of %d bytes", len(suffix))
	}
	return binary.BigEndian.Uint64(suffix), binary.BigEndian.Uint32(suffix[8:]), nil
}

func (k *Database) decode(key []byte) (rest []byte, err error) {
	rest, err = expect(key, kInit, kSep)
	if err != nil {
		return nil, err
	}
	ns, rest, err := val.TakeSegment(rest)
	if err != nil {
		return nil, fmt.Errorf("keys: malformed namespace: %w", err)
	}
	rest, err = expect(rest, kSep)
	if err != nil {
		return nil, err
	}
	db, rest, err := val.TakeSegment(rest)
	if err != nil {
		return nil, fmt.Errorf("keys: malformed database: %w", err)
	}
	k.NS, k.DB = string(ns), string(db)
	return rest, nil
}

func (k *Table) decode(key []byte) (rest []byte, err error) {
	rest, err = k.Database.decode(key)
	if err != nil {
		return nil, err
	}
	rest, err = expect(rest, kSep)
	if err != nil {
		return nil, err
	}
	tb, rest, err := val.TakeSegment(rest)
	if err != nil {
		return nil, fmt.Errorf("keys: malformed table: %w", err)
	}
	k.TB = string(tb)
	return rest, nil
}

func expect(buf []byte, bs ...byte) ([]byte, error) {
	if len(buf) < len(bs) {
		return nil, fmt.Errorf("keys: truncated key")
	}
	for i, b := range bs {
		if buf[i] != b {
			return nil, fmt.Errorf("keys: expected 0x%02x at offset %d, got 0x%02x", b, i, buf[i])
		}
	}
	return buf[len(bs):], nil
}
