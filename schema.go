package tetra

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tetradb/tetra/keys"
	"github.com/tetradb/tetra/kv"
	"github.com/tetradb/tetra/val"
)

// IndexDefinition declares a secondary index over field paths. Unique
// indexes reject two records with the same field tuple.
type IndexDefinition struct {
	Name   string
	Fields []string
	Unique bool
}

func (d IndexDefinition) encode() ([]byte, error) {
	fields := make(val.Array, len(d.Fields))
	for i, f := range d.Fields {
		fields[i] = val.String(f)
	}
	return val.EncodeStored(val.Object{
		"fields": fields,
		"unique": val.Bool(d.Unique),
	})
}

func decodeIndexDefinition(name string, raw []byte) (IndexDefinition, error) {
	v, err := val.DecodeStored(raw)
	if err != nil {
		return IndexDefinition{}, err
	}
	obj, ok := v.(val.Object)
	if !ok {
		return IndexDefinition{}, fmt.Errorf("index definition is %s, want object", v.Kind())
	}
	def := IndexDefinition{Name: name}
	fields, ok := obj["fields"].(val.Array)
	if !ok {
		return IndexDefinition{}, fmt.Errorf("index definition %q has no fields", name)
	}
	for _, f := range fields {
		s, ok := f.(val.String)
		if !ok {
			return IndexDefinition{}, fmt.Errorf("index definition %q: bad field %s", name, f)
		}
		def.Fields = append(def.Fields, string(s))
	}
	unique, _ := obj["unique"].(val.Bool)
	def.Unique = bool(unique)
	return def, nil
}

// ensureTable writes the table definition on first use so the table
// shows up in listings. Existing tables cost one buffered read.
func (tx *txn) ensureTable(tb string) error {
	key := keys.TableDef{Database: tx.db, TB: tb}.Encode()
	raw, err := tx.kv.Get(tx.ctx, key)
	if err != nil {
		return err
	}
	if raw != nil {
		return nil
	}
	empty, err := val.EncodeStored(val.Object{})
	if err != nil {
		return err
	}
	return tx.kv.Set(tx.ctx, key, empty)
}

// Tables lists the tables of the session's database.
func (ds *Datastore) Tables(ctx context.Context, sess Session) ([]string, error) {
	db := keys.Database{NS: sess.NS, DB: sess.DB}
	var tables []string
	err := kv.View(ctx, ds.store, func(ktx kv.Tx) error {
		cur, err := ktx.Scan(ctx, kv.RawPrefix(keys.TableDefPrefix(db)))
		if err != nil {
			return err
		}
		defer cur.Close()
		for cur.Next() {
			def, err := keys.DecodeTableDef(cur.Key())
			if err != nil {
				return err
			}
			tables = append(tables, def.TB)
		}
		return nil
	})
	return tables, err
}

func defsCacheKey(db keys.Database, tb string) string {
	return strings.Join([]string{db.NS, db.DB, tb}, "\x00")
}

// cachedDefs pairs decoded definitions with the index-version value
// they were loaded under.
type cachedDefs struct {
	version string
	defs    []IndexDefinition
}

// indexDefs returns the table's index definitions. The version key is
// read on every call, inside the transaction, so the read is tracked:
// a writer serving definitions from the cache still conflicts with
// concurrent DDL on the table. The cache only saves the definition
// scan and decode.
func (tx *txn) indexDefs(tb string) ([]IndexDefinition, error) {
	ver, err := tx.kv.Get(tx.ctx, keys.IndexVersion(tx.table(tb)))
	if err != nil {
		return nil, err
	}
	ck := defsCacheKey(tx.db, tb)
	if cached, ok := tx.ds.defs.Get(ck); ok {
		if c := cached.(cachedDefs); c.version == string(ver) {
			return c.defs, nil
		}
	}
	defs, err := tx.loadIndexDefs(tb)
	if err != nil {
		return nil, err
	}
	tx.ds.defs.SetDefault(ck, cachedDefs{version: string(ver), defs: defs})
	return defs, nil
}

// bumpIndexVersion marks the table's index definitions as changed.
// Reading the old value keeps concurrent DDL on the same table in
// conflict with each other too.
func bumpIndexVersion(ctx context.Context, ktx kv.Tx, tb keys.Table) error {
	key := keys.IndexVersion(tb)
	old, err := ktx.Get(ctx, key)
	if err != nil {
		return err
	}
	var n uint64
	if len(old) == 8 {
		n = binary.BigEndian.Uint64(old)
	}
	return ktx.Set(ctx, key, binary.BigEndian.AppendUint64(nil, n+1))
}

func (tx *txn) loadIndexDefs(tb string) ([]IndexDefinition, error) {
	cur, err := tx.kv.Scan(tx.ctx, kv.RawPrefix(keys.IndexDefPrefix(tx.table(tb))))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	defs := []IndexDefinition{}
	for cur.Next() {
		dk, err := keys.DecodeIndexDef(cur.Key())
		if err != nil {
			return nil, err
		}
		def, err := decodeIndexDefinition(dk.IX, cur.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// DefineIndex stores an index definition and backfills entries for
// existing records. Backfilling a unique index over duplicate data
// fails with ConstraintError and leaves the store unchanged.
func (ds *Datastore) DefineIndex(ctx context.Context, sess Session, table string, def IndexDefinition) error {
	if def.Name == "" || len(def.Fields) == 0 {
		return evalErrf("define index", "index needs a name and at least one field")
	}
	raw, err := def.encode()
	if err != nil {
		return err
	}
	_, err = kv.WithRetries(ctx, ds.store, ds.retries, func(ktx kv.Tx) error {
		tx := ds.newTxn(ctx, sess, ktx)
		key := keys.IndexDef{Table: tx.table(table), IX: def.Name}.Encode()
		if err := ktx.Set(ctx, key, raw); err != nil {
			return err
		}
		if err := bumpIndexVersion(ctx, ktx, tx.table(table)); err != nil {
			return err
		}
		type row struct {
			thing val.Thing
			tuple val.Array
		}
		var rows []row
		err := tx.scanRecords(tx.table(table).Prefix(), func(thing val.Thing, doc val.Object) (bool, error) {
			rows = append(rows, row{thing, indexTuple(def, doc)})
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := tx.addIndexEntry(r.thing, def, r.tuple); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		ds.defs.Delete(defsCacheKey(keys.Database{NS: sess.NS, DB: sess.DB}, table))
	}
	return err
}

// RemoveIndex drops an index definition and all of its entries.
func (ds *Datastore) RemoveIndex(ctx context.Context, sess Session, table, name string) error {
	_, err := kv.WithRetries(ctx, ds.store, ds.retries, func(ktx kv.Tx) error {
		tx := ds.newTxn(ctx, sess, ktx)
		key := keys.IndexDef{Table: tx.table(table), IX: name}.Encode()
		if err := ktx.Del(ctx, key); err != nil {
			return err
		}
		if err := bumpIndexVersion(ctx, ktx, tx.table(table)); err != nil {
			return err
		}
		cur, err := ktx.Scan(ctx, kv.RawPrefix(keys.IndexEntryPrefix(tx.table(table), name)))
		if err != nil {
			return err
		}
		defer cur.Close()
		var doomed [][]byte
		for cur.Next() {
			doomed = append(doomed, append([]byte(nil), cur.Key()...))
		}
		for _, k := range doomed {
			if err := ktx.Del(ctx, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		ds.defs.Delete(defsCacheKey(keys.Database{NS: sess.NS, DB: sess.DB}, table))
	}
	return err
}
