package tetra

import (
	"fmt"

	"github.com/tetradb/tetra/keys"
	"github.com/tetradb/tetra/kv"
	"github.com/tetradb/tetra/val"
)

// indexTuple extracts the field tuple a record contributes to an
// index. Missing fields index as None; unique indexes still enforce
// the tuple.
func indexTuple(def IndexDefinition, doc val.Object) val.Array {
	tuple := make(val.Array, len(def.Fields))
	for i, f := range def.Fields {
		tuple[i] = val.Pick(doc, val.ParsePath(f))
	}
	return tuple
}

// updateIndexes reconciles thing's index entries from before to after
// (either may be nil for create/delete).
func (tx *txn) updateIndexes(thing val.Thing, before, after val.Object) error {
	defs, err := tx.indexDefs(thing.Table)
	if err != nil {
		return err
	}
	for _, def := range defs {
		var oldT, newT val.Array
		if before != nil {
			oldT = indexTuple(def, before)
		}
		if after != nil {
			newT = indexTuple(def, after)
		}
		if before != nil && after != nil && val.Equal(oldT, newT) {
			continue
		}
		if before != nil {
			if err := tx.removeIndexEntry(thing, def, oldT); err != nil {
				return err
			}
		}
		if after != nil {
			if err := tx.addIndexEntry(thing, def, newT); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tx *txn) indexEntryKey(thing val.Thing, def IndexDefinition, tuple val.Array) []byte {
	k := keys.Index{Table: tx.table(thing.Table), IX: def.Name, Fields: tuple}
	if !def.Unique {
		k.ID = thing.ID
	}
	return k.Encode()
}

// addIndexEntry writes one entry; for unique indexes it first checks
// the slot, reporting ConstraintError when another record holds it.
// The check is an ordinary read, so a racing insert surfaces as a
// storage conflict, gets retried, and the retry sees the winner.
func (tx *txn) addIndexEntry(thing val.Thing, def IndexDefinition, tuple val.Array) error {
	key := tx.indexEntryKey(thing, def, tuple)
	if !def.Unique {
		return tx.kv.Set(tx.ctx, key, []byte{1})
	}
	existing, err := tx.kv.Get(tx.ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		holder, err := val.DecodeStored(existing)
		if err != nil {
			return fmt.Errorf("index %s.%s: %w", thing.Table, def.Name, err)
		}
		if !val.Equal(holder, thing.ID) {
			return &ConstraintError{Table: thing.Table, Index: def.Name, Value: tuple}
		}
	}
	value, err := val.EncodeStored(thing.ID)
	if err != nil {
		return err
	}
	return tx.kv.Set(tx.ctx, key, value)
}

func (tx *txn) removeIndexEntry(thing val.Thing, def IndexDefinition, tuple val.Array) error {
	return tx.kv.Del(tx.ctx, tx.indexEntryKey(thing, def, tuple))
}

// lookupUnique resolves a unique index slot to the record id holding
// it, if any.
func (tx *txn) lookupUnique(table string, def IndexDefinition, tuple val.Array) (val.Value, bool, error) {
	key := tx.indexEntryKey(val.Thing{Table: table}, def, tuple)
	raw, err := tx.kv.Get(tx.ctx, key)
	if err != nil || raw == nil {
		return nil, false, err
	}
	id, err := val.DecodeStored(raw)
	if err != nil {
		return nil, false, fmt.Errorf("index %s.%s: %w", table, def.Name, err)
	}
	return id, true, nil
}

// scanIndex iterates the record ids under one index tuple prefix in
// entry order.
func (tx *txn) scanIndex(table string, def IndexDefinition, tuple val.Array, fn func(id val.Value) (bool, error)) error {
	if def.Unique {
		id, found, err := tx.lookupUnique(table, def, tuple)
		if err != nil || !found {
			return err
		}
		_, err = fn(id)
		return err
	}
	prefix := keys.Index{Table: tx.table(table), IX: def.Name, Fields: tuple}.Encode()
	cur, err := tx.kv.Scan(tx.ctx, kv.RawPrefix(prefix))
	if err != nil {
		return err
	}
	defer cur.Close()
	for cur.Next() {
		entry, err := keys.DecodeIndex(cur.Key())
		if err != nil {
			return err
		}
		more, err := fn(entry.ID)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
