package tetra

import (
	"context"
	"fmt"

	"github.com/tetradb/tetra/keys"
	"github.com/tetradb/tetra/kv"
	"github.com/tetradb/tetra/val"
)

// Action classifies a record change.
type Action uint8

const (
	ActionCreate Action = iota + 1
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	}
	return "?"
}

// Change is one record mutation observed inside a transaction. Before
// is None for creates, After is None for deletes.
type Change struct {
	Action Action
	Record val.Thing
	Before val.Value
	After  val.Value
}

// txn executes one statement's reads and writes on top of a kv
// transaction, maintaining indexes and graph entries and collecting
// changes for the feed.
type txn struct {
	ctx     context.Context
	ds      *Datastore
	kv      kv.Tx
	db      keys.Database
	changes []Change
}

func (ds *Datastore) newTxn(ctx context.Context, sess Session, ktx kv.Tx) *txn {
	return &txn{
		ctx: ctx,
		ds:  ds,
		kv:  ktx,
		db:  keys.Database{NS: sess.NS, DB: sess.DB},
	}
}

func (tx *txn) table(tb string) keys.Table {
	return keys.Table{Database: tx.db, TB: tb}
}

func (tx *txn) getRecord(thing val.Thing) (val.Object, bool, error) {
	key := keys.Record{Table: tx.table(thing.Table), ID: thing.ID}
	raw, err := tx.kv.Get(tx.ctx, key.Encode())
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return nil, false, fmt.Errorf("record %s: %w", thing, err)
	}
	return doc, true, nil
}

// putRecord writes doc at thing, maintaining index and graph entries
// relative to before (nil for a create) and collecting the change.
// doc must already carry its id field.
func (tx *txn) putRecord(thing val.Thing, before val.Object, doc val.Object) error {
	if err := tx.ensureTable(thing.Table); err != nil {
		return err
	}
	if err := tx.updateIndexes(thing, before, doc); err != nil {
		return err
	}
	if err := tx.updateGraph(thing, before, doc); err != nil {
		return err
	}

	key := keys.Record{Table: tx.table(thing.Table), ID: thing.ID}
	raw, err := val.EncodeStored(doc)
	if err != nil {
		return fmt.Errorf("record %s: %w", thing, err)
	}
	if err := tx.kv.Set(tx.ctx, key.Encode(), raw); err != nil {
		return err
	}

	change := Change{Action: ActionUpdate, Record: thing, After: val.Copy(doc)}
	if before == nil {
		change.Action = ActionCreate
		change.Before = val.None
	} else {
		change.Before = val.Copy(before)
	}
	tx.changes = append(tx.changes, change)
	return nil
}

// deleteRecord removes thing, its index and graph entries, and every
// edge record incident to it.
func (tx *txn) deleteRecord(thing val.Thing) (val.Object, bool, error) {
	before, found, err := tx.getRecord(thing)
	if err != nil || !found {
		return nil, false, err
	}

	key := keys.Record{Table: tx.table(thing.Table), ID: thing.ID}
	if err := tx.kv.Del(tx.ctx, key.Encode()); err != nil {
		return nil, false, err
	}
	if err := tx.updateIndexes(thing, before, nil); err != nil {
		return nil, false, err
	}
	if err := tx.updateGraph(thing, before, nil); err != nil {
		return nil, false, err
	}
	tx.changes = append(tx.changes, Change{
		Action: ActionDelete, Record: thing, Before: before, After: val.None,
	})

	// Cascade: an edge referencing a dead record must not survive it.
	incident, err := tx.incidentEdges(thing)
	if err != nil {
		return nil, false, err
	}
	for _, edge := range incident {
		if _, _, err := tx.deleteRecord(edge); err != nil {
			return nil, false, err
		}
	}
	return before, true, nil
}

// scanRecords iterates the records under prefix in key order; fn
// returning false stops the scan early.
func (tx *txn) scanRecords(prefix []byte, fn func(thing val.Thing, doc val.Object) (bool, error)) error {
	cur, err := tx.kv.Scan(tx.ctx, kv.RawPrefix(prefix))
	if err != nil {
		return err
	}
	defer cur.Close()
	for cur.Next() {
		rec, err := keys.DecodeRecord(cur.Key())
		if err != nil {
			return err
		}
		doc, err := decodeDoc(cur.Value())
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.Thing(), err)
		}
		more, err := fn(rec.Thing(), doc)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// incidentEdges lists the edge records referencing thing from either
// direction.
func (tx *txn) incidentEdges(thing val.Thing) ([]val.Thing, error) {
	prefix := keys.GraphPrefix(tx.table(thing.Table), thing.ID)
	cur, err := tx.kv.Scan(tx.ctx, kv.RawPrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var edges []val.Thing
	for cur.Next() {
		g, err := keys.DecodeGraph(cur.Key())
		if err != nil {
			return nil, err
		}
		edges = append(edges, val.Thing{Table: g.ET, ID: g.FID})
	}
	return edges, nil
}

// traverse resolves one graph hop from the record doc describes.
func (tx *txn) traverse(doc val.Value, step Traverse) ([]val.Thing, error) {
	obj, ok := doc.(val.Object)
	if !ok {
		return nil, nil
	}
	self, ok := obj["id"].(val.Thing)
	if !ok {
		return nil, nil
	}
	prefix := keys.GraphDirPrefix(tx.table(self.Table), self.ID, step.Dir, step.Edge)
	cur, err := tx.kv.Scan(tx.ctx, kv.RawPrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var far []val.Thing
	for cur.Next() {
		g, err := keys.DecodeGraph(cur.Key())
		if err != nil {
			return nil, err
		}
		if step.Table != "" && g.FT.Table != step.Table {
			continue
		}
		far = append(far, g.FT)
	}
	return far, nil
}

// updateGraph reconciles the two directional graph entries an edge
// record owns. Non-edge records have none.
func (tx *txn) updateGraph(thing val.Thing, before, after val.Object) error {
	oldKeys := tx.graphKeys(thing, before)
	newKeys := tx.graphKeys(thing, after)
	for _, k := range oldKeys {
		if !containsKey(newKeys, k) {
			if err := tx.kv.Del(tx.ctx, k); err != nil {
				return err
			}
		}
	}
	for _, k := range newKeys {
		if !containsKey(oldKeys, k) {
			if err := tx.kv.Set(tx.ctx, k, []byte{1}); err != nil {
				return err
			}
		}
	}
	return nil
}

// graphKeys returns the graph entries doc implies: an edge record (a
// doc with in and out record references) is indexed under both of its
// endpoints.
func (tx *txn) graphKeys(thing val.Thing, doc val.Object) [][]byte {
	if doc == nil {
		return nil
	}
	in, okIn := doc["in"].(val.Thing)
	out, okOut := doc["out"].(val.Thing)
	if !okIn || !okOut {
		return nil
	}
	fromSide := keys.Graph{
		Table: tx.table(in.Table), ID: in.ID,
		Dir: keys.DirOut, ET: thing.Table, FID: thing.ID, FT: out,
	}
	toSide := keys.Graph{
		Table: tx.table(out.Table), ID: out.ID,
		Dir: keys.DirIn, ET: thing.Table, FID: thing.ID, FT: in,
	}
	return [][]byte{fromSide.Encode(), toSide.Encode()}
}

// flush persists the collected changes as versionstamped feed entries
// and commits the kv transaction.
func (tx *txn) flush() (kv.Versionstamp, error) {
	if tx.kv.Writable() {
		prefix := keys.ChangesPrefix(tx.db)
		for _, ch := range tx.changes {
			payload, err := val.EncodeStored(changeDoc(ch))
			if err != nil {
				return 0, err
			}
			if err := tx.kv.SetVersionstamped(tx.ctx, prefix, payload); err != nil {
				return 0, err
			}
		}
	}
	return tx.kv.Commit(tx.ctx)
}

func changeDoc(ch Change) val.Object {
	return val.Object{
		"action": val.String(ch.Action.String()),
		"record": ch.Record,
		"before": ch.Before,
		"after":  ch.After,
	}
}

func decodeChangeDoc(v val.Value) (Change, error) {
	obj, ok := v.(val.Object)
	if !ok {
		return Change{}, fmt.Errorf("change entry is %s, want object", v.Kind())
	}
	var ch Change
	switch action, _ := obj["action"].(val.String); action {
	case "create":
		ch.Action = ActionCreate
	case "update":
		ch.Action = ActionUpdate
	case "delete":
		ch.Action = ActionDelete
	default:
		return Change{}, fmt.Errorf("unknown change action %q", action)
	}
	rec, ok := obj["record"].(val.Thing)
	if !ok {
		return Change{}, fmt.Errorf("change entry has no record reference")
	}
	ch.Record = rec
	ch.Before = obj["before"]
	ch.After = obj["after"]
	return ch, nil
}

func decodeDoc(raw []byte) (val.Object, error) {
	v, err := val.DecodeStored(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(val.Object)
	if !ok {
		return nil, fmt.Errorf("stored value is %s, want object", v.Kind())
	}
	return obj, nil
}

func containsKey(list [][]byte, k []byte) bool {
	for _, x := range list {
		if string(x) == string(k) {
			return true
		}
	}
	return false
}
