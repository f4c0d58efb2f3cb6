package tetra

import (
	"sort"

	"github.com/tetradb/tetra/val"
)

// execute runs one non-live statement inside tx.
func (tx *txn) execute(stmt Statement) ([]val.Value, error) {
	switch stmt := stmt.(type) {
	case Select:
		return tx.execSelect(stmt)
	case Create:
		return tx.execCreate(stmt)
	case Update:
		return tx.execUpdate(stmt)
	case Delete:
		return tx.execDelete(stmt)
	case Relate:
		return tx.execRelate(stmt)
	}
	return nil, evalErrf("execute", "unsupported statement %T", stmt)
}

// resolveTarget yields the candidate records of a target in key order:
// point reads for explicit records, an index scan when where pins an
// indexed field to a literal, and a full table scan otherwise. The
// caller still filters; an index only narrows.
func (tx *txn) resolveTarget(tg Target, where Expr, fn func(thing val.Thing, doc val.Object) (bool, error)) error {
	if len(tg.Things) > 0 {
		for _, thing := range tg.Things {
			doc, found, err := tx.getRecord(thing)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			more, err := fn(thing, doc)
			if err != nil || !more {
				return err
			}
		}
		return nil
	}

	if def, tuple, ok := tx.pickIndex(tg.Table, where); ok {
		return tx.scanIndex(tg.Table, def, tuple, func(id val.Value) (bool, error) {
			thing := val.Thing{Table: tg.Table, ID: id}
			doc, found, err := tx.getRecord(thing)
			if err != nil || !found {
				return err == nil, err
			}
			return fn(thing, doc)
		})
	}
	return tx.scanRecords(tx.table(tg.Table).Prefix(), fn)
}

// pickIndex recognizes "field = literal" (possibly an AND conjunct)
// matching a single-field index.
func (tx *txn) pickIndex(table string, where Expr) (IndexDefinition, val.Array, bool) {
	path, lit, ok := eqConjunct(where)
	if !ok {
		return IndexDefinition{}, nil, false
	}
	defs, err := tx.indexDefs(table)
	if err != nil {
		return IndexDefinition{}, nil, false
	}
	for _, def := range defs {
		if len(def.Fields) == 1 && def.Fields[0] == path {
			return def, val.Array{lit}, true
		}
	}
	return IndexDefinition{}, nil, false
}

func eqConjunct(e Expr) (path string, lit val.Value, ok bool) {
	b, isBin := e.(Binary)
	if !isBin {
		return "", nil, false
	}
	switch b.Op {
	case OpEq:
		id, okL := b.L.(Ident)
		l, okR := b.R.(Lit)
		if okL && okR {
			return id.Path, l.V, true
		}
	case OpAnd:
		if path, lit, ok = eqConjunct(b.L); ok {
			return path, lit, true
		}
		return eqConjunct(b.R)
	}
	return "", nil, false
}

func (tx *txn) matches(where Expr, doc val.Object) bool {
	if where == nil {
		return true
	}
	ec := &evalCtx{tx: tx, doc: doc}
	return val.Truthy(ec.eval(where))
}

func (tx *txn) execSelect(stmt Select) ([]val.Value, error) {
	// Without ordering the scan can stop as soon as the page is full.
	stop := 0
	if len(stmt.Order) == 0 && stmt.Limit > 0 {
		stop = stmt.Start + stmt.Limit
	}

	var rows []val.Value
	err := tx.resolveTarget(stmt.Target, stmt.Where, func(thing val.Thing, doc val.Object) (bool, error) {
		if !tx.matches(stmt.Where, doc) {
			return true, nil
		}
		row, err := tx.project(stmt.Fields, doc)
		if err != nil {
			return false, err
		}
		row, err = tx.fetchPaths(row, stmt.Fetch)
		if err != nil {
			return false, err
		}
		rows = append(rows, row)
		return stop == 0 || len(rows) < stop, nil
	})
	if err != nil {
		return nil, err
	}

	orderRows(rows, stmt.Order)
	return paginate(rows, stmt.Start, stmt.Limit), nil
}

// project computes one output row. Empty fields pass the record
// through; a field evaluating to None is omitted from the row.
func (tx *txn) project(fields []Field, doc val.Object) (val.Value, error) {
	if len(fields) == 0 {
		return val.Copy(doc), nil
	}
	ec := &evalCtx{tx: tx, doc: doc}
	row := make(val.Object, len(fields))
	for _, f := range fields {
		v := ec.eval(f.Expr)
		if val.IsNone(v) {
			continue
		}
		row[f.Name] = v
	}
	return row, nil
}

// fetchPaths inlines record references at the named paths: a Thing
// becomes its record, an array maps over its Things, and a dangling
// reference becomes None.
func (tx *txn) fetchPaths(row val.Value, paths []string) (val.Value, error) {
	for _, p := range paths {
		path := val.ParsePath(p)
		expanded, err := tx.expand(val.Pick(row, path))
		if err != nil {
			return nil, err
		}
		row = val.Put(row, path, expanded)
	}
	return row, nil
}

func (tx *txn) expand(v val.Value) (val.Value, error) {
	switch v := v.(type) {
	case val.Thing:
		doc, found, err := tx.getRecord(v)
		if err != nil {
			return nil, err
		}
		if !found {
			return val.None, nil
		}
		return doc, nil
	case val.Array:
		out := make(val.Array, len(v))
		for i, el := range v {
			ex, err := tx.expand(el)
			if err != nil {
				return nil, err
			}
			out[i] = ex
		}
		return out, nil
	}
	return v, nil
}

func orderRows(rows []val.Value, order []OrderBy) {
	if len(order) == 0 {
		return
	}
	paths := make([]val.Path, len(order))
	for i, o := range order {
		paths[i] = val.ParsePath(o.Path)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for k, o := range order {
			cmp := val.Compare(val.Pick(rows[i], paths[k]), val.Pick(rows[j], paths[k]))
			if cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func paginate(rows []val.Value, start, limit int) []val.Value {
	if start > 0 {
		if start >= len(rows) {
			return nil
		}
		rows = rows[start:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func (tx *txn) execCreate(stmt Create) ([]val.Value, error) {
	thing := val.Thing{Table: stmt.Table, ID: stmt.ID}
	if stmt.ID == nil {
		thing = val.NewThing(stmt.Table)
	}
	_, found, err := tx.getRecord(thing)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, &ExistsError{Record: thing}
	}

	doc := asObject(val.Copy(orEmptyObject(stmt.Data)))
	doc["id"] = thing
	if err := tx.putRecord(thing, nil, doc); err != nil {
		return nil, err
	}
	return mutationRows(stmt.Return, nil, doc), nil
}

func (tx *txn) execUpdate(stmt Update) ([]val.Value, error) {
	type hit struct {
		thing val.Thing
		doc   val.Object
	}
	var hits []hit
	err := tx.resolveTarget(stmt.Target, stmt.Where, func(thing val.Thing, doc val.Object) (bool, error) {
		if tx.matches(stmt.Where, doc) {
			hits = append(hits, hit{thing, doc})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var rows []val.Value
	for _, h := range hits {
		after, err := tx.applyUpdate(stmt, h.thing, h.doc)
		if err != nil {
			return nil, err
		}
		if err := tx.putRecord(h.thing, h.doc, after); err != nil {
			return nil, err
		}
		rows = append(rows, mutationRows(stmt.Return, h.doc, after)...)
	}
	return rows, nil
}

func (tx *txn) applyUpdate(stmt Update, thing val.Thing, doc val.Object) (val.Object, error) {
	var after val.Value
	switch stmt.Mode {
	case UpdateSet:
		after = val.Copy(doc)
		ec := &evalCtx{tx: tx, doc: after}
		for _, op := range stmt.Set {
			v, err := ec.evalStrict(op.Expr)
			if err != nil {
				return nil, err
			}
			after = val.Put(after, val.ParsePath(op.Path), v)
			ec.doc = after
		}
	case UpdateMerge:
		after = mergeObjects(val.Copy(doc).(val.Object), stmt.Data)
	case UpdateReplace:
		after = val.Copy(orEmptyObject(stmt.Data))
	default:
		return nil, evalErrf("update", "unknown update mode %d", stmt.Mode)
	}
	obj, ok := after.(val.Object)
	if !ok {
		return nil, evalErrf("update", "record content must be an object, got %s", after.Kind())
	}
	obj["id"] = thing
	return obj, nil
}

// mergeObjects deep-merges patch into base: object values merge
// recursively, None deletes, everything else overwrites.
func mergeObjects(base val.Object, patch val.Object) val.Object {
	for k, pv := range patch {
		if val.IsNone(pv) {
			delete(base, k)
			continue
		}
		if po, ok := pv.(val.Object); ok {
			if bo, ok := base[k].(val.Object); ok {
				base[k] = mergeObjects(bo, po)
				continue
			}
		}
		base[k] = val.Copy(pv)
	}
	return base
}

func (tx *txn) execDelete(stmt Delete) ([]val.Value, error) {
	var doomed []val.Thing
	err := tx.resolveTarget(stmt.Target, stmt.Where, func(thing val.Thing, doc val.Object) (bool, error) {
		if tx.matches(stmt.Where, doc) {
			doomed = append(doomed, thing)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var rows []val.Value
	for _, thing := range doomed {
		before, existed, err := tx.deleteRecord(thing)
		if err != nil {
			return nil, err
		}
		if existed && stmt.Return == ReturnBefore {
			rows = append(rows, before)
		}
	}
	return rows, nil
}

func (tx *txn) execRelate(stmt Relate) ([]val.Value, error) {
	thing := val.Thing{Table: stmt.Edge, ID: stmt.ID}
	if stmt.ID == nil {
		thing = val.NewThing(stmt.Edge)
	}
	_, found, err := tx.getRecord(thing)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, &ExistsError{Record: thing}
	}

	doc := asObject(val.Copy(orEmptyObject(stmt.Data)))
	doc["id"] = thing
	doc["in"] = stmt.From
	doc["out"] = stmt.To
	if err := tx.putRecord(thing, nil, doc); err != nil {
		return nil, err
	}
	return mutationRows(stmt.Return, nil, doc), nil
}

func mutationRows(mode ReturnMode, before, after val.Object) []val.Value {
	switch mode {
	case ReturnNone:
		return nil
	case ReturnBefore:
		if before == nil {
			return []val.Value{val.None}
		}
		return []val.Value{before}
	default:
		return []val.Value{after}
	}
}

func orEmptyObject(o val.Object) val.Object {
	if o == nil {
		return val.Object{}
	}
	return o
}

func asObject(v val.Value) val.Object {
	if o, ok := v.(val.Object); ok {
		return o
	}
	return val.Object{}
}
