package tetra

import (
	"github.com/google/uuid"

	"github.com/tetradb/tetra/val"
)

// Statement is one executable unit, the shape a parser front-end would
// hand over. Statements are plain data; the executor gives them
// meaning.
type Statement interface {
	isStatement()
	readOnly() bool
}

// Target names the records a statement operates on: a whole table, or
// specific records.
type Target struct {
	Table  string
	Things []val.Thing // non-empty: point reads, Table is ignored
}

// TableTarget targets every record of a table.
func TableTarget(table string) Target { return Target{Table: table} }

// ThingTarget targets specific records.
func ThingTarget(things ...val.Thing) Target { return Target{Things: things} }

// Field is one projection: the value of Expr under Name. A field that
// evaluates to None is omitted from the output row.
type Field struct {
	Name string
	Expr Expr
}

// OrderBy sorts results by a field path.
type OrderBy struct {
	Path string
	Desc bool
}

// ReturnMode controls mutation output.
type ReturnMode uint8

const (
	ReturnAfter  ReturnMode = iota // resulting records (default)
	ReturnNone                     // no rows
	ReturnBefore                   // prior state (None for creates)
)

// Select reads records: resolve the target, filter, expand, project,
// order, paginate.
type Select struct {
	Target Target
	Fields []Field  // empty: whole records
	Where  Expr
	Fetch  []string // field paths whose record references are inlined
	Order  []OrderBy
	Start  int
	Limit  int // 0: no limit
}

// Create inserts one record. A zero ID gets a generated id. Creating
// an id that already exists is an error.
type Create struct {
	Table  string
	ID     val.Value // nil: generate
	Data   val.Object
	Return ReturnMode
}

// UpdateMode selects how Update combines Data with the existing
// record.
type UpdateMode uint8

const (
	UpdateSet     UpdateMode = iota // apply Set field assignments
	UpdateMerge                     // deep-merge Data
	UpdateReplace                   // replace content with Data
)

// SetOp assigns the value of an expression to a field path.
type SetOp struct {
	Path string
	Expr Expr
}

// Update modifies matching records.
type Update struct {
	Target Target
	Where  Expr
	Mode   UpdateMode
	Set    []SetOp    // UpdateSet
	Data   val.Object // UpdateMerge, UpdateReplace
	Return ReturnMode
}

// Delete removes matching records and their incident graph edges.
type Delete struct {
	Target Target
	Where  Expr
	Return ReturnMode
}

// Relate creates an edge record in table Edge from From to To,
// carrying Data plus in/out references, and indexes the edge in both
// directions.
type Relate struct {
	From   val.Thing
	Edge   string
	To     val.Thing
	ID     val.Value // nil: generate
	Data   val.Object
	Return ReturnMode
}

// Live registers a live query against a table; the result carries a
// Subscription. Where filters notifications by the record state after
// the change (before it, for deletes).
type Live struct {
	Table string
	Where Expr
}

// Kill removes a live query by handle.
type Kill struct {
	ID uuid.UUID
}

func (Select) isStatement() {}
func (Create) isStatement() {}
func (Update) isStatement() {}
func (Delete) isStatement() {}
func (Relate) isStatement() {}
func (Live) isStatement()   {}
func (Kill) isStatement()   {}

func (Select) readOnly() bool { return true }
func (Create) readOnly() bool { return false }
func (Update) readOnly() bool { return false }
func (Delete) readOnly() bool { return false }
func (Relate) readOnly() bool { return false }
func (Live) readOnly() bool   { return true }
func (Kill) readOnly() bool   { return true }

// Result is the outcome of one statement. Statement failures land in
// Err; other statements of the same Execute batch still run.
type Result struct {
	Values []val.Value
	Live   *Subscription // set for Live statements
	Err    error
}
