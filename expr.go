package tetra

import (
	"strings"

	"github.com/tetradb/tetra/keys"
	"github.com/tetradb/tetra/val"
)

// Expr is a node of the expression tree a parser would produce.
// Predicates follow three-valued logic: a type mismatch or a missing
// field evaluates to None, and None is not truthy, so such rows drop
// out of WHERE without failing the statement.
type Expr interface {
	isExpr()
}

// Lit is a literal value.
type Lit struct {
	V val.Value
}

// Ident references a field of the current record by dot path,
// e.g. "address.city" or "tags.0".
type Ident struct {
	Path string
}

// Binary applies Op to two operands.
type Binary struct {
	Op Op
	L  Expr
	R  Expr
}

// Unary applies Op (OpNot or OpNeg) to one operand.
type Unary struct {
	Op Op
	X  Expr
}

// Traverse is a single graph hop from the current record:
// ->edge->table (DirOut) or <-edge<-table (DirIn). It evaluates to the
// array of far-side record references, and is only meaningful where
// the evaluation context carries a transaction (projections, WHERE).
type Traverse struct {
	Dir   keys.Direction
	Edge  string
	Table string // far-side table filter; empty matches any
}

// Edge directions, re-exported so plan construction does not need the
// keys package.
const (
	DirOut = keys.DirOut
	DirIn  = keys.DirIn
)

func (Lit) isExpr()      {}
func (Ident) isExpr()    {}
func (Binary) isExpr()   {}
func (Unary) isExpr()    {}
func (Traverse) isExpr() {}

type Op uint8

const (
	OpAnd Op = iota + 1
	OpOr
	OpNot
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpContains // container CONTAINS member
	OpInside   // member INSIDE container
	OpStarts   // string prefix match
)

func (op Op) String() string {
	switch op {
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	case OpNot:
		return "!"
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpNeg:
		return "-"
	case OpContains:
		return "CONTAINS"
	case OpInside:
		return "INSIDE"
	case OpStarts:
		return "STARTS WITH"
	}
	return "?"
}

// Eq is shorthand for field = literal, the shape the executor also
// recognizes for index selection.
func Eq(path string, v val.Value) Expr {
	return Binary{Op: OpEq, L: Ident{Path: path}, R: Lit{V: v}}
}

func And(l, r Expr) Expr { return Binary{Op: OpAnd, L: l, R: r} }
func Or(l, r Expr) Expr  { return Binary{Op: OpOr, L: l, R: r} }

// evalCtx carries what expression evaluation may need beyond the
// record itself. tx is nil in contexts without storage access (live
// notification filtering), where Traverse evaluates to None.
type evalCtx struct {
	tx  *txn
	doc val.Value
}

// eval never fails: errors of the predicate kind degrade to None.
func (ec *evalCtx) eval(e Expr) val.Value {
	switch e := e.(type) {
	case nil:
		return val.None
	case Lit:
		return e.V
	case Ident:
		return val.Pick(ec.doc, val.ParsePath(e.Path))
	case Unary:
		return ec.evalUnary(e)
	case Binary:
		return ec.evalBinary(e)
	case Traverse:
		return ec.evalTraverse(e)
	}
	return val.None
}

func (ec *evalCtx) evalUnary(e Unary) val.Value {
	x := ec.eval(e.X)
	switch e.Op {
	case OpNot:
		if val.IsNone(x) {
			return val.None
		}
		return val.Bool(!val.Truthy(x))
	case OpNeg:
		v, err := val.Sub(val.Int(0), x)
		if err != nil {
			return val.None
		}
		return v
	}
	return val.None
}

func (ec *evalCtx) evalBinary(e Binary) val.Value {
	switch e.Op {
	case OpAnd:
		l := ec.eval(e.L)
		if !val.Truthy(l) {
			return val.Bool(false)
		}
		return val.Bool(val.Truthy(ec.eval(e.R)))
	case OpOr:
		l := ec.eval(e.L)
		if val.Truthy(l) {
			return val.Bool(true)
		}
		return val.Bool(val.Truthy(ec.eval(e.R)))
	}

	l, r := ec.eval(e.L), ec.eval(e.R)
	switch e.Op {
	case OpEq:
		return val.Bool(val.Equal(l, r))
	case OpNe:
		return val.Bool(!val.Equal(l, r))
	case OpLt, OpLe, OpGt, OpGe:
		if !comparable(l, r) {
			return val.None
		}
		cmp := val.Compare(l, r)
		switch e.Op {
		case OpLt:
			return val.Bool(cmp < 0)
		case OpLe:
			return val.Bool(cmp <= 0)
		case OpGt:
			return val.Bool(cmp > 0)
		default:
			return val.Bool(cmp >= 0)
		}
	case OpAdd, OpSub, OpMul, OpDiv:
		var v val.Value
		var err error
		switch e.Op {
		case OpAdd:
			v, err = val.Add(l, r)
		case OpSub:
			v, err = val.Sub(l, r)
		case OpMul:
			v, err = val.Mul(l, r)
		default:
			v, err = val.Div(l, r)
		}
		if err != nil {
			return val.None
		}
		return v
	case OpContains:
		return val.Bool(val.Contains(l, r))
	case OpInside:
		return val.Bool(val.Contains(r, l))
	case OpStarts:
		ls, lok := l.(val.String)
		rs, rok := r.(val.String)
		if !lok || !rok {
			return val.None
		}
		return val.Bool(strings.HasPrefix(string(ls), string(rs)))
	}
	return val.None
}

// evalStrict is eval with mutation-side semantics: arithmetic type
// errors are reported instead of degrading to None. SET clauses use
// it; predicates never do.
func (ec *evalCtx) evalStrict(e Expr) (val.Value, error) {
	switch e := e.(type) {
	case Binary:
		switch e.Op {
		case OpAdd, OpSub, OpMul, OpDiv:
			l, err := ec.evalStrict(e.L)
			if err != nil {
				return nil, err
			}
			r, err := ec.evalStrict(e.R)
			if err != nil {
				return nil, err
			}
			var v val.Value
			switch e.Op {
			case OpAdd:
				v, err = val.Add(l, r)
			case OpSub:
				v, err = val.Sub(l, r)
			case OpMul:
				v, err = val.Mul(l, r)
			default:
				v, err = val.Div(l, r)
			}
			if err != nil {
				return nil, evalErrf("eval", "%v", err)
			}
			return v, nil
		}
	case Unary:
		if e.Op == OpNeg {
			x, err := ec.evalStrict(e.X)
			if err != nil {
				return nil, err
			}
			v, err := val.Sub(val.Int(0), x)
			if err != nil {
				return nil, evalErrf("eval", "%v", err)
			}
			return v, nil
		}
	}
	return ec.eval(e), nil
}

// comparable restricts ordering operators to same-class operands;
// cross-kind ordering exists for index keys but is surprising in
// predicates.
func comparable(a, b val.Value) bool {
	if val.IsNullish(a) || val.IsNullish(b) {
		return false
	}
	return a.Kind() == b.Kind()
}

func (ec *evalCtx) evalTraverse(e Traverse) val.Value {
	if ec.tx == nil {
		return val.None
	}
	things, err := ec.tx.traverse(ec.doc, e)
	if err != nil {
		return val.None
	}
	out := make(val.Array, 0, len(things))
	for _, t := range things {
		out = append(out, t)
	}
	return out
}
