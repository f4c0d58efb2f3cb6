package tetra

import (
	"fmt"

	"github.com/tetradb/tetra/val"
)

// ConstraintError reports a unique index violation. It is a hard
// statement error, distinct from storage conflicts, and is not
// retried.
type ConstraintError struct {
	Table string
	Index string
	Value val.Value
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("unique index %s.%s already contains %s", e.Table, e.Index, e.Value)
}

// ExistsError reports a create targeting an id that is already taken.
type ExistsError struct {
	Record val.Thing
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("record %s already exists", e.Record)
}

// EvalError reports a type error on the mutation side of a statement
// (bad arithmetic in a SET clause, a non-object replacement document).
// Predicate-side type mismatches never produce it; they evaluate to
// none instead.
type EvalError struct {
	Op  string
	Msg string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func evalErrf(op, format string, args ...any) *EvalError {
	return &EvalError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
