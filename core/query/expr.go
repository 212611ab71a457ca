// Package query implements the declarative query IR and the compiler that
// turns it into a wired dataflow graph: join/reduce/orderby operators
// threaded together per the IR's from/join/where/groupBy/having/select/
// orderBy/limit/offset clauses, plus the pushable-WHERE split, the lazy-
// collection set, and the optimizable-orderBy map the live-query
// coordinator needs to drive sources efficiently.
package query

import (
	"fmt"
	"strings"
)

// Kind discriminates an expression node.
type Kind int

const (
	KindRef Kind = iota
	KindVal
	KindFunc
)

// Closed operator set for KindFunc expressions.
const (
	OpEq   = "eq"
	OpNe   = "ne"
	OpGt   = "gt"
	OpGte  = "gte"
	OpLt   = "lt"
	OpLte  = "lte"
	OpIn   = "in"
	OpAnd  = "and"
	OpOr   = "or"
	OpNot  = "not"
	OpLike = "like"
)

// Expr is a node in the expression IR: a field reference, a literal
// value, or a function call over a closed operator set. Rows are
// represented as map[string]any; Ref paths index into (possibly nested)
// maps.
type Expr struct {
	Kind Kind

	Path []string // KindRef
	Value any      // KindVal

	Func string // KindFunc
	Args []Expr  // KindFunc
}

// Ref builds a field-reference expression. A multi-element path indexes
// into nested maps (ref("address", "city")).
func Ref(path ...string) Expr { return Expr{Kind: KindRef, Path: path} }

// Val builds a literal-value expression.
func Val(v any) Expr { return Expr{Kind: KindVal, Value: v} }

// Fn builds a function-call expression over the closed operator set
// (OpEq, OpAnd, ...).
func Fn(name string, args ...Expr) Expr { return Expr{Kind: KindFunc, Func: name, Args: args} }

// Row is the runtime representation of a query row: a loosely typed
// record, since the query compiler operates over declarative queries
// whose row shape is not known until the query is built (a SELECT can
// reshape it arbitrarily).
type Row map[string]any

// Eval evaluates expr against row, dispatching KindFunc nodes through the
// closed operator set. It returns an error for an unrecognized operator
// or arity mismatch; comparisons between incomparable operand types
// report false rather than erroring, matching SQL's NULL-propagation
// spirit without fully modeling three-valued logic.
func Eval(expr Expr, row Row) (any, error) {
	switch expr.Kind {
	case KindVal:
		return expr.Value, nil
	case KindRef:
		return lookupPath(row, expr.Path), nil
	case KindFunc:
		return evalFunc(expr, row)
	default:
		return nil, fmt.Errorf("query: unknown expression kind %d: %w", expr.Kind, ErrUnknownClause)
	}
}

func lookupPath(row Row, path []string) any {
	var cur any = map[string]any(row)
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func evalFunc(expr Expr, row Row) (any, error) {
	switch expr.Func {
	case OpAnd:
		for _, a := range expr.Args {
			v, err := Eval(a, row)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for _, a := range expr.Args {
			v, err := Eval(a, row)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(expr.Args) != 1 {
			return nil, fmt.Errorf("query: %s takes exactly one argument", OpNot)
		}
		v, err := Eval(expr.Args[0], row)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case OpIn:
		if len(expr.Args) != 2 {
			return nil, fmt.Errorf("query: %s takes exactly two arguments", OpIn)
		}
		needle, err := Eval(expr.Args[0], row)
		if err != nil {
			return nil, err
		}
		haystack, err := Eval(expr.Args[1], row)
		if err != nil {
			return nil, err
		}
		vals, ok := haystack.([]any)
		if !ok {
			return false, nil
		}
		for _, v := range vals {
			if compareEqual(needle, v) {
				return true, nil
			}
		}
		return false, nil
	case OpLike:
		if len(expr.Args) != 2 {
			return nil, fmt.Errorf("query: %s takes exactly two arguments", OpLike)
		}
		left, err := Eval(expr.Args[0], row)
		if err != nil {
			return nil, err
		}
		pattern, err := Eval(expr.Args[1], row)
		if err != nil {
			return nil, err
		}
		return likeMatch(fmt.Sprint(left), fmt.Sprint(pattern)), nil
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		return evalComparison(expr, row)
	default:
		return nil, fmt.Errorf("query: unknown function %q: %w", expr.Func, ErrUnknownClause)
	}
}

func evalComparison(expr Expr, row Row) (any, error) {
	if len(expr.Args) != 2 {
		return nil, fmt.Errorf("query: %s takes exactly two arguments", expr.Func)
	}
	left, err := Eval(expr.Args[0], row)
	if err != nil {
		return nil, err
	}
	right, err := Eval(expr.Args[1], row)
	if err != nil {
		return nil, err
	}
	switch expr.Func {
	case OpEq:
		return compareEqual(left, right), nil
	case OpNe:
		return !compareEqual(left, right), nil
	default:
		c, ok := compareOrdered(left, right)
		if !ok {
			return false, nil
		}
		switch expr.Func {
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		case OpLte:
			return c <= 0, nil
		}
		return false, nil
	}
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func likeMatch(s, pattern string) bool {
	// % is a wildcard for any run of characters; anything else is literal.
	// Only leading/trailing %, the common case, is supported.
	switch {
	case len(pattern) >= 2 && pattern[0] == '%' && pattern[len(pattern)-1] == '%':
		return strings.Contains(s, pattern[1:len(pattern)-1])
	case len(pattern) >= 1 && pattern[0] == '%':
		return strings.HasSuffix(s, pattern[1:])
	case len(pattern) >= 1 && pattern[len(pattern)-1] == '%':
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	default:
		return s == pattern
	}
}
