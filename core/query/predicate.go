package query

import (
	"fmt"
	"sort"

	"github.com/leofalp/flux/core/index"
)

// PushableWhere is the per-alias pushable portion of a WHERE list: one
// index.Expr per field name, implicitly ANDed across fields. This covers
// the common case (equality/inequality/IN predicates conjoined across
// columns) while keeping the compiler's pushability analysis tractable;
// anything that does not reduce to "one pushable predicate per field,
// ANDed" (cross-field OR, nested boolean trees mixing fields) is left in
// Remaining and applied by an in-pipeline filter operator instead.
type PushableWhere struct {
	Fields    map[string]index.Expr
	Remaining []Expr
}

// splitPushable separates wheres, each implicitly ANDed with the others,
// into per-field pushable predicates for alias and a remaining list of
// expressions a filter operator must still apply.
func splitPushable(wheres []Expr, alias string) PushableWhere {
	out := PushableWhere{Fields: make(map[string]index.Expr)}
	for _, w := range wheres {
		if field, ie, ok := toIndexExpr(w, alias); ok {
			if existing, has := out.Fields[field]; has {
				out.Fields[field] = index.Expr{Op: index.And, Children: []index.Expr{existing, ie}}
			} else {
				out.Fields[field] = ie
			}
			continue
		}
		out.Remaining = append(out.Remaining, w)
	}
	return out
}

// toIndexExpr attempts to express a single WHERE term as a pushable
// predicate against one field of alias's index. It recognizes eq/ne
// (ne is not pushable, since an index has no efficient "not equal" scan),
// gt/gte/lt/lte, in, and and-of-pushables-on-the-same-field.
func toIndexExpr(e Expr, alias string) (field string, out index.Expr, ok bool) {
	if e.Kind != KindFunc {
		return "", index.Expr{}, false
	}
	switch e.Func {
	case OpEq, OpGt, OpGte, OpLt, OpLte:
		if len(e.Args) != 2 {
			return "", index.Expr{}, false
		}
		left, right := e.Args[0], e.Args[1]
		op := funcToIndexOp(e.Func)
		if f, v, ok := refAndVal(alias, left, right); ok {
			return f, index.Expr{Op: op, Value: v}, true
		}
		if f, v, ok := refAndVal(alias, right, left); ok {
			return f, index.Expr{Op: flipIndexOp(op), Value: v}, true
		}
		return "", index.Expr{}, false
	case OpIn:
		if len(e.Args) != 2 {
			return "", index.Expr{}, false
		}
		f, ok := fieldRef(alias, e.Args[0])
		if !ok || e.Args[1].Kind != KindVal {
			return "", index.Expr{}, false
		}
		vals, ok := e.Args[1].Value.([]any)
		if !ok {
			return "", index.Expr{}, false
		}
		return f, index.Expr{Op: index.In, Values: vals}, true
	case OpAnd:
		var field string
		var children []index.Expr
		for _, a := range e.Args {
			f, ie, ok := toIndexExpr(a, alias)
			if !ok {
				return "", index.Expr{}, false
			}
			if field == "" {
				field = f
			} else if field != f {
				return "", index.Expr{}, false
			}
			children = append(children, ie)
		}
		if field == "" {
			return "", index.Expr{}, false
		}
		return field, index.Expr{Op: index.And, Children: children}, true
	default:
		return "", index.Expr{}, false
	}
}

func funcToIndexOp(f string) index.Op {
	switch f {
	case OpGt:
		return index.Gt
	case OpGte:
		return index.Gte
	case OpLt:
		return index.Lt
	case OpLte:
		return index.Lte
	default:
		return index.Eq
	}
}

func flipIndexOp(op index.Op) index.Op {
	switch op {
	case index.Gt:
		return index.Lt
	case index.Gte:
		return index.Lte
	case index.Lt:
		return index.Gt
	case index.Lte:
		return index.Gte
	default:
		return op
	}
}

// refAndVal recognizes the shape ref(alias, field) <op> val(v), returning
// the field name and the literal value.
func refAndVal(alias string, refExpr, valExpr Expr) (string, any, bool) {
	f, ok := fieldRef(alias, refExpr)
	if !ok || valExpr.Kind != KindVal {
		return "", nil, false
	}
	return f, valExpr.Value, true
}

// fieldRef recognizes ref(alias, field) (a two-element path whose first
// element is alias) and returns field.
func fieldRef(alias string, e Expr) (string, bool) {
	if e.Kind != KindRef || len(e.Path) != 2 || e.Path[0] != alias {
		return "", false
	}
	return e.Path[1], true
}

// ToPredicate compiles expr into a boolean Row predicate for use as a
// collection.Predicate-style filter (the "remaining" half of a WHERE
// split, or a HAVING clause over group results).
func ToPredicate(expr Expr) func(Row) bool {
	return func(row Row) bool {
		v, err := Eval(expr, row)
		if err != nil {
			return false
		}
		return truthy(v)
	}
}

// RequirePushable compiles wheres (implicitly ANDed) into a single
// index.Expr against alias's index, failing with ErrUnpushableWhere if any
// term does not reduce to a pushable predicate. It exists for source
// adapters that filter entirely server-side (pgsource's SQL translation,
// for instance) and therefore cannot fall back to an in-process filter
// operator the way the in-graph compiler's PushableWhere.Remaining does.
func RequirePushable(wheres []Expr, alias string) (index.Expr, error) {
	split := splitPushable(wheres, alias)
	if len(split.Remaining) > 0 {
		return index.Expr{}, fmt.Errorf("query: %d where clause(s) on %q cannot be pushed down: %w", len(split.Remaining), alias, ErrUnpushableWhere)
	}
	fields := make([]string, 0, len(split.Fields))
	for f := range split.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	exprs := make([]index.Expr, 0, len(fields))
	for _, f := range fields {
		exprs = append(exprs, split.Fields[f])
	}
	switch len(exprs) {
	case 0:
		return index.Expr{}, nil
	case 1:
		return exprs[0], nil
	default:
		return index.Expr{Op: index.And, Children: exprs}, nil
	}
}

// AndAll combines exprs with AND; an empty list evaluates to true.
func AndAll(exprs []Expr) Expr {
	if len(exprs) == 0 {
		return Val(true)
	}
	if len(exprs) == 1 {
		return exprs[0]
	}
	return Fn(OpAnd, exprs...)
}
