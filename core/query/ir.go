package query

import "github.com/leofalp/flux/core/dataflow/join"

// Direction is an orderBy term's sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// NullsPlacement controls where null-valued orderBy keys sort.
type NullsPlacement int

const (
	NullsLast NullsPlacement = iota
	NullsFirst
)

// OrderTerm is one clause of an ORDER BY list.
type OrderTerm struct {
	Expression Expr
	Direction  Direction
	Nulls      NullsPlacement
}

// From names a base collection or a nested subquery bound to alias.
type From struct {
	Alias    string
	Subquery *Query // nil for a base collection reference
}

// JoinClause joins an additional aliased source into the query.
type JoinClause struct {
	Alias string
	Kind  join.Kind
	On    Expr // equi-join predicate; must be eq(ref(...), ref(...)) per side
}

// AggregateSpec names one SELECT-list aggregate computed per group.
type AggregateSpec struct {
	Name string // output column name
	Func string // "count", "sum", "avg", "min", "max", "median", "mode"
	Arg  Expr   // value expression the aggregate is computed over
}

// Query is the compiled-from IR: a declarative description of a live
// query, independent of any particular source implementation.
type Query struct {
	From From
	Join []JoinClause

	Where []Expr // implicitly ANDed

	GroupBy []Expr
	Having  []Expr

	Aggregates []AggregateSpec
	Select     map[string]Expr // output column -> expression; nil means pass rows through unreshaped

	OrderBy []OrderTerm
	Limit   *int
	Offset  *int

	Distinct bool
}
