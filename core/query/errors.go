package query

import "errors"

// Sentinel errors wrapped (via fmt.Errorf's %w) by the compiler and
// predicate-pushdown helpers, so callers can distinguish failure kinds with
// errors.Is/errors.As instead of matching on message text.
var (
	// ErrUnknownClause is returned when a query names an operator, join
	// kind, or aggregate function outside the closed sets this package
	// recognizes.
	ErrUnknownClause = errors.New("query: unknown clause")

	// ErrUnknownCollection is returned by the compiler when a join's on
	// clause does not relate the newly joined alias to the FROM alias or an
	// alias already joined. Evaluating a reference to an unknown alias at
	// run time is not an error: Eval yields nil for it.
	ErrUnknownCollection = errors.New("query: unknown collection alias")

	// ErrUnpushableWhere is returned by RequirePushable when a WHERE term
	// cannot be expressed as an index.Expr against one field of one alias
	// (the shape a source adapter needs to filter server-side rather than
	// pulling every row across the wire).
	ErrUnpushableWhere = errors.New("query: where clause is not pushable")
)
