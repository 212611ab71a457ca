package query

import (
	"fmt"

	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/dataflow/join"
	"github.com/leofalp/flux/core/dataflow/operators"
	"github.com/leofalp/flux/core/dataflow/orderby"
	"github.com/leofalp/flux/core/dataflow/reduce"
	"github.com/leofalp/flux/core/index"
	"github.com/leofalp/flux/internal/canonical"
)

// OptimizableOrderBy describes a query whose order can be served directly
// by one base source's own ordered index, instead of an in-pipeline
// orderby/topK operator: the orderBy clause projects entirely through a
// single alias with no join, groupBy, distinct or reshaping Select in the
// way. The coordinator loads only the window this alias needs from that
// index (loadOptimizableWindow, recomputed by refreshWindow on each source
// change) rather than materializing the whole collection.
type OptimizableOrderBy struct {
	Alias     string
	Offset    int
	Limit     int
	Ascending bool
	Compare   index.Compare
	Extract   func(row map[string]any) any
	// Field is the bare column name driving the order, set only when the
	// orderBy expression is a direct field reference rather than a
	// computed expression (lower(alias.name), for instance). A coordinator
	// can look this up as an ordered index's name for an index-backed
	// window load; with Field empty it has no such index to drive off and
	// must fall back to sorting a full scan.
	Field string
}

// Compiled is the result of compiling a Query: a wired, finalized graph
// plus the metadata a live-query coordinator needs to drive each base
// source's subscription efficiently.
type Compiled struct {
	Graph  *dataflow.Graph
	Output dataflow.NodeID
	// HasOrderIndex reports whether Output carries Keyed[string,
	// orderby.Row[Row]] (a fractional index attached) rather than a plain
	// Keyed[string, Row].
	HasOrderIndex bool

	// Wheres is the per-base-alias pushable/remaining WHERE split, keyed by
	// alias. Only top-level query aliases are populated; a subquery's own
	// split is not propagated to its parent.
	Wheres map[string]PushableWhere

	// Lazy names aliases whose subscription should be on-demand: the
	// inner side of an equi-join driven by the opposite side's lookups.
	Lazy map[string]bool

	// OrderByOpt is non-nil when the whole query qualifies for the
	// optimizable-orderBy path described on OptimizableOrderBy.
	OrderByOpt *OptimizableOrderBy

	// InputNodes maps each base alias (one not satisfied by a subquery) to
	// its root dataflow.Graph input stream id, for the coordinator to
	// SendData raw Change batches onto.
	InputNodes map[string]dataflow.NodeID

	// JoinKeys describes, for every alias introduced by a join clause, the
	// equi-join field relating it to the alias already in scope. The
	// live-query coordinator uses this to hydrate a lazy alias: when a
	// batch arrives on OtherAlias, it extracts OtherField's values and
	// looks up OwnField on alias's own source index.
	JoinKeys map[string]JoinKeyRef
}

// JoinKeyRef names the two sides of one equi-join relating a newly joined
// alias back to an alias already present in the query.
type JoinKeyRef struct {
	OtherAlias string
	OwnField   string
	OtherField string
	Kind       join.Kind
}

// Compile builds a dataflow.Graph implementing q and finalizes it. The
// returned graph is single-use, per the dataflow package's contract.
func Compile(q Query) (*Compiled, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	c := &compiler{
		g:          dataflow.NewGraph(),
		wheres:     make(map[string]PushableWhere),
		lazy:       make(map[string]bool),
		inputNodes: make(map[string]dataflow.NodeID),
		joined:     make(map[string]bool),
		joinKeys:   make(map[string]JoinKeyRef),
	}

	output, hasIndex, err := c.compileQuery(q)
	if err != nil {
		return nil, err
	}

	if err := c.g.Finalize(); err != nil {
		return nil, err
	}

	return &Compiled{
		Graph:         c.g,
		Output:        output,
		HasOrderIndex: hasIndex,
		Wheres:        c.wheres,
		Lazy:          c.lazy,
		OrderByOpt:    c.orderByOpt,
		InputNodes:    c.inputNodes,
		JoinKeys:      c.joinKeys,
	}, nil
}

// compiler holds the state threaded through one top-level Compile call;
// nested subqueries share the same instance (and therefore the same
// Graph), namespaced by an alias-derived node id prefix.
type compiler struct {
	g          *dataflow.Graph
	wheres     map[string]PushableWhere
	lazy       map[string]bool
	inputNodes map[string]dataflow.NodeID
	joined     map[string]bool
	joinKeys   map[string]JoinKeyRef
	orderByOpt *OptimizableOrderBy
	seq        int
}

func validateQuery(q Query) error {
	if q.From.Alias == "" {
		return fmt.Errorf("query: from.alias must be set")
	}
	for _, jc := range q.Join {
		switch jc.Kind {
		case join.Inner, join.Left, join.Right, join.Full:
		default:
			return fmt.Errorf("query: join %q: unknown join kind %d: %w", jc.Alias, jc.Kind, ErrUnknownClause)
		}
		if jc.Alias == "" {
			return fmt.Errorf("query: join clause missing alias")
		}
	}
	for _, spec := range q.Aggregates {
		if _, err := reduceKind(spec.Func); err != nil {
			return err
		}
	}
	return nil
}

// compileQuery walks q in a deterministic clause order (join, where,
// groupBy, having, select, distinct, then orderBy with limit and offset)
// and wires one operator per clause that needs one. Distinct runs before
// orderBy, not after it.
func (c *compiler) compileQuery(q Query) (dataflow.NodeID, bool, error) {
	base, _, err := c.buildBase(q.From.Alias, q.From.Subquery, q.Where)
	if err != nil {
		return "", false, err
	}
	c.joined[q.From.Alias] = true

	current := base
	var crossAliasWhere []Expr
	collectCrossAliasWhere(q.Where, &crossAliasWhere)

	for _, jc := range q.Join {
		sideNode, _, err := c.buildBase(jc.Alias, nil, q.Where)
		if err != nil {
			return "", false, err
		}

		otherRef, newRef, err := splitEquiJoin(jc.On, jc.Alias, c.joined)
		if err != nil {
			return "", false, err
		}
		leftKey := evalAny(otherRef)
		rightKey := evalAny(newRef)

		c.joinKeys[jc.Alias] = JoinKeyRef{
			OtherAlias: otherRef.Path[0],
			OwnField:   newRef.Path[len(newRef.Path)-1],
			OtherField: otherRef.Path[len(otherRef.Path)-1],
			Kind:       jc.Kind,
		}

		op := join.New[string, string, Row, Row](jc.Kind, leftKey, rightKey)
		joinNode := c.nextNode("join")
		if err := c.g.Pipe(joinNode, op.Func(current, sideNode), current, sideNode); err != nil {
			return "", false, err
		}

		mergeNode := c.nextNode("join.merged")
		mergeFn := func(jr join.JoinedRow[string, string, Row, Row]) dataflow.Keyed[string, Row] {
			merged := Row{}
			if jr.Value.HasLeft {
				for k, v := range jr.Value.Left {
					merged[k] = v
				}
			}
			if jr.Value.HasRight {
				for k, v := range jr.Value.Right {
					merged[k] = v
				}
			}
			return dataflow.Keyed[string, Row]{
				Key:   compositeKey(jr.Key.Left, jr.Key.Right, jr.Key.HasLeft, jr.Key.HasRight),
				Value: merged,
			}
		}
		if err := c.g.Pipe(mergeNode, operators.Map(mergeFn), joinNode); err != nil {
			return "", false, err
		}

		current = mergeNode
		if jc.Kind == join.Inner {
			c.lazy[jc.Alias] = true
		}
		c.joined[jc.Alias] = true
	}

	if len(crossAliasWhere) > 0 {
		pred := ToPredicate(AndAll(crossAliasWhere))
		filterFn := func(kv dataflow.Keyed[string, Row]) bool { return pred(kv.Value) }
		node := c.nextNode("where.remaining")
		if err := c.g.Pipe(node, operators.Filter(filterFn), current); err != nil {
			return "", false, err
		}
		current = node
	}

	grouping := len(q.GroupBy) > 0 || len(q.Aggregates) > 0
	if grouping {
		current, err = c.buildGroupBy(q, current)
		if err != nil {
			return "", false, err
		}
	}

	if len(q.Having) > 0 {
		pred := ToPredicate(AndAll(q.Having))
		filterFn := func(kv dataflow.Keyed[string, Row]) bool { return pred(kv.Value) }
		node := c.nextNode("having")
		if err := c.g.Pipe(node, operators.Filter(filterFn), current); err != nil {
			return "", false, err
		}
		current = node
	}

	if q.Select != nil {
		sel := q.Select
		selectFn := func(kv dataflow.Keyed[string, Row]) dataflow.Keyed[string, Row] {
			out := Row{}
			for col, expr := range sel {
				v, _ := Eval(expr, kv.Value)
				out[col] = v
			}
			return dataflow.Keyed[string, Row]{Key: kv.Key, Value: out}
		}
		node := c.nextNode("select")
		if err := c.g.Pipe(node, operators.Map(selectFn), current); err != nil {
			return "", false, err
		}
		current = node
	}

	if q.Distinct {
		current, err = c.buildDistinct(current)
		if err != nil {
			return "", false, err
		}
	}

	if alias, ok := isOptimizableOrderBy(q); ok && q.From.Subquery == nil {
		c.orderByOpt = c.buildOptimizableOrderBy(q, alias)
		return current, false, nil
	}

	if len(q.OrderBy) > 0 {
		node, err := c.buildOrderBy(q, current)
		if err != nil {
			return "", false, err
		}
		return node, true, nil
	}

	return current, false, nil
}

// buildBase wires one base alias's source chain: a root input (or a
// recursively compiled subquery) wrapped so every top-level key of the
// resulting Row is an alias name, plus an in-pipeline filter for any
// single-alias WHERE term that did not reduce to a pushable index.Expr.
func (c *compiler) buildBase(alias string, subquery *Query, wheres []Expr) (dataflow.NodeID, PushableWhere, error) {
	var raw dataflow.NodeID

	if subquery == nil {
		rawID := dataflow.NodeID(alias + "#raw")
		if err := c.g.NewInput(rawID); err != nil {
			return "", PushableWhere{}, err
		}
		c.inputNodes[alias] = rawID

		wrapFn := func(kv dataflow.Keyed[string, map[string]any]) dataflow.Keyed[string, Row] {
			return dataflow.Keyed[string, Row]{Key: kv.Key, Value: Row{alias: kv.Value}}
		}
		wrapped := dataflow.NodeID(alias + "#wrapped")
		if err := c.g.Pipe(wrapped, operators.Map(wrapFn), rawID); err != nil {
			return "", PushableWhere{}, err
		}
		raw = wrapped
	} else {
		sub := &compiler{g: c.g, wheres: make(map[string]PushableWhere), lazy: make(map[string]bool),
			inputNodes: c.inputNodes, joined: make(map[string]bool), seq: c.seq}
		subOut, _, err := sub.compileQuery(*subquery)
		if err != nil {
			return "", PushableWhere{}, err
		}
		c.seq = sub.seq

		wrapFn := func(kv dataflow.Keyed[string, Row]) dataflow.Keyed[string, Row] {
			return dataflow.Keyed[string, Row]{Key: kv.Key, Value: Row{alias: kv.Value}}
		}
		wrapped := dataflow.NodeID(alias + "#wrapped")
		if err := c.g.Pipe(wrapped, operators.Map(wrapFn), subOut); err != nil {
			return "", PushableWhere{}, err
		}
		raw = wrapped
	}

	var ownWheres []Expr
	for _, w := range wheres {
		aliases := map[string]bool{}
		exprAliases(w, aliases)
		if len(aliases) == 1 && aliases[alias] {
			ownWheres = append(ownWheres, w)
		}
	}
	split := splitPushable(ownWheres, alias)
	c.wheres[alias] = split

	node := raw
	if len(split.Remaining) > 0 {
		pred := ToPredicate(AndAll(split.Remaining))
		filterFn := func(kv dataflow.Keyed[string, Row]) bool { return pred(kv.Value) }
		filtered := dataflow.NodeID(alias + "#filtered")
		if err := c.g.Pipe(filtered, operators.Filter(filterFn), node); err != nil {
			return "", PushableWhere{}, err
		}
		node = filtered
	}

	return node, split, nil
}

// buildGroupBy wires the groupBy/aggregate reduce operator plus a
// stateful projection back to Row. The evaluated groupBy column values
// are stashed in a closure-owned side map keyed by the same composite
// group key reduce uses internally, since reduce's own group identity
// (a comparable G) cannot itself hold arbitrary column values.
func (c *compiler) buildGroupBy(q Query, input dataflow.NodeID) (dataflow.NodeID, error) {
	groupColumns := make(map[string]Row)

	keyFn := func(kv dataflow.Keyed[string, Row]) string {
		parts := make([]any, len(q.GroupBy))
		cols := Row{}
		for i, e := range q.GroupBy {
			v, _ := Eval(e, kv.Value)
			parts[i] = v
			cols[fmt.Sprintf("group%d", i)] = v
		}
		key := compositeKey(parts...)
		groupColumns[key] = cols
		return key
	}

	specs := make([]reduce.Spec[dataflow.Keyed[string, Row]], 0, len(q.Aggregates))
	for _, agg := range q.Aggregates {
		kind, err := reduceKind(agg.Func)
		if err != nil {
			return "", err
		}
		specs = append(specs, reduce.Spec[dataflow.Keyed[string, Row]]{
			Name:    agg.Name,
			Kind:    kind,
			Extract: buildExtract(agg),
		})
	}

	op := reduce.New[dataflow.Keyed[string, Row], string](keyFn, specs...)
	reduceNode := c.nextNode("reduce")
	if err := c.g.Pipe(reduceNode, op.Func(input), input); err != nil {
		return "", err
	}

	toGroupRow := func(kv dataflow.Keyed[string, reduce.Result[string]]) dataflow.Keyed[string, Row] {
		merged := Row{}
		for k, v := range groupColumns[kv.Key] {
			merged[k] = v
		}
		for name, val := range kv.Value.Aggregates {
			merged[name] = val
		}
		return dataflow.Keyed[string, Row]{Key: kv.Key, Value: merged}
	}
	projNode := c.nextNode("reduce.rows")
	if err := c.g.Pipe(projNode, operators.Map(toGroupRow), reduceNode); err != nil {
		return "", err
	}

	return projNode, nil
}

// buildDistinct collapses duplicate result rows by structural equality of
// the row value alone, independent of the upstream composite key, and
// re-keys survivors by their own canonical hash.
func (c *compiler) buildDistinct(input dataflow.NodeID) (dataflow.NodeID, error) {
	dropKey := func(kv dataflow.Keyed[string, Row]) Row { return kv.Value }
	valuesNode := c.nextNode("distinct.values")
	if err := c.g.Pipe(valuesNode, operators.Map(dropKey), input); err != nil {
		return "", err
	}

	distinctOp := operators.NewDistinct[Row]()
	distinctNode := c.nextNode("distinct")
	if err := c.g.Pipe(distinctNode, distinctOp.Func(valuesNode), valuesNode); err != nil {
		return "", err
	}

	rewrap := func(r Row) dataflow.Keyed[string, Row] {
		return dataflow.Keyed[string, Row]{Key: compositeKey(r), Value: r}
	}
	rewrapNode := c.nextNode("distinct.rows")
	if err := c.g.Pipe(rewrapNode, operators.Map(rewrap), distinctNode); err != nil {
		return "", err
	}

	return rewrapNode, nil
}

func (c *compiler) buildOrderBy(q Query, input dataflow.NodeID) (dataflow.NodeID, error) {
	cmp := buildComparator(q.OrderBy)

	if q.Limit != nil {
		offset := 0
		if q.Offset != nil {
			offset = *q.Offset
		}
		op := orderby.NewTopK[string, Row](cmp, offset, *q.Limit)
		node := c.nextNode("topk")
		if err := c.g.Pipe(node, op.Func(input), input); err != nil {
			return "", err
		}
		return node, nil
	}

	op := orderby.New[string, Row](cmp)
	node := c.nextNode("orderby")
	if err := c.g.Pipe(node, op.Func(input), input); err != nil {
		return "", err
	}
	return node, nil
}

// buildOptimizableOrderBy produces the coordinator-facing metadata for the
// optimizable-orderBy path; it does not wire any graph operator, since the
// coordinator drives the window directly against alias's own ordered
// index instead.
func (c *compiler) buildOptimizableOrderBy(q Query, alias string) *OptimizableOrderBy {
	offset := 0
	if q.Offset != nil {
		offset = *q.Offset
	}
	limit := 0
	if q.Limit != nil {
		limit = *q.Limit
	}
	first := q.OrderBy[0]
	ascending := first.Direction == Asc

	var field string
	if first.Expression.Kind == KindRef && len(first.Expression.Path) == 2 {
		field = first.Expression.Path[1]
	}

	return &OptimizableOrderBy{
		Alias:     alias,
		Offset:    offset,
		Limit:     limit,
		Ascending: ascending,
		Field:     field,
		Compare: func(a, b any) int {
			return compareWithNulls(a, b, first.Nulls)
		},
		Extract: func(row map[string]any) any {
			v, _ := Eval(first.Expression, Row{alias: row})
			return v
		},
	}
}

// isOptimizableOrderBy reports whether q's orderBy clause projects
// entirely through q.From.Alias with no blocking operator (join, groupBy,
// distinct) and no reshaping select in between.
func isOptimizableOrderBy(q Query) (string, bool) {
	if len(q.OrderBy) == 0 || q.Limit == nil {
		return "", false
	}
	if len(q.Join) > 0 || len(q.GroupBy) > 0 || len(q.Aggregates) > 0 || q.Distinct || q.Select != nil {
		return "", false
	}
	alias := q.From.Alias
	for _, term := range q.OrderBy {
		aliases := map[string]bool{}
		exprAliases(term.Expression, aliases)
		if len(aliases) != 1 || !aliases[alias] {
			return "", false
		}
	}
	return alias, true
}

func (c *compiler) nextNode(prefix string) dataflow.NodeID {
	c.seq++
	return dataflow.NodeID(fmt.Sprintf("%s#%d", prefix, c.seq))
}

func reduceKind(name string) (reduce.Kind, error) {
	switch name {
	case "count":
		return reduce.Count, nil
	case "sum":
		return reduce.Sum, nil
	case "avg":
		return reduce.Avg, nil
	case "min":
		return reduce.Min, nil
	case "max":
		return reduce.Max, nil
	case "median":
		return reduce.Median, nil
	case "mode":
		return reduce.Mode, nil
	default:
		return 0, fmt.Errorf("query: unknown aggregate function %q: %w", name, ErrUnknownClause)
	}
}

// buildExtract returns nil (count-all-rows) for a bare count() aggregate
// with no argument expression, and an evaluator over Arg otherwise.
func buildExtract(spec AggregateSpec) func(dataflow.Keyed[string, Row]) (float64, bool) {
	if spec.Func == "count" && spec.Arg.Kind == KindRef && len(spec.Arg.Path) == 0 {
		return nil
	}
	arg := spec.Arg
	return func(kv dataflow.Keyed[string, Row]) (float64, bool) {
		v, err := Eval(arg, kv.Value)
		if err != nil || v == nil {
			return 0, false
		}
		return toFloat(v)
	}
}

func evalAny(e Expr) func(Row) any {
	return func(r Row) any {
		v, _ := Eval(e, r)
		return v
	}
}

// splitEquiJoin recognizes eq(ref, ref) and returns (otherSideRef,
// newAliasRef): the operand touching an already-joined alias and the
// operand touching newAlias, in that order, regardless of which side of
// the eq call they were written on.
func splitEquiJoin(on Expr, newAlias string, joined map[string]bool) (Expr, Expr, error) {
	if on.Kind != KindFunc || on.Func != OpEq || len(on.Args) != 2 {
		return Expr{}, Expr{}, fmt.Errorf("query: join %q: on-clause must be eq(ref, ref)", newAlias)
	}
	a, b := on.Args[0], on.Args[1]
	if a.Kind != KindRef || b.Kind != KindRef || len(a.Path) < 2 || len(b.Path) < 2 {
		return Expr{}, Expr{}, fmt.Errorf("query: join %q: on-clause operands must be field references", newAlias)
	}
	switch {
	case a.Path[0] == newAlias && joined[b.Path[0]]:
		return b, a, nil
	case b.Path[0] == newAlias && joined[a.Path[0]]:
		return a, b, nil
	default:
		return Expr{}, Expr{}, fmt.Errorf("query: join %q: on-clause must relate it to an already-joined alias: %w", newAlias, ErrUnknownCollection)
	}
}

// exprAliases collects the set of top-level alias names referenced by any
// Ref node in expr.
func exprAliases(expr Expr, out map[string]bool) {
	switch expr.Kind {
	case KindRef:
		if len(expr.Path) > 0 {
			out[expr.Path[0]] = true
		}
	case KindFunc:
		for _, a := range expr.Args {
			exprAliases(a, out)
		}
	}
}

// WhereForAlias returns the subset of wheres that reference exactly one
// alias, alias itself — the same selection buildBase applies to its own
// in-graph filter, exposed here so a live-query coordinator can derive the
// identical predicate for a source-level subscription filter.
func WhereForAlias(wheres []Expr, alias string) []Expr {
	var out []Expr
	for _, w := range wheres {
		aliases := map[string]bool{}
		exprAliases(w, aliases)
		if len(aliases) == 1 && aliases[alias] {
			out = append(out, w)
		}
	}
	return out
}

// collectCrossAliasWhere appends, to out, every where term that does not
// reduce to a single-alias reference (so it cannot be pushed into any one
// base alias's own filter and must run after all joins are merged).
func collectCrossAliasWhere(wheres []Expr, out *[]Expr) {
	for _, w := range wheres {
		aliases := map[string]bool{}
		exprAliases(w, aliases)
		if len(aliases) != 1 {
			*out = append(*out, w)
		}
	}
}

func buildComparator(terms []OrderTerm) func(a, b Row) int {
	return func(a, b Row) int {
		for _, t := range terms {
			av, _ := Eval(t.Expression, a)
			bv, _ := Eval(t.Expression, b)
			c := compareWithNulls(av, bv, t.Nulls)
			if t.Direction == Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

func compareWithNulls(a, b any, nulls NullsPlacement) int {
	an, bn := a == nil, b == nil
	switch {
	case an && bn:
		return 0
	case an:
		if nulls == NullsFirst {
			return -1
		}
		return 1
	case bn:
		if nulls == NullsFirst {
			return 1
		}
		return -1
	}
	c, ok := compareOrdered(a, b)
	if !ok {
		return 0
	}
	return c
}

func compositeKey(parts ...any) string {
	return fmt.Sprintf("%x", canonical.Hash(parts))
}
