package query

import (
	"context"
	"testing"

	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/dataflow/join"
	"github.com/leofalp/flux/core/multiset"
)

func keyedBatch(pairs map[string]map[string]any) multiset.Multiset[dataflow.Keyed[string, map[string]any]] {
	entries := make([]multiset.Entry[dataflow.Keyed[string, map[string]any]], 0, len(pairs))
	for k, v := range pairs {
		entries = append(entries, multiset.Entry[dataflow.Keyed[string, map[string]any]]{
			Value:        dataflow.Keyed[string, map[string]any]{Key: k, Value: v},
			Multiplicity: 1,
		})
	}
	return multiset.New(entries...)
}

func runCompiled(t *testing.T, compiled *Compiled, sends map[string]multiset.Multiset[dataflow.Keyed[string, map[string]any]]) []multiset.Entry[any] {
	t.Helper()
	var captured []multiset.Entry[any]
	if err := compiled.Graph.Output(compiled.Output, func(batch any) error {
		switch b := batch.(type) {
		case multiset.Multiset[dataflow.Keyed[string, Row]]:
			for _, e := range b.Inner() {
				captured = append(captured, multiset.Entry[any]{Value: e.Value, Multiplicity: e.Multiplicity})
			}
		default:
			captured = append(captured, multiset.Entry[any]{Value: b, Multiplicity: 1})
		}
		return nil
	}); err != nil {
		t.Fatalf("Output: %v", err)
	}

	for alias, batch := range sends {
		node, ok := compiled.InputNodes[alias]
		if !ok {
			t.Fatalf("no input node for alias %q", alias)
		}
		if err := compiled.Graph.SendData(node, batch); err != nil {
			t.Fatalf("SendData(%q): %v", alias, err)
		}
	}
	if err := compiled.Graph.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return captured
}

func TestCompileSimpleFilterAndSelect(t *testing.T) {
	// OpLike is never pushable, so this where clause is guaranteed to be
	// wired as an in-graph filter operator rather than left to the
	// coordinator's source-level predicate.
	q := Query{
		From:  From{Alias: "widgets"},
		Where: []Expr{Fn(OpLike, Ref("widgets", "name"), Val("%pricey%"))},
		Select: map[string]Expr{
			"name": Ref("widgets", "name"),
		},
	}
	compiled, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	got := runCompiled(t, compiled, map[string]multiset.Multiset[dataflow.Keyed[string, map[string]any]]{
		"widgets": keyedBatch(map[string]map[string]any{
			"1": {"name": "cheap", "price": 5.0},
			"2": {"name": "pricey", "price": 20.0},
		}),
	})

	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1 (only the name matching %%pricey%% survives the filter), rows=%+v", len(got), got)
	}
	row := got[0].Value.(dataflow.Keyed[string, Row])
	if row.Value["name"] != "pricey" {
		t.Fatalf("got name %v, want pricey", row.Value["name"])
	}
}

func TestCompileSplitsPushableFromRemainingWhere(t *testing.T) {
	q := Query{
		From: From{Alias: "widgets"},
		Where: []Expr{
			Fn(OpGt, Ref("widgets", "price"), Val(10.0)),
			Fn(OpLike, Ref("widgets", "name"), Val("%cheap%")),
		},
	}
	compiled, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	split := compiled.Wheres["widgets"]
	if _, ok := split.Fields["price"]; !ok {
		t.Fatalf("expected price to be pushable, got %+v", split)
	}
	if len(split.Remaining) != 1 {
		t.Fatalf("expected exactly one remaining (non-pushable like) clause, got %d", len(split.Remaining))
	}
}

func TestCompileJoinMergesBothSides(t *testing.T) {
	q := Query{
		From: From{Alias: "orders"},
		Join: []JoinClause{
			{
				Alias: "customers",
				Kind:  join.Inner,
				On:    Fn(OpEq, Ref("orders", "customerId"), Ref("customers", "id")),
			},
		},
	}
	compiled, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !compiled.Lazy["customers"] {
		t.Fatalf("inner-joined alias should be marked lazy")
	}

	got := runCompiled(t, compiled, map[string]multiset.Multiset[dataflow.Keyed[string, map[string]any]]{
		"customers": keyedBatch(map[string]map[string]any{"c1": {"id": "c1", "name": "ada"}}),
		"orders":    keyedBatch(map[string]map[string]any{"o1": {"id": "o1", "customerId": "c1"}}),
	})

	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1 joined row, rows=%+v", len(got), got)
	}
	row := got[0].Value.(dataflow.Keyed[string, Row])
	ordersSide, _ := row.Value["orders"].(map[string]any)
	customersSide, _ := row.Value["customers"].(map[string]any)
	if ordersSide["id"] != "o1" || customersSide["name"] != "ada" {
		t.Fatalf("joined row missing expected columns: %+v", row.Value)
	}
}

func TestCompileGroupByEmitsAggregates(t *testing.T) {
	q := Query{
		From:    From{Alias: "orders"},
		GroupBy: []Expr{Ref("orders", "customerId")},
		Aggregates: []AggregateSpec{
			{Name: "total", Func: "sum", Arg: Ref("orders", "amount")},
		},
	}
	compiled, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	got := runCompiled(t, compiled, map[string]multiset.Multiset[dataflow.Keyed[string, map[string]any]]{
		"orders": keyedBatch(map[string]map[string]any{
			"o1": {"customerId": "c1", "amount": 10.0},
			"o2": {"customerId": "c1", "amount": 15.0},
		}),
	})

	if len(got) != 1 {
		t.Fatalf("got %d groups, want 1, rows=%+v", len(got), got)
	}
	row := got[0].Value.(dataflow.Keyed[string, Row])
	if row.Value["total"] != 25.0 {
		t.Fatalf("got total %v, want 25", row.Value["total"])
	}
	if row.Value["group0"] != "c1" {
		t.Fatalf("got group column %v, want c1", row.Value["group0"])
	}
}

func TestCompileOrderByWithLimitIsOptimizable(t *testing.T) {
	limit := 5
	q := Query{
		From:    From{Alias: "widgets"},
		OrderBy: []OrderTerm{{Expression: Ref("widgets", "price"), Direction: Asc}},
		Limit:   &limit,
	}
	compiled, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if compiled.OrderByOpt == nil {
		t.Fatalf("expected a single-source orderBy+limit to be optimizable")
	}
	if compiled.OrderByOpt.Alias != "widgets" || compiled.OrderByOpt.Limit != 5 {
		t.Fatalf("got %+v, want alias=widgets limit=5", compiled.OrderByOpt)
	}
	if compiled.HasOrderIndex {
		t.Fatalf("optimizable orderBy should not attach an in-graph fractional index")
	}
}

func TestCompileOrderByAfterJoinIsNotOptimizable(t *testing.T) {
	limit := 5
	q := Query{
		From: From{Alias: "orders"},
		Join: []JoinClause{
			{Alias: "customers", Kind: join.Inner, On: Fn(OpEq, Ref("orders", "customerId"), Ref("customers", "id"))},
		},
		OrderBy: []OrderTerm{{Expression: Ref("orders", "amount"), Direction: Desc}},
		Limit:   &limit,
	}
	compiled, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if compiled.OrderByOpt != nil {
		t.Fatalf("a joined query's orderBy cannot be served by one source's index")
	}
	if !compiled.HasOrderIndex {
		t.Fatalf("expected an in-graph topK operator to attach a fractional index")
	}
}

func TestCompileRejectsUnknownAggregateFunction(t *testing.T) {
	q := Query{
		From:       From{Alias: "widgets"},
		GroupBy:    []Expr{Ref("widgets", "category")},
		Aggregates: []AggregateSpec{{Name: "x", Func: "stddev", Arg: Ref("widgets", "price")}},
	}
	if _, err := Compile(q); err == nil {
		t.Fatalf("expected an error for an unrecognized aggregate function")
	}
}

func TestCompileRejectsJoinOnUnrelatedAlias(t *testing.T) {
	q := Query{
		From: From{Alias: "orders"},
		Join: []JoinClause{
			{Alias: "customers", Kind: join.Inner, On: Fn(OpEq, Ref("shipments", "id"), Ref("customers", "id"))},
		},
	}
	if _, err := Compile(q); err == nil {
		t.Fatalf("expected an error when the on-clause does not relate to an already-joined alias")
	}
}
