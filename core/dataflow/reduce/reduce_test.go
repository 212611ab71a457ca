package reduce

import (
	"testing"

	"github.com/leofalp/flux/core/dataflow"
	"github.com/leofalp/flux/core/multiset"
)

type lineItem struct {
	Category string
	Amount   float64
}

func amountExtract(l lineItem) (float64, bool) { return l.Amount, true }

func run(t *testing.T, op *Operator[lineItem, string], batch multiset.Multiset[lineItem]) multiset.Multiset[dataflow.Keyed[string, Result[string]]] {
	t.Helper()
	fn := op.Func("in")
	out, err := fn(map[dataflow.NodeID]any{"in": batch})
	if err != nil {
		t.Fatalf("operator: %v", err)
	}
	return out.(multiset.Multiset[dataflow.Keyed[string, Result[string]]])
}

func TestNewGroupEmitsBarePlusOne(t *testing.T) {
	op := New(func(l lineItem) string { return l.Category },
		Spec[lineItem]{Name: "total", Kind: Sum, Extract: amountExtract},
	)
	out := run(t, op, multiset.FromValues(lineItem{Category: "food", Amount: 10}))
	if out.Len() != 1 {
		t.Fatalf("got %d entries, want 1", out.Len())
	}
	if out.Inner()[0].Multiplicity != 1 {
		t.Errorf("got multiplicity %d, want 1", out.Inner()[0].Multiplicity)
	}
}

func TestUpdateEmitsPairedRetractAndInsert(t *testing.T) {
	op := New(func(l lineItem) string { return l.Category },
		Spec[lineItem]{Name: "total", Kind: Sum, Extract: amountExtract},
	)
	_ = run(t, op, multiset.FromValues(lineItem{Category: "food", Amount: 10}))

	out := run(t, op, multiset.FromValues(lineItem{Category: "food", Amount: 5}))
	if out.Len() != 2 {
		t.Fatalf("got %d entries, want 2 (paired -1/+1)", out.Len())
	}
	var sawMinus, sawPlus bool
	for _, e := range out.Inner() {
		switch e.Multiplicity {
		case -1:
			sawMinus = true
		case 1:
			sawPlus = true
			if e.Value.Value.Aggregates["total"] != 15 {
				t.Errorf("got total %v, want 15", e.Value.Value.Aggregates["total"])
			}
		default:
			t.Errorf("unexpected multiplicity %d", e.Multiplicity)
		}
	}
	if !sawMinus || !sawPlus {
		t.Fatalf("expected both a -1 and a +1, got %+v", out.Inner())
	}
}

func TestCompleteRemovalEmitsOnlyMinusOne(t *testing.T) {
	op := New(func(l lineItem) string { return l.Category },
		Spec[lineItem]{Name: "total", Kind: Sum, Extract: amountExtract},
	)
	_ = run(t, op, multiset.FromValues(lineItem{Category: "food", Amount: 10}))

	removal := multiset.New(multiset.Entry[lineItem]{Value: lineItem{Category: "food", Amount: 10}, Multiplicity: -1})
	out := run(t, op, removal)
	if out.Len() != 1 {
		t.Fatalf("got %d entries, want 1 (bare retraction)", out.Len())
	}
	if out.Inner()[0].Multiplicity != -1 {
		t.Errorf("got multiplicity %d, want -1", out.Inner()[0].Multiplicity)
	}
}

func TestCancelOutStillEmitsUpdateWhenValueChanges(t *testing.T) {
	op := New(func(l lineItem) string { return l.Category },
		Spec[lineItem]{Name: "total", Kind: Sum, Extract: amountExtract},
	)
	_ = run(t, op, multiset.FromValues(lineItem{Category: "food", Amount: 10}))

	// Net multiplicity zero (one row removed, one added) but the aggregate
	// value changes, so a paired update must still be emitted.
	batch := multiset.New(
		multiset.Entry[lineItem]{Value: lineItem{Category: "food", Amount: 10}, Multiplicity: -1},
		multiset.Entry[lineItem]{Value: lineItem{Category: "food", Amount: 20}, Multiplicity: 1},
	)
	out := run(t, op, batch)
	if out.Len() != 2 {
		t.Fatalf("got %d entries, want 2 (paired update despite net-zero multiplicity)", out.Len())
	}
}

func TestCountIgnoresNullExtract(t *testing.T) {
	type row struct {
		Category string
		Value    *float64
	}
	nonNull := 1.0
	op := New(func(r row) string { return r.Category },
		Spec[row]{Name: "n", Kind: Count, Extract: func(r row) (float64, bool) {
			if r.Value == nil {
				return 0, false
			}
			return *r.Value, true
		}},
	)
	fn := op.Func("in")
	batch := multiset.FromValues(
		row{Category: "a", Value: &nonNull},
		row{Category: "a", Value: nil},
	)
	out, err := fn(map[dataflow.NodeID]any{"in": batch})
	if err != nil {
		t.Fatalf("operator: %v", err)
	}
	result := out.(multiset.Multiset[dataflow.Keyed[string, Result[string]]])
	if result.Len() != 1 {
		t.Fatalf("got %d entries, want 1", result.Len())
	}
	if result.Inner()[0].Value.Value.Aggregates["n"] != 1 {
		t.Errorf("got count %v, want 1 (null row excluded)", result.Inner()[0].Value.Value.Aggregates["n"])
	}
}

func TestMinMaxRecoverOnExtremumDeletion(t *testing.T) {
	agg := newAggState()
	agg.apply(5, true, 1)
	agg.apply(1, true, 1)
	agg.apply(9, true, 1)
	if got := agg.compute(Min); got != 1 {
		t.Fatalf("got min %v, want 1", got)
	}
	agg.apply(1, true, -1) // delete the extremum
	if got := agg.compute(Min); got != 5 {
		t.Fatalf("after deleting the min, got %v, want 5", got)
	}
	if got := agg.compute(Max); got != 9 {
		t.Fatalf("got max %v, want 9", got)
	}
}
